package repository

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryRequestLog_RecentNewestFirst(t *testing.T) {
	log := NewInMemoryRequestLog(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		log.Record(ctx, &RequestRecord{
			ID:        fmt.Sprintf("req-%d", i),
			Model:     "anthropic-sonnet-4",
			CookieID:  "abc",
			Mode:      "stream",
			Status:    "completed",
			CreatedAt: time.Now(),
		})
	}

	recent, err := log.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].ID != "req-2" || recent[1].ID != "req-1" {
		t.Errorf("expected newest first, got %s, %s", recent[0].ID, recent[1].ID)
	}
}

func TestInMemoryRequestLog_BoundedRing(t *testing.T) {
	log := NewInMemoryRequestLog(2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.Record(ctx, &RequestRecord{ID: fmt.Sprintf("req-%d", i)})
	}

	recent, _ := log.Recent(ctx, 10)
	if len(recent) != 2 {
		t.Fatalf("expected ring bounded at 2, got %d", len(recent))
	}
	if recent[0].ID != "req-4" {
		t.Errorf("expected req-4 newest, got %s", recent[0].ID)
	}
}
