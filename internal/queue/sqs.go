// Package queue publishes per-request usage events for offline analysis.
// Publishing is fire-and-forget: a queue outage must never fail a relay.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// UsageEvent describes one finished relay attempt. IDs are pool
// fingerprints, never secrets.
type UsageEvent struct {
	RequestID string    `json:"request_id"`
	Model     string    `json:"model"`
	CookieID  string    `json:"cookie_id"`
	ProxyID   string    `json:"proxy_id,omitempty"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	Chunks    int       `json:"chunks"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event UsageEvent) error
}

type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"Model": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Model),
			},
			"Status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Status),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}

// NopPublisher is used when no usage queue is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event UsageEvent) error {
	return nil
}
