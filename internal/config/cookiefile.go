package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CookieFile is the on-disk cookie bundle: a YAML list of cookie strings.
// Values prefixed "enc:" are AES-GCM ciphertext decrypted at load time.
type CookieFile struct {
	Cookies []string `yaml:"cookies"`
}

// LoadCookieFile reads and parses the cookie bundle at path.
func LoadCookieFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}

	var file CookieFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cookie file: %w", err)
	}
	return file.Cookies, nil
}

// WatchCookieFile watches the cookie bundle and invokes onReload with the
// fresh cookie list after every change, debounced so editors writing in
// several steps trigger one reload. Blocks until ctx is done.
func WatchCookieFile(ctx context.Context, path string, debounce time.Duration, onReload func([]string)) error {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	slog.Info("watching cookie file", "path", path)

	var mu sync.Mutex
	var timer *time.Timer

	reload := func() {
		cookies, err := LoadCookieFile(path)
		if err != nil {
			slog.Error("cookie file reload failed", "path", path, "error", err)
			return
		}
		slog.Info("cookie file reloaded", "path", path, "cookies", len(cookies))
		onReload(cookies)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			// Editors replace files instead of writing in place; re-add
			// the path so the watch survives the swap.
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				watcher.Add(path)
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			slog.Error("cookie file watcher error", "error", err)
		}
	}
}
