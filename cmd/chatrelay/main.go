package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pinemoor/chatrelay/internal/api"
	"github.com/pinemoor/chatrelay/internal/auth"
	"github.com/pinemoor/chatrelay/internal/config"
	"github.com/pinemoor/chatrelay/internal/crypto"
	"github.com/pinemoor/chatrelay/internal/gateway"
	"github.com/pinemoor/chatrelay/internal/httputil"
	"github.com/pinemoor/chatrelay/internal/notifications"
	"github.com/pinemoor/chatrelay/internal/pool"
	"github.com/pinemoor/chatrelay/internal/queue"
	"github.com/pinemoor/chatrelay/internal/ratelimit"
	"github.com/pinemoor/chatrelay/internal/repository"
	"github.com/pinemoor/chatrelay/internal/secrets"
	"github.com/pinemoor/chatrelay/internal/telemetry"
	"github.com/pinemoor/chatrelay/internal/upstream"
)

// encPrefix marks cookie values stored as AES-GCM ciphertext.
const encPrefix = "enc:"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chatrelay", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, "chatrelay", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	verifier, err := auth.New(cfg.APIToken, cfg.APITokenHash)
	if err != nil {
		slog.Error("failed to configure API auth", "error", err)
		os.Exit(1)
	}

	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("failed to build cookie decryptor", "error", err)
			os.Exit(1)
		}
	}

	var secretStore secrets.SecretStore
	if cfg.CookieSecretName != "" {
		secretStore, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to connect to secrets manager", "error", err)
			os.Exit(1)
		}
	}

	cookies, err := loadCookies(ctx, cfg, secretStore, encryptor, nil)
	if err != nil {
		slog.Error("failed to load cookies", "error", err)
		os.Exit(1)
	}
	if len(cookies) == 0 {
		slog.Error("no cookies configured; set COOKIES, COOKIE_FILE, or COOKIE_SECRET_NAME")
		os.Exit(1)
	}

	cookiePool := pool.New(pool.Config{
		Name:             "cookies",
		FailureThreshold: cfg.CookieFailureThreshold,
		Cooldown:         cfg.CookieCooldown,
		StartUnverified:  true,
	}, cookies, crypto.Fingerprint)

	proxyPool := pool.New(pool.Config{
		Name:             "proxies",
		FailureThreshold: cfg.ProxyFailureThreshold,
		Cooldown:         cfg.ProxyCooldown,
	}, cfg.Proxies, crypto.Fingerprint)

	slog.Info("pools built", "cookies", cookiePool.Size(), "proxies", proxyPool.Size())

	var notifier notifications.Notifier
	if cfg.SNSTopicArn != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicArn)
		if err != nil {
			slog.Error("failed to connect to sns", "error", err)
			os.Exit(1)
		}
		slog.Info("pool notifications enabled", "topic", cfg.SNSTopicArn)
	}

	var usage queue.Publisher
	if cfg.SQSUsageQueueURL != "" {
		usage, err = queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.SQSUsageQueueURL)
		if err != nil {
			slog.Error("failed to connect to sqs", "error", err)
			os.Exit(1)
		}
		slog.Info("usage events enabled", "queue", cfg.SQSUsageQueueURL)
	}

	var requests repository.RequestLog
	if cfg.DatabaseURL != "" {
		pg, err := repository.NewPostgresRequestLog(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		requests = pg
		slog.Info("using postgres request log")
	} else {
		requests = repository.NewInMemoryRequestLog(0)
		slog.Info("using in-memory request log")
	}

	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rateLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	gw := gateway.New(gateway.Config{
		Cookies:           cookiePool,
		Proxies:           proxyPool,
		Upstream:          upstream.New(cfg.UpstreamBaseURL, httputil.DefaultConfig()),
		Notifier:          notifier,
		Usage:             usage,
		Requests:          requests,
		StreamReadTimeout: cfg.StreamReadTimeout,
		StreamMaxDuration: cfg.StreamMaxDuration,
	})

	if cfg.CookieFile != "" {
		go func() {
			err := config.WatchCookieFile(ctx, cfg.CookieFile, 0, func(fileCookies []string) {
				merged, err := loadCookies(ctx, cfg, secretStore, encryptor, fileCookies)
				if err != nil {
					slog.Error("cookie reload failed", "error", err)
					return
				}
				cookiePool.SetEntries(merged)
				slog.Info("cookie pool reloaded", "cookies", cookiePool.Size())
			})
			if err != nil {
				slog.Error("cookie file watcher stopped", "error", err)
			}
		}()
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:      gw,
		Verifier:     verifier,
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitRPM,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE responses stay open as long as the
		// stream's own duration cap allows.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	gw.Shutdown()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// loadCookies merges every configured cookie source: the inline env list,
// the watched file (fileCookies overrides a fresh read when the watcher
// already parsed it), and the Secrets Manager bundle. "enc:" values are
// decrypted; order is preserved and duplicates are dropped by the pool.
func loadCookies(ctx context.Context, cfg *config.Config, store secrets.SecretStore, enc *crypto.Encryptor, fileCookies []string) ([]string, error) {
	out := append([]string(nil), cfg.Cookies...)

	if cfg.CookieFile != "" && fileCookies == nil {
		loaded, err := config.LoadCookieFile(cfg.CookieFile)
		if err != nil {
			return nil, err
		}
		fileCookies = loaded
	}
	out = append(out, fileCookies...)

	if store != nil && cfg.CookieSecretName != "" {
		fetched, err := secrets.FetchCookies(ctx, store, cfg.CookieSecretName)
		if err != nil {
			return nil, err
		}
		out = append(out, fetched...)
	}

	for i, c := range out {
		if !strings.HasPrefix(c, encPrefix) {
			continue
		}
		if enc == nil {
			slog.Warn("encrypted cookie present but no ENCRYPTION_KEY set", "index", i)
			continue
		}
		plain, err := enc.Decrypt(strings.TrimPrefix(c, encPrefix))
		if err != nil {
			return nil, err
		}
		out[i] = plain
	}

	return out, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
