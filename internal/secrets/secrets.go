// Package secrets fetches the session-cookie bundle from AWS Secrets
// Manager so deployments can rotate cookies without touching env vars or
// files. The secret value is a JSON array of cookie strings.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretJSON(ctx context.Context, name string, v interface{}) error
}

type AWSSecretsManager struct {
	client *secretsmanager.Client
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}, nil
}

func NewAWSSecretsManagerWithClient(client *secretsmanager.Client, ttl time.Duration) *AWSSecretsManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*cachedSecret),
		ttl:    ttl,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()

	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(out.SecretString)

	s.mu.Lock()
	s.cache[name] = &cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) GetSecretJSON(ctx context.Context, name string, v interface{}) error {
	value, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("unmarshal secret %s: %w", name, err)
	}
	return nil
}

// FetchCookies loads the cookie bundle stored under the given secret name.
func FetchCookies(ctx context.Context, store SecretStore, name string) ([]string, error) {
	var cookies []string
	if err := store.GetSecretJSON(ctx, name, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}
