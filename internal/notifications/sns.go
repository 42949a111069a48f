// Package notifications publishes pool health events so operators learn
// about dying cookies and banned proxies without tailing logs.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationCookieInvalidated NotificationType = "cookie_invalidated"
	NotificationCookieCooldown    NotificationType = "cookie_cooldown"
	NotificationProxyInvalidated  NotificationType = "proxy_invalidated"
	NotificationProxyCooldown     NotificationType = "proxy_cooldown"
	NotificationPoolExhausted     NotificationType = "pool_exhausted"
)

type Notification struct {
	Type    NotificationType       `json:"type"`
	Pool    string                 `json:"pool,omitempty"`
	EntryID string                 `json:"entry_id,omitempty"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Debug("notification published", "type", notification.Type, "pool", notification.Pool, "entry", notification.EntryID)
	return nil
}

// NopNotifier is used when no SNS topic is configured.
type NopNotifier struct{}

func (NopNotifier) Send(ctx context.Context, notification Notification) error {
	return nil
}
