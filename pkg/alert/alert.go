// Package alert notifies operators about conditions that need a human, such
// as a cleanup that keeps failing.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator notification. Alerts sharing a Key are deduplicated
// within the notifier window.
type Alert struct {
	Key      string            `json:"key"`
	Severity Severity          `json:"severity"`
	Summary  string            `json:"summary"`
	Details  map[string]string `json:"details,omitempty"`
	Time     time.Time         `json:"time"`
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(context.Context, Alert) error
}

const dedupKeyPrefix = "ingestion:alert-dedup:"

func dedupKey(key string) string {
	return dedupKeyPrefix + key
}

// RedisNotifier publishes alerts on a Redis channel.
type RedisNotifier struct {
	client      *redis.Client
	channel     string
	dedupWindow time.Duration
	logger      *zap.Logger
}

// NewRedisNotifier returns a notifier publishing on channel. An alert is sent
// at most once per dedupWindow for a given key.
func NewRedisNotifier(client *redis.Client, channel string, dedupWindow time.Duration, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		client:      client,
		channel:     channel,
		dedupWindow: dedupWindow,
		logger:      logger,
	}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, a Alert) error {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}

	// The operator log is the fallback channel when Redis is unreachable.
	n.logger.Error("Operator alert",
		zap.String("key", a.Key),
		zap.String("severity", string(a.Severity)),
		zap.String("summary", a.Summary),
		zap.Any("details", a.Details))

	if n.dedupWindow > 0 {
		first, err := n.client.SetNX(ctx, dedupKey(a.Key), a.Time.Unix(), n.dedupWindow).Result()
		if err != nil {
			return fmt.Errorf("deduplicating alert: %w", err)
		}
		if !first {
			return nil
		}
	}

	msg, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, msg).Err(); err != nil {
		return fmt.Errorf("publishing alert: %w", err)
	}
	return nil
}

// LogNotifier only writes alerts to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	n.logger.Error("Operator alert",
		zap.String("key", a.Key),
		zap.String("severity", string(a.Severity)),
		zap.String("summary", a.Summary),
		zap.Any("details", a.Details))
	return nil
}

// CleanupFailedKey is the deduplication key of a cleanup failure alert.
func CleanupFailedKey(documentUID fmt.Stringer) string {
	return "cleanup-failed:" + documentUID.String()
}
