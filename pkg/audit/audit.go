// Package audit records user operations and pipeline outcomes. Recording is
// best-effort: a failing sink is logged and never fails the caller.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/pkg/types"
)

// Action is the kind of audited event.
type Action string

const (
	ActionUpload  Action = "document.upload"
	ActionReplace Action = "document.replace"
	ActionDelete  Action = "document.delete"
	ActionRetry   Action = "document.retry"
	ActionReady   Action = "document.ready"
	ActionFailed  Action = "document.failed"
	ActionCleaned Action = "document.cleaned"
)

// Event is an audit record.
type Event struct {
	Action      Action                 `json:"action"`
	DocumentUID types.DocumentUIDType  `json:"document_uid"`
	KBUID       types.KBUIDType        `json:"kb_uid"`
	Requester   types.RequesterUIDType `json:"requester_uid"`
	Details     map[string]string      `json:"details,omitempty"`
	Time        time.Time              `json:"time"`
}

// Sink persists audit events.
type Sink interface {
	Write(context.Context, Event) error
}

// Recorder hands events to a sink.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

// NewRecorder returns a Recorder. A nil sink discards every event.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record writes an event to the sink. Failures are logged.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	if err := r.sink.Write(ctx, ev); err != nil {
		r.logger.Warn("Failed to record audit event",
			zap.String("action", string(ev.Action)),
			zap.String("documentUID", ev.DocumentUID.String()),
			zap.Error(err))
	}
}

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink returns a sink that appends to stream, trimming it to about
// maxLen entries.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, ev Event) error {
	values, err := streamValues(ev)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending to audit stream: %w", err)
	}
	return nil
}

func streamValues(ev Event) (map[string]any, error) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return nil, fmt.Errorf("encoding audit details: %w", err)
	}
	return map[string]any{
		"action":        string(ev.Action),
		"document_uid":  ev.DocumentUID.String(),
		"kb_uid":        ev.KBUID.String(),
		"requester_uid": ev.Requester.String(),
		"details":       string(details),
		"time":          ev.Time.Format(time.RFC3339Nano),
	}, nil
}
