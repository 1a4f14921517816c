package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/ingestion-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// OutboxEvent interface defines the methods for the outbox event table.
type OutboxEvent interface {
	// CreateOutboxEvent writes an event. It is meant to be called inside
	// the transaction of the document mutation that triggers it.
	CreateOutboxEvent(ctx context.Context, eventType types.OutboxEventType, payload types.OutboxPayload) (*OutboxEventModel, error)
	// GetOutboxEvent returns an event by UID.
	GetOutboxEvent(ctx context.Context, uid types.EventUIDType) (*OutboxEventModel, error)
	// ClaimOutboxEvents marks up to limit unprocessed events as dispatched
	// and returns them. Events dispatched after redeliverBefore are still
	// owned by their previous dispatch and are skipped.
	ClaimOutboxEvents(ctx context.Context, limit int, redeliverBefore time.Time) ([]OutboxEventModel, error)
	// ReleaseOutboxEvent clears the dispatch mark of an event so that the
	// next poll claims it again.
	ReleaseOutboxEvent(ctx context.Context, uid types.EventUIDType) error
	// MarkOutboxEventProcessed sets the processed time of an event. It
	// reports false when the event was already processed.
	MarkOutboxEventProcessed(ctx context.Context, uid types.EventUIDType) (bool, error)
	// CountUnprocessedOutboxEvents returns the number of events waiting for
	// a terminal outcome.
	CountUnprocessedOutboxEvents(ctx context.Context) (int64, error)
}

// OutboxEventTableName is the table name for outbox events.
const OutboxEventTableName = "outbox_event"

// OutboxEventModel is the model for the outbox event table.
type OutboxEventModel struct {
	UID          types.EventUIDType    `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	EventType    types.OutboxEventType `gorm:"column:event_type;size:64;not null" json:"event_type"`
	AggregateUID types.DocumentUIDType `gorm:"column:aggregate_uid;type:uuid;not null;index" json:"aggregate_uid"`
	Payload      datatypes.JSON        `gorm:"column:payload;not null" json:"payload"`
	CreateTime   time.Time             `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	// Last time the relay handed the event to the task queue.
	DispatchedAt *time.Time `gorm:"column:dispatched_at" json:"dispatched_at"`
	Attempts     int32      `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ProcessedAt  *time.Time `gorm:"column:processed_at;index" json:"processed_at"`
}

// TableName overrides the default table name for GORM.
func (OutboxEventModel) TableName() string {
	return OutboxEventTableName
}

// BeforeCreate is a GORM hook that assigns the UID.
func (e *OutboxEventModel) BeforeCreate(tx *gorm.DB) error {
	if e.UID.IsNil() {
		uid, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating event UID: %w", err)
		}
		e.UID = uid
	}
	return nil
}

// DecodePayload unmarshals the event payload.
func (e *OutboxEventModel) DecodePayload() (types.OutboxPayload, error) {
	var p types.OutboxPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decoding payload of event %s: %w", e.UID, err)
	}
	return p, nil
}

// OutboxEventColumns holds the column names of the outbox event table.
type OutboxEventColumns struct {
	UID          string
	EventType    string
	AggregateUID string
	Payload      string
	CreateTime   string
	DispatchedAt string
	Attempts     string
	ProcessedAt  string
}

// OutboxEventColumn is the column names of the outbox event table.
var OutboxEventColumn = OutboxEventColumns{
	UID:          "uid",
	EventType:    "event_type",
	AggregateUID: "aggregate_uid",
	Payload:      "payload",
	CreateTime:   "create_time",
	DispatchedAt: "dispatched_at",
	Attempts:     "attempts",
	ProcessedAt:  "processed_at",
}

func (r *repository) CreateOutboxEvent(ctx context.Context, eventType types.OutboxEventType, payload types.OutboxPayload) (*OutboxEventModel, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	ev := OutboxEventModel{
		EventType:    eventType,
		AggregateUID: payload.DocumentUID,
		Payload:      datatypes.JSON(b),
	}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("creating outbox event: %w", err)
	}
	return &ev, nil
}

func (r *repository) GetOutboxEvent(ctx context.Context, uid types.EventUIDType) (*OutboxEventModel, error) {
	var ev OutboxEventModel
	err := r.db.WithContext(ctx).Where(OutboxEventColumn.UID+" = ?", uid).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("outbox event %s: %w", uid, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching outbox event: %w", err)
	}
	return &ev, nil
}

func (r *repository) ClaimOutboxEvents(ctx context.Context, limit int, redeliverBefore time.Time) ([]OutboxEventModel, error) {
	var claimed []OutboxEventModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Concurrent relays skip each other's rows instead of waiting.
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(OutboxEventColumn.ProcessedAt+" IS NULL").
			Where("("+OutboxEventColumn.DispatchedAt+" IS NULL OR "+OutboxEventColumn.DispatchedAt+" < ?)", redeliverBefore).
			Order(OutboxEventColumn.CreateTime).
			Limit(claimSize(limit)).
			Find(&claimed).Error
		if err != nil {
			return fmt.Errorf("selecting outbox events: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		uids := make([]types.EventUIDType, len(claimed))
		for i := range claimed {
			uids[i] = claimed[i].UID
		}

		now := time.Now().UTC()
		err = tx.Model(&OutboxEventModel{}).
			Where(OutboxEventColumn.UID+" IN ?", uids).
			Updates(map[string]any{
				OutboxEventColumn.DispatchedAt: now,
				OutboxEventColumn.Attempts:     gorm.Expr(OutboxEventColumn.Attempts + " + 1"),
			}).Error
		if err != nil {
			return fmt.Errorf("marking outbox events as dispatched: %w", err)
		}

		for i := range claimed {
			claimed[i].DispatchedAt = &now
			claimed[i].Attempts++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repository) ReleaseOutboxEvent(ctx context.Context, uid types.EventUIDType) error {
	err := r.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Where(OutboxEventColumn.UID+" = ? AND "+OutboxEventColumn.ProcessedAt+" IS NULL", uid).
		Update(OutboxEventColumn.DispatchedAt, nil).Error
	if err != nil {
		return fmt.Errorf("releasing outbox event: %w", err)
	}
	return nil
}

func (r *repository) MarkOutboxEventProcessed(ctx context.Context, uid types.EventUIDType) (bool, error) {
	result := r.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Where(OutboxEventColumn.UID+" = ? AND "+OutboxEventColumn.ProcessedAt+" IS NULL", uid).
		Update(OutboxEventColumn.ProcessedAt, time.Now().UTC())
	if result.Error != nil {
		return false, fmt.Errorf("marking outbox event as processed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) CountUnprocessedOutboxEvents(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Where(OutboxEventColumn.ProcessedAt + " IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting unprocessed outbox events: %w", err)
	}
	return count, nil
}

// claimSize bounds a relay batch. Relay batches aren't user pages, so they
// may exceed MaxPageSize.
func claimSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return min(limit, 1000)
}
