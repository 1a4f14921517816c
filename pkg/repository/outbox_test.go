package repository

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/ingestion-backend/pkg/types"
)

func TestOutboxEvent_CreateAndDecode(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	payload := types.OutboxPayload{
		DocumentUID: uuid.Must(uuid.NewV4()),
		KBUID:       uuid.Must(uuid.NewV4()),
		StoragePath: "kb-1/doc.pdf",
		MimeType:    "application/pdf",
		Checksum:    "abc",
		Replacement: true,
	}
	ev, err := repo.CreateOutboxEvent(ctx, types.EventTypeReprocess, payload)
	c.Assert(err, qt.IsNil)
	c.Check(ev.AggregateUID, qt.Equals, payload.DocumentUID)

	got, err := repo.GetOutboxEvent(ctx, ev.UID)
	c.Assert(err, qt.IsNil)
	c.Check(got.EventType, qt.Equals, types.EventTypeReprocess)
	c.Check(got.ProcessedAt, qt.IsNil)

	decoded, err := got.DecodePayload()
	c.Assert(err, qt.IsNil)
	c.Check(decoded, qt.DeepEquals, payload)
}

func TestOutboxEvent_Claim(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	var uids []types.EventUIDType
	for i := 0; i < 3; i++ {
		ev, err := repo.CreateOutboxEvent(ctx, types.EventTypeProcess, types.OutboxPayload{DocumentUID: uuid.Must(uuid.NewV4())})
		c.Assert(err, qt.IsNil)
		uids = append(uids, ev.UID)
	}

	past := time.Now().UTC().Add(-time.Hour)

	claimed, err := repo.ClaimOutboxEvents(ctx, 2, past)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed, qt.HasLen, 2)
	for _, ev := range claimed {
		c.Check(ev.Attempts, qt.Equals, int32(1))
		c.Check(ev.DispatchedAt, qt.Not(qt.IsNil))
	}

	// Dispatched events are owned by their dispatch until the redelivery
	// timeout passes.
	claimed, err = repo.ClaimOutboxEvents(ctx, 10, past)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed, qt.HasLen, 1)

	claimed, err = repo.ClaimOutboxEvents(ctx, 10, past)
	c.Assert(err, qt.IsNil)
	c.Check(claimed, qt.HasLen, 0)

	c.Run("redelivered after the timeout", func(c *qt.C) {
		processed, err := repo.MarkOutboxEventProcessed(ctx, uids[0])
		c.Assert(err, qt.IsNil)
		c.Check(processed, qt.IsTrue)

		claimed, err := repo.ClaimOutboxEvents(ctx, 10, time.Now().UTC().Add(time.Hour))
		c.Assert(err, qt.IsNil)
		c.Assert(claimed, qt.HasLen, 2)
		for _, ev := range claimed {
			c.Check(ev.UID, qt.Not(qt.Equals), uids[0])
			c.Check(ev.Attempts, qt.Equals, int32(2))
		}
	})

	c.Run("released events are claimed again", func(c *qt.C) {
		err := repo.ReleaseOutboxEvent(ctx, uids[1])
		c.Assert(err, qt.IsNil)

		claimed, err := repo.ClaimOutboxEvents(ctx, 10, past)
		c.Assert(err, qt.IsNil)
		c.Assert(claimed, qt.HasLen, 1)
		c.Check(claimed[0].UID, qt.Equals, uids[1])
	})
}

func TestOutboxEvent_MarkProcessedOnce(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	ev, err := repo.CreateOutboxEvent(ctx, types.EventTypeDelete, types.OutboxPayload{DocumentUID: uuid.Must(uuid.NewV4())})
	c.Assert(err, qt.IsNil)

	count, err := repo.CountUnprocessedOutboxEvents(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(count, qt.Equals, int64(1))

	processed, err := repo.MarkOutboxEventProcessed(ctx, ev.UID)
	c.Assert(err, qt.IsNil)
	c.Check(processed, qt.IsTrue)

	got, err := repo.GetOutboxEvent(ctx, ev.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.ProcessedAt, qt.Not(qt.IsNil))
	first := *got.ProcessedAt

	processed, err = repo.MarkOutboxEventProcessed(ctx, ev.UID)
	c.Assert(err, qt.IsNil)
	c.Check(processed, qt.IsFalse)

	got, err = repo.GetOutboxEvent(ctx, ev.UID)
	c.Assert(err, qt.IsNil)
	c.Check(got.ProcessedAt.Equal(first), qt.IsTrue)

	count, err = repo.CountUnprocessedOutboxEvents(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(count, qt.Equals, int64(0))
}
