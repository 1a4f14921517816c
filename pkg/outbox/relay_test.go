package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/ingestion-backend/config"
	"github.com/instill-ai/ingestion-backend/pkg/mock"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/types"
)

type dispatcherFunc func(ctx context.Context, event repository.OutboxEventModel) error

func (f dispatcherFunc) Dispatch(ctx context.Context, event repository.OutboxEventModel) error {
	return f(ctx, event)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []repository.OutboxEventModel
	err    func(repository.OutboxEventModel) error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event repository.OutboxEventModel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	if d.err != nil {
		return d.err(event)
	}
	return nil
}

func (d *recordingDispatcher) dispatched() []repository.OutboxEventModel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]repository.OutboxEventModel(nil), d.events...)
}

func createEvents(c *qt.C, repo repository.Repository, n int) []types.EventUIDType {
	uids := make([]types.EventUIDType, n)
	for i := range uids {
		ev, err := repo.CreateOutboxEvent(context.Background(), types.EventTypeProcess, types.OutboxPayload{
			DocumentUID: uuid.Must(uuid.NewV4()),
			KBUID:       uuid.Must(uuid.NewV4()),
		})
		c.Assert(err, qt.IsNil)
		uids[i] = ev.UID
	}
	return uids
}

func TestRelay_RelayOnce(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := mock.NewRepository(c)
	uids := createEvents(c, repo, 3)

	d := &recordingDispatcher{}
	relay := NewRelay(repo, d, config.OutboxConfig{BatchSize: 10, RedeliveryTimeout: time.Minute}, zap.NewNop())

	n, err := relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 3)

	got := d.dispatched()
	c.Assert(got, qt.HasLen, 3)
	for i, ev := range got {
		c.Check(ev.UID, qt.Equals, uids[i])
	}

	// Dispatched events wait for the redelivery timeout.
	n, err = relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 0)
}

func TestRelay_Redelivery(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := mock.NewRepository(c)
	uids := createEvents(c, repo, 2)

	d := &recordingDispatcher{}
	relay := NewRelay(repo, d, config.OutboxConfig{BatchSize: 10, RedeliveryTimeout: time.Minute}, zap.NewNop())

	_, err := relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)

	// The first event reached a terminal outcome, the second one was lost
	// with its worker.
	_, err = repo.MarkOutboxEventProcessed(ctx, uids[0])
	c.Assert(err, qt.IsNil)

	relay.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)

	got := d.dispatched()
	c.Assert(got, qt.HasLen, 3)
	c.Check(got[2].UID, qt.Equals, uids[1])
	c.Check(got[2].Attempts, qt.Equals, int32(2))
}

func TestRelay_FailedDispatchIsReleased(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := mock.NewRepository(c)
	uids := createEvents(c, repo, 2)

	core, logs := observer.New(zap.WarnLevel)
	d := &recordingDispatcher{
		err: func(ev repository.OutboxEventModel) error {
			if ev.UID == uids[0] {
				return errors.New("temporal unavailable")
			}
			return nil
		},
	}
	relay := NewRelay(repo, d, config.OutboxConfig{BatchSize: 10, RedeliveryTimeout: time.Hour}, zap.New(core))

	// The failed event doesn't count as handled.
	n, err := relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 1)
	c.Check(logs.FilterMessage("Failed to dispatch outbox event").Len(), qt.Equals, 1)

	released, err := repo.GetOutboxEvent(ctx, uids[0])
	c.Assert(err, qt.IsNil)
	c.Check(released.DispatchedAt, qt.IsNil)

	// Only the released event comes back, without waiting for the timeout.
	d.err = nil
	n, err = relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 1)
	got := d.dispatched()
	c.Check(got[len(got)-1].UID, qt.Equals, uids[0])
}

func TestRelay_UndeliverableEventIsParked(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := mock.NewRepository(c)
	uids := createEvents(c, repo, 2)

	core, logs := observer.New(zap.WarnLevel)
	d := &recordingDispatcher{
		err: func(ev repository.OutboxEventModel) error {
			if ev.UID == uids[0] {
				return fmt.Errorf("%w: unknown outbox event type %q", ErrUndeliverable, "document.archive")
			}
			return nil
		},
	}
	relay := NewRelay(repo, d, config.OutboxConfig{BatchSize: 10, RedeliveryTimeout: time.Minute}, zap.New(core))

	n, err := relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 2)
	c.Check(logs.FilterMessage("Parking undeliverable outbox event").Len(), qt.Equals, 1)
	c.Check(logs.FilterMessage("Failed to dispatch outbox event").Len(), qt.Equals, 0)

	parked, err := repo.GetOutboxEvent(ctx, uids[0])
	c.Assert(err, qt.IsNil)
	c.Check(parked.ProcessedAt, qt.IsNotNil)

	// Past the redelivery timeout only the dispatched event comes back.
	relay.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = relay.RelayOnce(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 1)

	got := d.dispatched()
	c.Assert(got, qt.HasLen, 3)
	c.Check(got[2].UID, qt.Equals, uids[1])
}

func TestRelay_RunWaitsForTickAfterFailure(t *testing.T) {
	c := qt.New(t)
	repo := mock.NewRepository(c)
	createEvents(c, repo, 4)

	var attempts atomic.Int64
	d := dispatcherFunc(func(context.Context, repository.OutboxEventModel) error {
		attempts.Add(1)
		return errors.New("temporal unavailable")
	})
	relay := NewRelay(repo, d, config.OutboxConfig{
		PollInterval:      200 * time.Millisecond,
		BatchSize:         2,
		RedeliveryTimeout: time.Hour,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	relay.Run(ctx)

	// At most two ticks, each claiming one batch that fails and ends the pass.
	c.Check(attempts.Load() > 0, qt.IsTrue)
	c.Check(attempts.Load() <= 4, qt.IsTrue, qt.Commentf("%d dispatch attempts", attempts.Load()))
}

func TestRelay_Run(t *testing.T) {
	c := qt.New(t)
	repo := mock.NewRepository(c)
	createEvents(c, repo, 5)

	done := make(chan struct{}, 5)
	d := dispatcherFunc(func(context.Context, repository.OutboxEventModel) error {
		done <- struct{}{}
		return nil
	})
	relay := NewRelay(repo, d, config.OutboxConfig{
		PollInterval:      10 * time.Millisecond,
		BatchSize:         2,
		RedeliveryTimeout: time.Hour,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.Fatalf("only %d events dispatched", i)
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		c.Fatal("relay didn't stop")
	}
}

func TestRelay_PanicIsRecovered(t *testing.T) {
	c := qt.New(t)
	repo := mock.NewRepository(c)
	createEvents(c, repo, 1)

	core, logs := observer.New(zap.ErrorLevel)
	d := dispatcherFunc(func(context.Context, repository.OutboxEventModel) error {
		panic("boom")
	})
	relay := NewRelay(repo, d, config.OutboxConfig{}, zap.New(core))

	_, err := relay.safeRelayOnce(context.Background())
	c.Check(err, qt.ErrorMatches, "outbox relay panic: boom")
	c.Check(logs.FilterMessage("Panic recovered in outbox relay").Len(), qt.Equals, 1)
}

func TestNewRelay_Defaults(t *testing.T) {
	c := qt.New(t)

	relay := NewRelay(mock.NewRepository(c), &recordingDispatcher{}, config.OutboxConfig{}, nil)
	c.Check(relay.cfg.PollInterval, qt.Equals, defaultPollInterval)
	c.Check(relay.cfg.BatchSize, qt.Equals, defaultBatchSize)
	c.Check(relay.cfg.RedeliveryTimeout, qt.Equals, defaultRedeliveryTimeout)
}
