package worker

import (
	"context"
	"math"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/config"
	"github.com/instill-ai/ingestion-backend/pkg/alert"
	"github.com/instill-ai/ingestion-backend/pkg/audit"
	"github.com/instill-ai/ingestion-backend/pkg/chunker"
	"github.com/instill-ai/ingestion-backend/pkg/embedding"
	"github.com/instill-ai/ingestion-backend/pkg/parser"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
)

// TaskQueue is the Temporal task queue name for all workflows and activities.
const TaskQueue = "ingestion-backend"

// ActivityTimeoutStandard bounds the bookkeeping activities (database, object
// storage, vector deletes).
const ActivityTimeoutStandard = 5 * time.Minute

// Retry policy of the bookkeeping activities. Pipeline stages don't use it:
// their attempts are counted by the workflow against the document budget.
const (
	RetryInitialInterval    = 1 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 30 * time.Second
	RetryMaximumAttempts    = 5
)

// Policy holds the retry budget and the time limits of a processing run.
type Policy struct {
	MaxRetries              int32
	RetryInitialInterval    time.Duration
	RetryBackoffCoefficient float64
	RetryMaximumInterval    time.Duration
	// SoftTimeLimit triggers a warning on a pipeline stage, HardTimeLimit
	// aborts it.
	SoftTimeLimit      time.Duration
	HardTimeLimit      time.Duration
	CleanupMaxAttempts int32
	TempDir            string
	LastErrorMaxLength int
}

// PolicyFromConfig reads the policy from the pipeline configuration.
func PolicyFromConfig(cfg config.PipelineConfig) Policy {
	return Policy{
		MaxRetries:              cfg.MaxRetries,
		RetryInitialInterval:    cfg.RetryInitialInterval,
		RetryBackoffCoefficient: cfg.RetryBackoffCoefficient,
		RetryMaximumInterval:    cfg.RetryMaximumInterval,
		SoftTimeLimit:           cfg.SoftTimeLimit,
		HardTimeLimit:           cfg.HardTimeLimit,
		CleanupMaxAttempts:      cfg.CleanupMaxAttempts,
		TempDir:                 cfg.TempDir,
		LastErrorMaxLength:      cfg.LastErrorMaxLength,
	}
}

// Backoff returns the wait before the given re-attempt (1-based), growing
// exponentially up to RetryMaximumInterval.
func (p Policy) Backoff(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coef := p.RetryBackoffCoefficient
	if coef < 1 {
		coef = 1
	}

	d := float64(p.RetryInitialInterval) * math.Pow(coef, float64(attempt-1))
	if p.RetryMaximumInterval > 0 && d > float64(p.RetryMaximumInterval) {
		return p.RetryMaximumInterval
	}
	return time.Duration(d)
}

// Config defines the dependencies of the worker.
type Config struct {
	Repository  repository.Repository
	VectorIndex repository.VectorIndex
	Storage     object.Storage
	Parser      *parser.Parser
	Chunker     *chunker.Chunker
	Embedder    *embedding.Generator
	Audit       *audit.Recorder
	Notifier    alert.Notifier
	Policy      Policy
}

// Worker implements the Temporal worker with all workflows and activities.
type Worker struct {
	repository  repository.Repository
	vectorIndex repository.VectorIndex
	storage     object.Storage
	parser      *parser.Parser
	chunker     *chunker.Chunker
	embedder    *embedding.Generator
	audit       *audit.Recorder
	notifier    alert.Notifier
	policy      Policy
	log         *zap.Logger
}

// New creates a new worker instance.
func New(cfg Config, log *zap.Logger) *Worker {
	if cfg.Notifier == nil {
		cfg.Notifier = alert.NewLogNotifier(log)
	}
	return &Worker{
		repository:  cfg.Repository,
		vectorIndex: cfg.VectorIndex,
		storage:     cfg.Storage,
		parser:      cfg.Parser,
		chunker:     cfg.Chunker,
		embedder:    cfg.Embedder,
		audit:       cfg.Audit,
		notifier:    cfg.Notifier,
		policy:      cfg.Policy,
		log:         log,
	}
}

// standardActivityOptions are used for the bookkeeping activities.
func standardActivityOptions(maxAttempts int32) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    maxAttempts,
		},
	}
}

// stageActivityOptions are used for the pipeline stages. A stage runs once
// per attempt, the hard time limit aborts it.
func (w *Worker) stageActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: w.policy.HardTimeLimit,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
}

// watchSoftLimit warns when a stage runs past the soft time limit. The
// returned function must be called when the stage ends.
func (w *Worker) watchSoftLimit(ctx context.Context, stage string, fields ...zap.Field) (stop func()) {
	if w.policy.SoftTimeLimit <= 0 {
		return func() {}
	}

	start := time.Now()
	timer := time.AfterFunc(w.policy.SoftTimeLimit, func() {
		w.log.Warn("Stage exceeded the soft time limit",
			append(fields,
				zap.String("stage", stage),
				zap.Duration("elapsed", time.Since(start)),
				zap.Duration("softTimeLimit", w.policy.SoftTimeLimit),
				zap.Duration("hardTimeLimit", w.policy.HardTimeLimit))...)
		activity.RecordHeartbeat(ctx, "soft time limit exceeded: "+stage)
	})
	return func() { timer.Stop() }
}
