package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/ingestion-backend/config"
	"github.com/instill-ai/ingestion-backend/pkg/alert"
	"github.com/instill-ai/ingestion-backend/pkg/audit"
	"github.com/instill-ai/ingestion-backend/pkg/chunker"
	"github.com/instill-ai/ingestion-backend/pkg/embedding"
	"github.com/instill-ai/ingestion-backend/pkg/embedding/gemini"
	"github.com/instill-ai/ingestion-backend/pkg/embedding/openai"
	"github.com/instill-ai/ingestion-backend/pkg/outbox"
	"github.com/instill-ai/ingestion-backend/pkg/parser"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/ingestion-backend/pkg/db"
	ingestionworker "github.com/instill-ai/ingestion-backend/pkg/worker"
	logx "github.com/instill-ai/x/log"
	miniox "github.com/instill-ai/x/minio"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownWaitPeriod = 15 * time.Second // Wait period before stopping worker

var (
	// These variables might be overridden at buildtime.
	serviceName    = "ingestion-backend-worker"
	serviceVersion = "dev"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup all OpenTelemetry components
	cleanup := otelx.SetupWithCleanup(ctx,
		otelx.WithServiceName(serviceName),
		otelx.WithServiceVersion(serviceVersion),
		otelx.WithHost(config.Config.OTELCollector.Host),
		otelx.WithPort(config.Config.OTELCollector.Port),
		otelx.WithCollectorEnable(config.Config.OTELCollector.Enable),
	)
	defer cleanup()

	logx.Debug = config.Config.Server.Debug
	logger, _ := logx.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	// The Milvus client talks gRPC; keep its transport logs quiet outside
	// debug mode.
	if config.Config.Server.Debug {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 0)
	} else {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3)
	}

	redisClient, db, objectStorage, vectorIndex, temporalClient, closeClients := newClients(ctx, logger)
	defer closeClients()

	repo := repository.NewRepository(db)

	provider, err := newEmbeddingProvider(ctx)
	if err != nil {
		logger.Fatal("Failed to initialize embedding provider", zap.Error(err))
	}
	logger.Info("Embedding provider initialized",
		zap.String("provider", provider.Name()),
		zap.Int("dimension", provider.Dimension()))

	pipelineCfg := config.Config.Pipeline
	textChunker, err := chunker.New(pipelineCfg.ChunkSize, pipelineCfg.ChunkOverlap)
	if err != nil {
		logger.Fatal("Failed to initialize chunker", zap.Error(err))
	}

	var auditSink audit.Sink
	if config.Config.Audit.Enabled {
		auditSink = audit.NewRedisSink(redisClient, config.Config.Audit.Stream, config.Config.Audit.MaxLen)
	}

	cw := ingestionworker.New(ingestionworker.Config{
		Repository:  repo,
		VectorIndex: vectorIndex,
		Storage:     objectStorage,
		Parser:      parser.New(logger),
		Chunker:     textChunker,
		Embedder: embedding.NewGenerator(
			provider,
			config.Config.Embedding.BatchSize,
			pipelineCfg.MaxConcurrentActivities,
			logger,
		),
		Audit:    audit.NewRecorder(auditSink, logger),
		Notifier: alert.NewRedisNotifier(redisClient, config.Config.Alert.Channel, config.Config.Alert.DedupWindow, logger),
		Policy:   ingestionworker.PolicyFromConfig(pipelineCfg),
	}, logger)

	w := worker.New(temporalClient, ingestionworker.TaskQueue, worker.Options{
		WorkflowPanicPolicy:                worker.BlockWorkflow,
		WorkerStopTimeout:                  pipelineCfg.HardTimeLimit,
		MaxConcurrentActivityExecutionSize: pipelineCfg.MaxConcurrentActivities,
		Interceptors: func() []interceptor.WorkerInterceptor {
			if !config.Config.OTELCollector.Enable {
				return nil
			}
			workerInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
				Tracer:            otel.Tracer(serviceName),
				TextMapPropagator: otel.GetTextMapPropagator(),
			})
			if err != nil {
				logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
			}
			return []interceptor.WorkerInterceptor{workerInterceptor}
		}(),
	})

	// ===== Workflow Registrations =====
	w.RegisterWorkflow(cw.ProcessDocumentWorkflow) // Parse, chunk, embed and index a document
	w.RegisterWorkflow(cw.CleanupDocumentWorkflow) // Remove the vectors and blobs of a deleted document

	// ===== ProcessDocumentWorkflow Activities =====
	w.RegisterActivity(cw.MarkProcessingActivity)
	w.RegisterActivity(cw.ParseDocumentActivity)
	w.RegisterActivity(cw.IndexDocumentActivity)
	w.RegisterActivity(cw.IncreaseRetryCountActivity)
	w.RegisterActivity(cw.FinalizeDocumentActivity)

	// ===== CleanupDocumentWorkflow Activities =====
	w.RegisterActivity(cw.DeleteDocumentVectorsActivity)
	w.RegisterActivity(cw.DeleteDocumentBlobsActivity)
	w.RegisterActivity(cw.DeleteParsedContentActivity)
	w.RegisterActivity(cw.CompleteCleanupActivity)
	w.RegisterActivity(cw.NotifyCleanupFailedActivity)

	if err := w.Start(); err != nil {
		logger.Fatal(fmt.Sprintf("Unable to start worker: %s", err))
	}

	logger.Info("Temporal worker started successfully and is polling for tasks")

	// The relay turns committed outbox events into workflow executions.
	relay := outbox.NewRelay(repo, ingestionworker.NewDispatcher(temporalClient), config.Config.Outbox, logger)
	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(relayCtx)
	}()

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)
	<-quitSig

	logger.Info("Shutdown signal received, stopping the outbox relay...")
	stopRelay()
	<-relayDone

	wait := pipelineCfg.GracefulShutdownWaitTime
	if wait <= 0 {
		wait = gracefulShutdownWaitPeriod
	}
	logger.Info("Waiting for in-flight activities to complete...", zap.Duration("wait", wait))
	time.Sleep(wait)

	logger.Info("Shutting down worker...")
	w.Stop()
}

func newEmbeddingProvider(ctx context.Context) (embedding.Provider, error) {
	cfg := config.Config.Embedding
	switch cfg.Provider {
	case "gemini":
		return gemini.NewProvider(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Dimension)
	case "openai", "":
		return openai.NewProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// newClients initializes all external service clients and returns a cleanup function
func newClients(ctx context.Context, logger *zap.Logger) (
	*redis.Client,
	*gorm.DB,
	object.Storage,
	repository.VectorIndex,
	temporalclient.Client,
	func(),
) {
	closeFuncs := map[string]func() error{}

	// Initialize PostgreSQL database connection (documents, versions, outbox)
	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Initialize Redis client (audit stream and alert channel)
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	// Initialize Temporal client (for workflow orchestration)
	temporalClientOptions, err := temporal.ClientOptions(config.Config.Temporal, logger)
	if err != nil {
		logger.Fatal("Unable to build Temporal client options", zap.Error(err))
	}

	// Add OpenTelemetry tracing interceptor if enabled
	if config.Config.OTELCollector.Enable {
		temporalTracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create temporal tracing interceptor", zap.Error(err))
		}
		temporalClientOptions.Interceptors = []interceptor.ClientInterceptor{temporalTracingInterceptor}
	}

	temporalClient, err := temporalclient.Dial(temporalClientOptions)
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	// Initialize object storage. GCS replaces MinIO when a bucket is set.
	var objectStorage object.Storage
	if gcs := config.Config.GCS; gcs.Bucket != "" {
		objectStorage, err = object.NewGCSStorage(ctx, object.GCSConfig{
			ProjectID:         gcs.ProjectID,
			Bucket:            gcs.Bucket,
			ServiceAccountKey: strings.TrimSpace(gcs.SAKey),
		})
		if err != nil {
			logger.Fatal("Failed to create GCS storage", zap.Error(err))
		}
		logger.Info("GCS object storage initialized",
			zap.String("project", gcs.ProjectID),
			zap.String("bucket", gcs.Bucket))
	} else {
		logger.Info("Initializing MinIO client", zap.String("bucket", config.Config.Minio.BucketName), zap.String("host", config.Config.Minio.Host))
		objectStorage, err = object.NewMinIOStorage(ctx, miniox.ClientParams{
			Config: config.Config.Minio,
			Logger: logger,
			AppInfo: miniox.AppInfo{
				Name:    serviceName,
				Version: serviceVersion,
			},
		})
		if err != nil {
			logger.Fatal("Failed to create MinIO storage", zap.Error(err))
		}
	}

	// Initialize the Milvus vector index
	vectorIndex, vectorIndexClose, err := repository.NewVectorIndex(ctx, config.Config.Milvus.Host, config.Config.Milvus.Port)
	if err != nil {
		logger.Fatal("Failed to connect to Milvus", zap.Error(err))
	}
	closeFuncs["milvus"] = func() error {
		return vectorIndexClose(context.Background())
	}

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return redisClient, db, objectStorage, vectorIndex, temporalClient, closer
}
