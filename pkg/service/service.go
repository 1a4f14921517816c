package service

import (
	"context"

	"github.com/go-playground/validator"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/pkg/audit"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
	"github.com/instill-ai/ingestion-backend/pkg/types"
)

// Service defines the document ingestion use cases. Operations that trigger
// processing only write the document and its outbox event; the pipeline
// picks the event up asynchronously.
type Service interface {
	UploadDocument(context.Context, UploadDocumentParams) (*repository.DocumentModel, error)
	ReplaceDocument(context.Context, ReplaceDocumentParams) (*repository.DocumentModel, error)
	DeleteDocument(context.Context, types.DocumentUIDType, types.RequesterUIDType) (*repository.DocumentModel, error)
	RetryDocument(context.Context, types.DocumentUIDType, types.RequesterUIDType) (*repository.DocumentModel, error)
	GetDocument(context.Context, types.DocumentUIDType) (*repository.DocumentModel, error)
	ListDocumentVersions(context.Context, types.DocumentUIDType) ([]repository.DocumentVersionModel, error)

	// Admin operations
	BulkRetryFailed(context.Context, types.KBUIDType, int, types.RequesterUIDType) ([]types.DocumentUIDType, error)
	QueueStats(context.Context) (*QueueStats, error)
}

type service struct {
	repository     repository.Repository
	storage        object.Storage
	temporalClient client.Client
	audit          *audit.Recorder
	validate       *validator.Validate
	logger         *zap.Logger
}

// NewService initiates a service instance
func NewService(
	r repository.Repository,
	storage object.Storage,
	temporalClient client.Client,
	auditRecorder *audit.Recorder,
	logger *zap.Logger,
) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		repository:     r,
		storage:        storage,
		temporalClient: temporalClient,
		audit:          auditRecorder,
		validate:       validator.New(),
		logger:         logger,
	}
}
