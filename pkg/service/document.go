package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/pkg/audit"
	"github.com/instill-ai/ingestion-backend/pkg/checksum"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
	"github.com/instill-ai/ingestion-backend/pkg/types"

	errdomain "github.com/instill-ai/ingestion-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// UploadDocumentParams describes a new document.
type UploadDocumentParams struct {
	KBUID     types.KBUIDType        `validate:"required"`
	Name      string                 `validate:"required,max=255"`
	MimeType  string                 `validate:"required,max=255"`
	Content   []byte                 `validate:"required,min=1"`
	Requester types.RequesterUIDType `validate:"-"`
}

// ReplaceDocumentParams describes the new content of a document.
type ReplaceDocumentParams struct {
	DocumentUID types.DocumentUIDType  `validate:"required"`
	MimeType    string                 `validate:"required,max=255"`
	Content     []byte                 `validate:"required,min=1"`
	Requester   types.RequesterUIDType `validate:"-"`
}

func (s *service) validateParams(params any) error {
	if err := s.validate.Struct(params); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("%w: %v", errorsx.ErrInvalidArgument, err),
			"The request is missing required fields.",
		)
	}
	return nil
}

// UploadDocument stores the content and creates a PENDING document together
// with its process event.
func (s *service) UploadDocument(ctx context.Context, params UploadDocumentParams) (*repository.DocumentModel, error) {
	if err := s.validateParams(params); err != nil {
		return nil, err
	}

	docUID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating document UID: %w", err)
	}

	path := object.DocumentPath(params.KBUID, docUID, 1, params.Name)
	if _, err := s.storage.Upload(ctx, params.KBUID, path, params.Content, params.MimeType); err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("uploading document content: %w", err),
			"Unable to store the document. Please try again.",
		)
	}

	var doc *repository.DocumentModel
	err = s.repository.Transaction(ctx, func(tx repository.Repository) error {
		var err error
		doc, err = tx.CreateDocument(ctx, repository.DocumentModel{
			UID:          docUID,
			KBUID:        params.KBUID,
			Name:         params.Name,
			StoragePath:  path,
			MimeType:     params.MimeType,
			Size:         int64(len(params.Content)),
			Checksum:     checksum.Sum(params.Content),
			RequesterUID: params.Requester,
		})
		if err != nil {
			return err
		}

		_, err = tx.CreateOutboxEvent(ctx, types.EventTypeProcess, outboxPayload(doc, false))
		return err
	})
	if err != nil {
		s.discardContent(ctx, params.KBUID, path)
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionUpload,
		DocumentUID: doc.UID,
		KBUID:       doc.KBUID,
		Requester:   params.Requester,
		Details: map[string]string{
			"name":     doc.Name,
			"size":     strconv.FormatInt(doc.Size, 10),
			"checksum": doc.Checksum,
		},
	})

	s.logger.Info("Document accepted",
		zap.String("documentUID", doc.UID.String()),
		zap.String("kbUID", doc.KBUID.String()))
	return doc, nil
}

// ReplaceDocument stores new content for a document and schedules a
// replacement run. The previous vectors stay searchable until the new ones
// are written.
func (s *service) ReplaceDocument(ctx context.Context, params ReplaceDocumentParams) (*repository.DocumentModel, error) {
	if err := s.validateParams(params); err != nil {
		return nil, err
	}

	current, err := s.repository.GetDocumentByUID(ctx, params.DocumentUID)
	if err != nil {
		return nil, err
	}
	if current.Status == types.DocumentStatusProcessing {
		return nil, errdomain.ErrDocumentProcessing
	}

	path := object.DocumentPath(current.KBUID, current.UID, current.Version+1, current.Name)
	if _, err := s.storage.Upload(ctx, current.KBUID, path, params.Content, params.MimeType); err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("uploading document content: %w", err),
			"Unable to store the document. Please try again.",
		)
	}

	var doc *repository.DocumentModel
	err = s.repository.Transaction(ctx, func(tx repository.Repository) error {
		var err error
		doc, err = tx.ReplaceDocument(ctx, current.UID, repository.ReplaceDocumentParams{
			StoragePath: path,
			MimeType:    params.MimeType,
			Size:        int64(len(params.Content)),
			Checksum:    checksum.Sum(params.Content),
			Requester:   params.Requester,
		})
		if err != nil {
			return err
		}

		// A concurrent replace bumped the version first.
		if doc.Version != current.Version+1 {
			return fmt.Errorf("%w: document %s was replaced concurrently", errdomain.ErrInvalidTransition, current.UID)
		}

		_, err = tx.CreateOutboxEvent(ctx, types.EventTypeReprocess, outboxPayload(doc, true))
		return err
	})
	if err != nil {
		s.discardContent(ctx, current.KBUID, path)
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionReplace,
		DocumentUID: doc.UID,
		KBUID:       doc.KBUID,
		Requester:   params.Requester,
		Details: map[string]string{
			"version":           strconv.Itoa(int(doc.Version)),
			"previous_checksum": current.Checksum,
			"checksum":          doc.Checksum,
		},
	})
	return doc, nil
}

// DeleteDocument archives a document and schedules the cleanup of its
// vectors and stored content. A document being processed can't be deleted.
func (s *service) DeleteDocument(ctx context.Context, uid types.DocumentUIDType, requester types.RequesterUIDType) (*repository.DocumentModel, error) {
	var doc *repository.DocumentModel
	err := s.repository.Transaction(ctx, func(tx repository.Repository) error {
		var err error
		doc, err = tx.ArchiveDocument(ctx, uid)
		if err != nil {
			return err
		}

		_, err = tx.CreateOutboxEvent(ctx, types.EventTypeDelete, outboxPayload(doc, false))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionDelete,
		DocumentUID: doc.UID,
		KBUID:       doc.KBUID,
		Requester:   requester,
	})
	return doc, nil
}

// RetryDocument resets a document to PENDING and schedules a run from
// scratch.
func (s *service) RetryDocument(ctx context.Context, uid types.DocumentUIDType, requester types.RequesterUIDType) (*repository.DocumentModel, error) {
	var doc *repository.DocumentModel
	err := s.repository.Transaction(ctx, func(tx repository.Repository) error {
		var err error
		doc, err = tx.ResetDocument(ctx, uid)
		if err != nil {
			return err
		}

		_, err = tx.CreateOutboxEvent(ctx, types.EventTypeReprocess, outboxPayload(doc, false))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionRetry,
		DocumentUID: doc.UID,
		KBUID:       doc.KBUID,
		Requester:   requester,
	})
	return doc, nil
}

// GetDocument returns the document with its processing status.
func (s *service) GetDocument(ctx context.Context, uid types.DocumentUIDType) (*repository.DocumentModel, error) {
	return s.repository.GetDocumentByUID(ctx, uid)
}

// ListDocumentVersions returns the content a document had before each
// replace.
func (s *service) ListDocumentVersions(ctx context.Context, uid types.DocumentUIDType) ([]repository.DocumentVersionModel, error) {
	if _, err := s.repository.GetDocumentByUID(ctx, uid); err != nil {
		return nil, err
	}
	return s.repository.ListDocumentVersions(ctx, uid)
}

// BulkRetryFailed retries up to limit FAILED documents of a knowledge base,
// or of every knowledge base when kbUID is nil. Documents that changed status
// in between are skipped.
func (s *service) BulkRetryFailed(ctx context.Context, kbUID types.KBUIDType, limit int, requester types.RequesterUIDType) ([]types.DocumentUIDType, error) {
	failed, err := s.repository.ListDocumentsByStatus(ctx, kbUID, types.DocumentStatusFailed, limit)
	if err != nil {
		return nil, err
	}

	retried := make([]types.DocumentUIDType, 0, len(failed))
	for _, doc := range failed {
		if _, err := s.RetryDocument(ctx, doc.UID, requester); err != nil {
			if errors.Is(err, errdomain.ErrInvalidTransition) ||
				errors.Is(err, errdomain.ErrDocumentProcessing) ||
				errors.Is(err, errorsx.ErrNotFound) {
				s.logger.Info("Skipping document in bulk retry",
					zap.String("documentUID", doc.UID.String()),
					zap.Error(err))
				continue
			}
			return retried, err
		}
		retried = append(retried, doc.UID)
	}

	s.logger.Info("Bulk retry scheduled",
		zap.String("kbUID", kbUID.String()),
		zap.Int("failed", len(failed)),
		zap.Int("retried", len(retried)))
	return retried, nil
}

// discardContent removes content whose document row was never written.
func (s *service) discardContent(ctx context.Context, kbUID types.KBUIDType, path string) {
	if err := s.storage.Delete(ctx, kbUID, path); err != nil {
		s.logger.Warn("Failed to discard uploaded content", zap.String("path", path), zap.Error(err))
	}
}

func outboxPayload(doc *repository.DocumentModel, replacement bool) types.OutboxPayload {
	return types.OutboxPayload{
		DocumentUID: doc.UID,
		KBUID:       doc.KBUID,
		StoragePath: doc.StoragePath,
		MimeType:    doc.MimeType,
		Checksum:    doc.Checksum,
		Replacement: replacement,
	}
}
