package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/pkg/alert"
	"github.com/instill-ai/ingestion-backend/pkg/audit"
	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
	"github.com/instill-ai/ingestion-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the activities used by CleanupDocumentWorkflow:
// - DeleteDocumentVectorsActivity - Removes the vectors of the document
// - DeleteDocumentBlobsActivity - Removes the stored content of every version
// - DeleteParsedContentActivity - Removes leftover parsed content
// - CompleteCleanupActivity - Marks the delete event processed
// - NotifyCleanupFailedActivity - Raises an operator alert

// Activity error type constants
const (
	deleteDocumentVectorsActivityError = "DeleteDocumentVectorsActivity"
	deleteDocumentBlobsActivityError   = "DeleteDocumentBlobsActivity"
	deleteParsedContentActivityError   = "DeleteParsedContentActivity"
	completeCleanupActivityError       = "CompleteCleanupActivity"
	notifyCleanupFailedActivityError   = "NotifyCleanupFailedActivity"
)

// CleanupActivityParam defines the parameters for the cleanup activities
type CleanupActivityParam struct {
	EventUID    types.EventUIDType
	DocumentUID types.DocumentUIDType
	KBUID       types.KBUIDType
	StoragePath string
}

// DeleteDocumentVectorsActivity removes every vector of the document. A
// missing collection deletes nothing.
func (w *Worker) DeleteDocumentVectorsActivity(ctx context.Context, param *CleanupActivityParam) error {
	deleted, err := w.vectorIndex.DeleteByDocument(ctx, param.KBUID, param.DocumentUID)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to delete the document vectors. Please try again.")
		return activityError(err, deleteDocumentVectorsActivityError)
	}

	w.log.Info("DeleteDocumentVectorsActivity: vectors deleted",
		zap.String("documentUID", param.DocumentUID.String()),
		zap.Int("count", deleted))
	return nil
}

// DeleteDocumentBlobsActivity removes the stored content of the document,
// including the content of replaced versions. Paths that don't belong to the
// knowledge base are skipped, missing objects are ignored.
func (w *Worker) DeleteDocumentBlobsActivity(ctx context.Context, param *CleanupActivityParam) error {
	paths := []string{param.StoragePath}

	versions, err := w.repository.ListDocumentVersions(ctx, param.DocumentUID)
	if err != nil {
		return activityError(err, deleteDocumentBlobsActivityError)
	}
	for _, v := range versions {
		if v.StoragePath != param.StoragePath {
			paths = append(paths, v.StoragePath)
		}
	}

	for _, p := range paths {
		err := w.storage.Delete(ctx, param.KBUID, p)
		switch {
		case err == nil:
		case errors.Is(err, object.ErrInvalidPath):
			w.log.Warn("DeleteDocumentBlobsActivity: skipping invalid path",
				zap.String("documentUID", param.DocumentUID.String()),
				zap.String("path", p))
		case errors.Is(err, errorsx.ErrNotFound):
		default:
			err = fmt.Errorf("deleting %s: %w", p, err)
			return activityError(err, deleteDocumentBlobsActivityError)
		}
	}
	return nil
}

// DeleteParsedContentActivity removes parsed content left behind by an
// interrupted run.
func (w *Worker) DeleteParsedContentActivity(ctx context.Context, param *CleanupActivityParam) error {
	if err := w.storage.Delete(ctx, param.KBUID, object.ParsedContentPath(param.KBUID, param.DocumentUID)); err != nil {
		return activityError(err, deleteParsedContentActivityError)
	}
	return nil
}

// CompleteCleanupActivity marks the delete event processed.
func (w *Worker) CompleteCleanupActivity(ctx context.Context, param *CleanupActivityParam) error {
	if _, err := w.repository.MarkOutboxEventProcessed(ctx, param.EventUID); err != nil {
		return activityError(err, completeCleanupActivityError)
	}

	w.audit.Record(ctx, audit.Event{
		Action:      audit.ActionCleaned,
		DocumentUID: param.DocumentUID,
		KBUID:       param.KBUID,
	})
	return nil
}

// NotifyCleanupFailedActivityParam defines the parameters for NotifyCleanupFailedActivity
type NotifyCleanupFailedActivityParam struct {
	CleanupActivityParam
	Step  string
	Error string
}

// NotifyCleanupFailedActivity raises an operator alert for a cleanup that
// exhausted its attempts.
func (w *Worker) NotifyCleanupFailedActivity(ctx context.Context, param *NotifyCleanupFailedActivityParam) error {
	err := w.notifier.Notify(ctx, alert.Alert{
		Key:      alert.CleanupFailedKey(param.DocumentUID),
		Severity: alert.SeverityCritical,
		Summary:  "Document cleanup exhausted its attempts",
		Details: map[string]string{
			"document_uid": param.DocumentUID.String(),
			"kb_uid":       param.KBUID.String(),
			"event_uid":    param.EventUID.String(),
			"storage_path": param.StoragePath,
			"step":         param.Step,
			"error":        param.Error,
		},
	})
	if err != nil {
		return activityError(err, notifyCleanupFailedActivityError)
	}
	return nil
}
