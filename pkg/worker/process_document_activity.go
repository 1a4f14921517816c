package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/pkg/audit"
	"github.com/instill-ai/ingestion-backend/pkg/checksum"
	"github.com/instill-ai/ingestion-backend/pkg/embedding"
	"github.com/instill-ai/ingestion-backend/pkg/parser"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
	"github.com/instill-ai/ingestion-backend/pkg/types"

	errdomain "github.com/instill-ai/ingestion-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the activities used by ProcessDocumentWorkflow:
// - MarkProcessingActivity - Claims the document for a processing run
// - ParseDocumentActivity - Downloads, validates and parses the content
// - IndexDocumentActivity - Chunks, embeds and writes the vectors
// - IncreaseRetryCountActivity - Records a re-attempt
// - FinalizeDocumentActivity - Persists the terminal outcome

// Activity error types. The workflow only inspects NonRetryable(); the types
// identify the failing stage in the Temporal history.
const (
	markProcessingActivityError     = "MarkProcessingActivityError"
	parseDocumentActivityError      = "ParseDocumentActivityError"
	indexDocumentActivityError      = "IndexDocumentActivityError"
	increaseRetryCountActivityError = "IncreaseRetryCountActivityError"
	finalizeDocumentActivityError   = "FinalizeDocumentActivityError"

	checksumMismatchError     = "ChecksumMismatch"
	nonRetryableContentError  = "NonRetryableContent"
	embeddingRateLimitedError = "EmbeddingRateLimited"
)

// MarkProcessingActivityParam defines the parameters for MarkProcessingActivity
type MarkProcessingActivityParam struct {
	EventUID    types.EventUIDType    // Outbox event that triggered the run
	DocumentUID types.DocumentUIDType // Document unique identifier
}

// MarkProcessingActivityResult tells the workflow whether to run the pipeline.
type MarkProcessingActivityResult struct {
	Skip       bool   // The event needs no processing
	Reason     string // Why the event was skipped
	RetryCount int32  // Attempts already consumed by a previous run
}

// MarkProcessingActivity moves the document to PROCESSING. Events that were
// already handled, and events for documents that are gone or were moved on
// by a user operation, are skipped.
func (w *Worker) MarkProcessingActivity(ctx context.Context, param *MarkProcessingActivityParam) (*MarkProcessingActivityResult, error) {
	logger := w.log.With(
		zap.String("eventUID", param.EventUID.String()),
		zap.String("documentUID", param.DocumentUID.String()))

	event, err := w.repository.GetOutboxEvent(ctx, param.EventUID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			logger.Warn("Outbox event not found, skipping")
			return &MarkProcessingActivityResult{Skip: true, Reason: "event not found"}, nil
		}
		return nil, activityError(err, markProcessingActivityError)
	}
	if event.ProcessedAt != nil {
		logger.Info("Outbox event already processed, skipping")
		return &MarkProcessingActivityResult{Skip: true, Reason: "event already processed"}, nil
	}

	doc, err := w.repository.GetDocumentByUID(ctx, param.DocumentUID)
	switch {
	case errors.Is(err, errorsx.ErrNotFound):
		logger.Warn("Document not found, terminating")
		return w.skipEvent(ctx, param.EventUID, "document not found")
	case err != nil:
		return nil, activityError(err, markProcessingActivityError)
	}

	if doc.Status != types.DocumentStatusPending && doc.Status != types.DocumentStatusProcessing {
		logger.Info("Document isn't waiting for processing, skipping",
			zap.String("status", doc.Status.String()))
		return w.skipEvent(ctx, param.EventUID, "document is "+doc.Status.String())
	}

	doc, err = w.repository.StartProcessing(ctx, param.DocumentUID)
	if err != nil {
		if errors.Is(err, errdomain.ErrInvalidTransition) || errors.Is(err, errorsx.ErrNotFound) {
			// A user operation won the race against this event.
			return w.skipEvent(ctx, param.EventUID, "document changed before processing")
		}
		return nil, activityError(err, markProcessingActivityError)
	}

	logger.Info("Document processing started", zap.Int32("retryCount", doc.RetryCount))
	return &MarkProcessingActivityResult{RetryCount: doc.RetryCount}, nil
}

func (w *Worker) skipEvent(ctx context.Context, eventUID types.EventUIDType, reason string) (*MarkProcessingActivityResult, error) {
	if _, err := w.repository.MarkOutboxEventProcessed(ctx, eventUID); err != nil {
		return nil, activityError(err, markProcessingActivityError)
	}
	return &MarkProcessingActivityResult{Skip: true, Reason: reason}, nil
}

// ParseDocumentActivityParam defines the parameters for ParseDocumentActivity
type ParseDocumentActivityParam struct {
	DocumentUID types.DocumentUIDType
	KBUID       types.KBUIDType
}

// ParseDocumentActivityResult describes the stored parsed content.
type ParseDocumentActivityResult struct {
	ParsedContentPath string
	CharCount         int
	PageCount         int
}

// ParseDocumentActivity downloads the document content to a scoped
// temporary directory, validates its checksum, parses it and stores the
// parsed content for the indexing stage.
func (w *Worker) ParseDocumentActivity(ctx context.Context, param *ParseDocumentActivityParam) (*ParseDocumentActivityResult, error) {
	logger := w.log.With(zap.String("documentUID", param.DocumentUID.String()), zap.String("stage", "parse"))
	defer w.watchSoftLimit(ctx, "parse", zap.String("documentUID", param.DocumentUID.String()))()

	doc, err := w.repository.GetDocumentByUID(ctx, param.DocumentUID)
	if err != nil {
		return nil, activityError(err, parseDocumentActivityError)
	}

	tmpDir, err := os.MkdirTemp(w.policy.TempDir, "ingestion-"+doc.UID.String()+"-")
	if err != nil {
		return nil, activityError(fmt.Errorf("creating temporary directory: %w", err), parseDocumentActivityError)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warn("Failed to remove temporary directory", zap.String("dir", tmpDir), zap.Error(err))
		}
	}()

	localPath := filepath.Join(tmpDir, filepath.Base(doc.StoragePath))
	if err := w.storage.DownloadFile(ctx, doc.KBUID, doc.StoragePath, localPath); err != nil {
		err = errorsx.AddMessage(
			fmt.Errorf("downloading document: %w", err),
			"Unable to download the document. Please try again.",
		)
		return nil, activityError(err, parseDocumentActivityError)
	}

	sum, err := checksum.SumFile(localPath)
	if err != nil {
		return nil, activityError(err, parseDocumentActivityError)
	}
	if !checksum.Equal(sum, doc.Checksum) {
		logger.Error("Checksum mismatch", zap.String("expected", doc.Checksum), zap.String("actual", sum))
		err := errorsx.AddMessage(
			fmt.Errorf("%w: expected %s, got %s", errdomain.ErrChecksumMismatch, doc.Checksum, sum),
			"The stored document is corrupted (checksum mismatch). Please upload it again.",
		)
		return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), checksumMismatchError, err)
	}

	content, err := w.parser.Parse(ctx, localPath, doc.MimeType)
	if err != nil {
		if parser.IsNonRetryable(err) {
			return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), nonRetryableContentError, err)
		}
		return nil, activityError(err, parseDocumentActivityError)
	}

	b, err := json.Marshal(content)
	if err != nil {
		return nil, activityError(fmt.Errorf("encoding parsed content: %w", err), parseDocumentActivityError)
	}
	parsedPath := object.ParsedContentPath(doc.KBUID, doc.UID)
	if _, err := w.storage.Upload(ctx, doc.KBUID, parsedPath, b, "application/json"); err != nil {
		return nil, activityError(fmt.Errorf("storing parsed content: %w", err), parseDocumentActivityError)
	}

	return &ParseDocumentActivityResult{
		ParsedContentPath: parsedPath,
		CharCount:         content.CharCount(),
		PageCount:         content.PageCount,
	}, nil
}

// IndexDocumentActivityParam defines the parameters for IndexDocumentActivity
type IndexDocumentActivityParam struct {
	DocumentUID       types.DocumentUIDType
	KBUID             types.KBUIDType
	ParsedContentPath string
	// Replacement runs delete the previous vectors once the new embeddings
	// exist.
	Replacement bool
}

// IndexDocumentActivityResult defines the result of IndexDocumentActivity
type IndexDocumentActivityResult struct {
	ChunkCount int32
}

// IndexDocumentActivity chunks the parsed content, embeds the chunks and
// writes the vectors. Old vectors are only touched after every embedding
// was generated.
func (w *Worker) IndexDocumentActivity(ctx context.Context, param *IndexDocumentActivityParam) (*IndexDocumentActivityResult, error) {
	logger := w.log.With(zap.String("documentUID", param.DocumentUID.String()), zap.String("stage", "index"))
	defer w.watchSoftLimit(ctx, "index", zap.String("documentUID", param.DocumentUID.String()))()

	doc, err := w.repository.GetDocumentByUID(ctx, param.DocumentUID)
	if err != nil {
		return nil, activityError(err, indexDocumentActivityError)
	}

	b, err := w.storage.Download(ctx, param.KBUID, param.ParsedContentPath)
	if err != nil {
		return nil, activityError(fmt.Errorf("loading parsed content: %w", err), indexDocumentActivityError)
	}
	var content parser.ParsedContent
	if err := json.Unmarshal(b, &content); err != nil {
		return nil, activityError(fmt.Errorf("decoding parsed content: %w", err), indexDocumentActivityError)
	}

	chunks := w.chunker.Chunk(&content, doc.UID, doc.Name)
	if len(chunks) == 0 {
		logger.Info("No chunks produced")
	}

	vectors, err := w.embedder.Embed(ctx, chunks)
	if err != nil {
		if embedding.IsRateLimited(err) {
			return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), embeddingRateLimitedError, err)
		}
		err = errorsx.AddMessage(err, "Unable to generate embeddings. Please try again.")
		return nil, activityError(err, indexDocumentActivityError)
	}

	points := make([]repository.VectorPoint, len(chunks))
	for i, ch := range chunks {
		points[i] = repository.VectorPoint{
			ChunkID:     ch.ID,
			ChunkIndex:  ch.Index,
			Text:        ch.Text,
			Start:       ch.Start,
			End:         ch.End,
			PageStart:   ch.PageStart,
			PageEnd:     ch.PageEnd,
			SectionPath: ch.SectionPath,
			Vector:      vectors[i].Values,
		}
	}

	if param.Replacement {
		deleted, err := w.vectorIndex.DeleteByDocument(ctx, param.KBUID, param.DocumentUID)
		if err != nil {
			return nil, activityError(fmt.Errorf("deleting previous vectors: %w", err), indexDocumentActivityError)
		}
		logger.Info("Previous vectors deleted", zap.Int("count", deleted))
	}

	written := 0
	if len(points) > 0 {
		if written, err = w.vectorIndex.Upsert(ctx, param.KBUID, param.DocumentUID, points); err != nil {
			return nil, activityError(fmt.Errorf("writing vectors: %w", err), indexDocumentActivityError)
		}
	}

	if !param.Replacement {
		// Chunk indices are contiguous from 0, so anything above the last
		// one comes from an earlier run.
		orphans, err := w.vectorIndex.DeleteOrphans(ctx, param.KBUID, param.DocumentUID, len(points)-1)
		if err != nil {
			return nil, activityError(fmt.Errorf("deleting orphan vectors: %w", err), indexDocumentActivityError)
		}
		if orphans > 0 {
			logger.Info("Orphan vectors deleted", zap.Int("count", orphans))
		}
	}

	logger.Info("Document indexed", zap.Int("chunks", len(chunks)), zap.Int("vectors", written))
	return &IndexDocumentActivityResult{ChunkCount: int32(len(chunks))}, nil
}

// IncreaseRetryCountActivityParam defines the parameters for IncreaseRetryCountActivity
type IncreaseRetryCountActivityParam struct {
	DocumentUID types.DocumentUIDType
}

// IncreaseRetryCountActivity records a re-attempt and returns the new retry
// count.
func (w *Worker) IncreaseRetryCountActivity(ctx context.Context, param *IncreaseRetryCountActivityParam) (int32, error) {
	count, err := w.repository.IncreaseRetryCount(ctx, param.DocumentUID)
	if err != nil {
		return 0, activityError(err, increaseRetryCountActivityError)
	}
	return count, nil
}

// FinalizeDocumentActivityParam defines the parameters for FinalizeDocumentActivity
type FinalizeDocumentActivityParam struct {
	EventUID    types.EventUIDType
	DocumentUID types.DocumentUIDType
	KBUID       types.KBUIDType
	Succeeded   bool
	ChunkCount  int32
	LastError   string
	RetryCount  int32
}

// FinalizeDocumentActivity moves the document to READY or FAILED and marks
// the outbox event processed in the same transaction, then removes the
// parsed content.
func (w *Worker) FinalizeDocumentActivity(ctx context.Context, param *FinalizeDocumentActivityParam) error {
	logger := w.log.With(
		zap.String("documentUID", param.DocumentUID.String()),
		zap.String("eventUID", param.EventUID.String()))

	lastError := truncateRunes(param.LastError, w.policy.LastErrorMaxLength)

	err := w.repository.Transaction(ctx, func(tx repository.Repository) error {
		var err error
		if param.Succeeded {
			err = tx.CompleteProcessing(ctx, param.DocumentUID, param.ChunkCount)
		} else {
			err = tx.FailProcessing(ctx, param.DocumentUID, lastError, param.RetryCount)
		}
		if err != nil {
			if !errors.Is(err, errdomain.ErrInvalidTransition) && !errors.Is(err, errorsx.ErrNotFound) {
				return err
			}
			logger.Warn("Document left PROCESSING before the outcome was stored", zap.Error(err))
		}

		_, err = tx.MarkOutboxEventProcessed(ctx, param.EventUID)
		return err
	})
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to update the document status. Please try again.")
		return activityError(err, finalizeDocumentActivityError)
	}

	if err := w.storage.Delete(ctx, param.KBUID, object.ParsedContentPath(param.KBUID, param.DocumentUID)); err != nil {
		logger.Warn("Failed to delete parsed content", zap.Error(err))
	}

	ev := audit.Event{DocumentUID: param.DocumentUID, KBUID: param.KBUID}
	if param.Succeeded {
		ev.Action = audit.ActionReady
		ev.Details = map[string]string{"chunk_count": fmt.Sprint(param.ChunkCount)}
		logger.Info("Document is ready", zap.Int32("chunkCount", param.ChunkCount))
	} else {
		ev.Action = audit.ActionFailed
		ev.Details = map[string]string{"error": lastError, "retry_count": fmt.Sprint(param.RetryCount)}
		logger.Warn("Document processing failed", zap.String("lastError", lastError), zap.Int32("retryCount", param.RetryCount))
	}
	w.audit.Record(ctx, ev)

	return nil
}

// activityError wraps an error as a retryable application error.
func activityError(err error, errType string) error {
	return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), errType, err)
}

// truncateRunes limits s to n characters. A non-positive n disables the
// limit.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
