package worker

import (
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/ingestion-backend/pkg/types"
)

// ProcessDocumentWorkflowParam defines the parameters for ProcessDocumentWorkflow
type ProcessDocumentWorkflowParam struct {
	EventUID    types.EventUIDType    // Outbox event that triggered the run
	DocumentUID types.DocumentUIDType // Document unique identifier
	KBUID       types.KBUIDType       // Knowledge base unique identifier
	Replacement bool                  // The document content was replaced
}

// genericFailureMessage is stored when a failure carries no message.
const genericFailureMessage = "Document processing failed unexpectedly. Please retry."

// ProcessDocumentWorkflow drives a document through the pipeline:
//
//  1. MarkProcessingActivity claims the document (or skips the event)
//  2. ParseDocumentActivity: download → checksum → parse → store parsed content
//  3. IndexDocumentActivity: chunk → embed → (delete old) → upsert → orphans
//  4. FinalizeDocumentActivity stores READY or FAILED and marks the event
//     processed
//
// A retryable failure in 2 or 3 increases the retry count, waits for the
// backoff and restarts from 2. Non-retryable failures and an exhausted budget
// end in FAILED with the retry count pinned at the budget.
func (w *Worker) ProcessDocumentWorkflow(ctx workflow.Context, param ProcessDocumentWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting ProcessDocumentWorkflow",
		"documentUID", param.DocumentUID.String(),
		"eventUID", param.EventUID.String(),
		"replacement", param.Replacement)

	bookkeepingCtx := workflow.WithActivityOptions(ctx, standardActivityOptions(RetryMaximumAttempts))
	stageCtx := workflow.WithActivityOptions(ctx, w.stageActivityOptions())

	var start MarkProcessingActivityResult
	if err := workflow.ExecuteActivity(bookkeepingCtx, w.MarkProcessingActivity, &MarkProcessingActivityParam{
		EventUID:    param.EventUID,
		DocumentUID: param.DocumentUID,
	}).Get(ctx, &start); err != nil {
		return err
	}
	if start.Skip {
		logger.Info("ProcessDocumentWorkflow skipped", "documentUID", param.DocumentUID.String(), "reason", start.Reason)
		return nil
	}

	finalized := false
	defer func() {
		if finalized {
			return
		}
		// The workflow is ending without a stored outcome (cancellation or
		// a bookkeeping failure). Mark the document FAILED from a
		// disconnected context so this runs even if the workflow is
		// cancelled.
		cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
		cleanupCtx = workflow.WithActivityOptions(cleanupCtx, standardActivityOptions(3))
		logger.Warn("Workflow did not store an outcome, marking the document FAILED",
			"documentUID", param.DocumentUID.String())
		_ = workflow.ExecuteActivity(cleanupCtx, w.FinalizeDocumentActivity, &FinalizeDocumentActivityParam{
			EventUID:    param.EventUID,
			DocumentUID: param.DocumentUID,
			KBUID:       param.KBUID,
			LastError:   "Document processing was interrupted before completion.",
			RetryCount:  w.policy.MaxRetries,
		}).Get(cleanupCtx, nil)
	}()

	retryCount := start.RetryCount
	for {
		chunkCount, err := w.runPipeline(stageCtx, param)
		if err == nil {
			if err := w.finalize(bookkeepingCtx, param, &FinalizeDocumentActivityParam{
				Succeeded:  true,
				ChunkCount: chunkCount,
				RetryCount: retryCount,
			}); err != nil {
				return err
			}
			finalized = true
			logger.Info("ProcessDocumentWorkflow completed", "documentUID", param.DocumentUID.String(), "chunkCount", chunkCount)
			return nil
		}

		nonRetryable := isNonRetryable(err)
		if nonRetryable || retryCount >= w.policy.MaxRetries {
			logger.Warn("Document processing failed",
				"documentUID", param.DocumentUID.String(),
				"nonRetryable", nonRetryable,
				"retryCount", retryCount,
				"error", err.Error())

			if err := w.finalize(bookkeepingCtx, param, &FinalizeDocumentActivityParam{
				LastError:  failureMessage(err),
				RetryCount: w.policy.MaxRetries,
			}); err != nil {
				return err
			}
			finalized = true
			return nil
		}

		if err := workflow.ExecuteActivity(bookkeepingCtx, w.IncreaseRetryCountActivity, &IncreaseRetryCountActivityParam{
			DocumentUID: param.DocumentUID,
		}).Get(ctx, &retryCount); err != nil {
			return err
		}

		backoff := w.policy.Backoff(retryCount)
		logger.Info("Retrying document processing",
			"documentUID", param.DocumentUID.String(),
			"retryCount", retryCount,
			"backoff", backoff.String(),
			"error", err.Error())
		if err := workflow.Sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// runPipeline runs the parse and index stages once.
func (w *Worker) runPipeline(ctx workflow.Context, param ProcessDocumentWorkflowParam) (int32, error) {
	var parsed ParseDocumentActivityResult
	if err := workflow.ExecuteActivity(ctx, w.ParseDocumentActivity, &ParseDocumentActivityParam{
		DocumentUID: param.DocumentUID,
		KBUID:       param.KBUID,
	}).Get(ctx, &parsed); err != nil {
		return 0, err
	}

	var indexed IndexDocumentActivityResult
	if err := workflow.ExecuteActivity(ctx, w.IndexDocumentActivity, &IndexDocumentActivityParam{
		DocumentUID:       param.DocumentUID,
		KBUID:             param.KBUID,
		ParsedContentPath: parsed.ParsedContentPath,
		Replacement:       param.Replacement,
	}).Get(ctx, &indexed); err != nil {
		return 0, err
	}

	return indexed.ChunkCount, nil
}

func (w *Worker) finalize(ctx workflow.Context, param ProcessDocumentWorkflowParam, outcome *FinalizeDocumentActivityParam) error {
	outcome.EventUID = param.EventUID
	outcome.DocumentUID = param.DocumentUID
	outcome.KBUID = param.KBUID
	return workflow.ExecuteActivity(ctx, w.FinalizeDocumentActivity, outcome).Get(ctx, nil)
}

// isNonRetryable reports whether an activity failure was classified as
// non-retryable. Timeouts and other failures are retryable.
func isNonRetryable(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

// failureMessage extracts the message stored as the last error of a
// document.
func failureMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Message() != "" {
		return appErr.Message()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "Document processing exceeded its time limit."
	}
	return genericFailureMessage
}
