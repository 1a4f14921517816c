package worker

import (
	"fmt"

	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/ingestion-backend/pkg/types"
)

// CleanupDocumentWorkflowParam defines the parameters for CleanupDocumentWorkflow
type CleanupDocumentWorkflowParam struct {
	EventUID    types.EventUIDType    // Outbox event that triggered the cleanup
	DocumentUID types.DocumentUIDType // Document unique identifier
	KBUID       types.KBUIDType       // Knowledge base unique identifier
	StoragePath string                // Object path of the current content
}

// CleanupDocumentWorkflow reclaims the vectors, stored content and parsed
// content of a deleted document, then marks the delete event processed.
// When a required step exhausts its attempts an operator alert is raised
// and the event stays unprocessed, so it is redelivered later.
func (w *Worker) CleanupDocumentWorkflow(ctx workflow.Context, param CleanupDocumentWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting CleanupDocumentWorkflow",
		"documentUID", param.DocumentUID.String(),
		"eventUID", param.EventUID.String())

	maxAttempts := w.policy.CleanupMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = RetryMaximumAttempts
	}
	ctx = workflow.WithActivityOptions(ctx, standardActivityOptions(maxAttempts))

	activityParam := &CleanupActivityParam{
		EventUID:    param.EventUID,
		DocumentUID: param.DocumentUID,
		KBUID:       param.KBUID,
		StoragePath: param.StoragePath,
	}

	// Step 1: vectors
	if err := workflow.ExecuteActivity(ctx, w.DeleteDocumentVectorsActivity, activityParam).Get(ctx, nil); err != nil {
		return w.cleanupFailed(ctx, activityParam, "delete vectors", err)
	}

	// Step 2: stored content
	if err := workflow.ExecuteActivity(ctx, w.DeleteDocumentBlobsActivity, activityParam).Get(ctx, nil); err != nil {
		return w.cleanupFailed(ctx, activityParam, "delete stored content", err)
	}

	// Step 3: parsed content, best effort
	if err := workflow.ExecuteActivity(ctx, w.DeleteParsedContentActivity, activityParam).Get(ctx, nil); err != nil {
		logger.Warn("Failed to delete parsed content, continuing",
			"documentUID", param.DocumentUID.String(),
			"error", err.Error())
	}

	// Step 4: mark the event processed
	if err := workflow.ExecuteActivity(ctx, w.CompleteCleanupActivity, activityParam).Get(ctx, nil); err != nil {
		return w.cleanupFailed(ctx, activityParam, "complete cleanup", err)
	}

	logger.Info("CleanupDocumentWorkflow completed", "documentUID", param.DocumentUID.String())
	return nil
}

func (w *Worker) cleanupFailed(ctx workflow.Context, param *CleanupActivityParam, step string, cause error) error {
	logger := workflow.GetLogger(ctx)
	logger.Error("Document cleanup failed",
		"documentUID", param.DocumentUID.String(),
		"step", step,
		"error", cause.Error())

	err := workflow.ExecuteActivity(ctx, w.NotifyCleanupFailedActivity, &NotifyCleanupFailedActivityParam{
		CleanupActivityParam: *param,
		Step:                 step,
		Error:                cause.Error(),
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to raise cleanup alert", "documentUID", param.DocumentUID.String(), "error", err.Error())
	}

	return fmt.Errorf("cleanup step %q failed for document %s: %w", step, param.DocumentUID, cause)
}
