package worker

import (
	"context"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/instill-ai/ingestion-backend/pkg/outbox"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// ProcessDocumentWorkflowID is the workflow ID of the processing run of a
// document. At most one run per document is open at a time.
func ProcessDocumentWorkflowID(documentUID types.DocumentUIDType) string {
	return fmt.Sprintf("process-document-%s", documentUID.String())
}

// CleanupDocumentWorkflowID is the workflow ID of the cleanup of a document.
func CleanupDocumentWorkflowID(documentUID types.DocumentUIDType) string {
	return fmt.Sprintf("cleanup-document-%s", documentUID.String())
}

// Dispatcher starts the workflow an outbox event asks for.
type Dispatcher struct {
	temporalClient client.Client
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(temporalClient client.Client) *Dispatcher {
	return &Dispatcher{temporalClient: temporalClient}
}

// Dispatch starts the workflow of an outbox event. If a run for the same
// document is already open, that run is kept and no new one starts. Events
// that can never start a workflow fail with outbox.ErrUndeliverable.
func (d *Dispatcher) Dispatch(ctx context.Context, event repository.OutboxEventModel) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrUndeliverable, err)
	}

	var workflowID string
	var workflowFn any
	var param any

	switch event.EventType {
	case types.EventTypeProcess, types.EventTypeReprocess:
		workflowID = ProcessDocumentWorkflowID(payload.DocumentUID)
		workflowFn = new(Worker).ProcessDocumentWorkflow
		param = ProcessDocumentWorkflowParam{
			EventUID:    event.UID,
			DocumentUID: payload.DocumentUID,
			KBUID:       payload.KBUID,
			Replacement: payload.Replacement,
		}
	case types.EventTypeDelete:
		workflowID = CleanupDocumentWorkflowID(payload.DocumentUID)
		workflowFn = new(Worker).CleanupDocumentWorkflow
		param = CleanupDocumentWorkflowParam{
			EventUID:    event.UID,
			DocumentUID: payload.DocumentUID,
			KBUID:       payload.KBUID,
			StoragePath: payload.StoragePath,
		}
	default:
		return fmt.Errorf("%w: unknown outbox event type %q: %w", outbox.ErrUndeliverable, event.EventType, errorsx.ErrInvalidArgument)
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                TaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}

	if _, err := d.temporalClient.ExecuteWorkflow(ctx, workflowOptions, workflowFn, param); err != nil {
		return fmt.Errorf("starting workflow %s: %s", workflowID, errorsx.MessageOrErr(err))
	}
	return nil
}
