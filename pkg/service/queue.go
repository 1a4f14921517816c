package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.temporal.io/api/workflowservice/v1"

	errorsx "github.com/instill-ai/x/errors"
)

// Workflow types reported in the queue statistics. They match the names the
// worker registers its workflows with.
const (
	ProcessDocumentWorkflowType = "ProcessDocumentWorkflow"
	CleanupDocumentWorkflowType = "CleanupDocumentWorkflow"
)

// maxListedWorkflows bounds the running workflows listed in QueueStats.
const maxListedWorkflows = 100

// QueueStats is a snapshot of the pipeline queue.
type QueueStats struct {
	// Events written but not processed yet, dispatched or not.
	UnprocessedEvents int64
	RunningProcess    int64
	RunningCleanup    int64
	// Up to maxListedWorkflows running workflows, oldest first.
	Running []RunningWorkflow
}

// RunningWorkflow describes an open workflow execution.
type RunningWorkflow struct {
	WorkflowID   string
	WorkflowType string
	StartTime    time.Time
	Elapsed      time.Duration
}

func runningQuery(workflowType string) string {
	return fmt.Sprintf("WorkflowType = '%s' AND ExecutionStatus = 'Running'", workflowType)
}

// QueueStats counts the unprocessed outbox events and the running pipeline
// workflows.
func (s *service) QueueStats(ctx context.Context) (*QueueStats, error) {
	unprocessed, err := s.repository.CountUnprocessedOutboxEvents(ctx)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{UnprocessedEvents: unprocessed}

	for workflowType, dst := range map[string]*int64{
		ProcessDocumentWorkflowType: &stats.RunningProcess,
		CleanupDocumentWorkflowType: &stats.RunningCleanup,
	} {
		resp, err := s.temporalClient.CountWorkflow(ctx, &workflowservice.CountWorkflowExecutionsRequest{
			Query: runningQuery(workflowType),
		})
		if err != nil {
			return nil, fmt.Errorf("counting %s executions: %s", workflowType, errorsx.MessageOrErr(err))
		}
		*dst = resp.GetCount()
	}

	query := fmt.Sprintf("(%s) OR (%s)",
		runningQuery(ProcessDocumentWorkflowType),
		runningQuery(CleanupDocumentWorkflowType))
	resp, err := s.temporalClient.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
		PageSize: maxListedWorkflows,
		Query:    query,
	})
	if err != nil {
		return nil, fmt.Errorf("listing running workflows: %s", errorsx.MessageOrErr(err))
	}

	now := time.Now()
	for _, exec := range resp.GetExecutions() {
		start := exec.GetStartTime().AsTime()
		stats.Running = append(stats.Running, RunningWorkflow{
			WorkflowID:   exec.GetExecution().GetWorkflowId(),
			WorkflowType: exec.GetType().GetName(),
			StartTime:    start,
			Elapsed:      now.Sub(start),
		})
	}

	sort.Slice(stats.Running, func(i, j int) bool {
		return stats.Running[i].StartTime.Before(stats.Running[j].StartTime)
	})
	return stats, nil
}
