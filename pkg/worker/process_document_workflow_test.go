package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gofrs/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/ingestion-backend/pkg/audit"
	"github.com/instill-ai/ingestion-backend/pkg/checksum"
	"github.com/instill-ai/ingestion-backend/pkg/chunker"
	"github.com/instill-ai/ingestion-backend/pkg/embedding"
	"github.com/instill-ai/ingestion-backend/pkg/parser"
	"github.com/instill-ai/ingestion-backend/pkg/parser/parsertest"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
	"github.com/instill-ai/ingestion-backend/pkg/types"
)

const (
	mimePDF  = "application/pdf"
	mimeText = "text/plain"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

func processParam(doc *repository.DocumentModel, event *repository.OutboxEventModel, replacement bool) ProcessDocumentWorkflowParam {
	return ProcessDocumentWorkflowParam{
		EventUID:    event.UID,
		DocumentUID: doc.UID,
		KBUID:       doc.KBUID,
		Replacement: replacement,
	}
}

func TestProcessDocumentWorkflow_PDF(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)

	pdf := parsertest.TextPDF(
		"Page one talks about ingestion pipelines and durable outbox events.",
		"Page two covers checksum validation and the parser taxonomy.",
		"Page three explains the atomic switch used during replacement.",
	)
	doc, event := tw.seedDocument(c, "report.pdf", mimePDF, pdf)
	c.Assert(doc.Status, qt.Equals, types.DocumentStatusPending)

	var observed []types.DocumentStatus
	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.SetOnActivityCompletedListener(func(info *activity.Info, _ converter.EncodedValue, _ error) {
		if info.ActivityType.Name == "MarkProcessingActivity" {
			observed = append(observed, tw.getDocument(c, doc.UID).Status)
		}
	})

	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	c.Check(observed, qt.DeepEquals, []types.DocumentStatus{types.DocumentStatusProcessing})

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusReady)
	c.Assert(got.ChunkCount, qt.IsNotNil)
	c.Check(*got.ChunkCount > 0, qt.IsTrue)
	c.Check(got.LastError, qt.Equals, "")
	c.Check(got.RetryCount, qt.Equals, int32(0))
	c.Check(got.ProcessingStartedAt, qt.IsNotNil)
	c.Check(got.ProcessingCompletedAt, qt.IsNotNil)

	points := tw.vectors.Points(doc.KBUID, doc.UID)
	c.Check(points, qt.HasLen, int(*got.ChunkCount))
	c.Check(points[0].PageStart, qt.Equals, 1)
	c.Check(points[len(points)-1].PageEnd, qt.Equals, 3)

	c.Check(tw.isProcessed(c, event.UID), qt.IsTrue)
	_, ok := tw.storage.Get(object.ParsedContentPath(doc.KBUID, doc.UID))
	c.Check(ok, qt.IsFalse)
	_, ok = tw.storage.Get(doc.StoragePath)
	c.Check(ok, qt.IsTrue)

	c.Check(tw.sink.Actions(), qt.DeepEquals, []audit.Action{audit.ActionReady})
}

func TestProcessDocumentWorkflow_NonRetryable(t *testing.T) {
	lockedPDF, err := parsertest.EncryptedPDF("s3cret", longText(20), longText(20), longText(20))
	qt.Assert(t, err, qt.IsNil)

	testcases := []struct {
		name     string
		filename string
		mimeType string
		content  []byte
		tamper   bool
		wantErr  string
	}{
		{
			name:     "password protected pdf",
			filename: "locked.pdf",
			mimeType: mimePDF,
			content:  lockedPDF,
			wantErr:  "password protected",
		},
		{
			name:     "password protected docx",
			filename: "locked.docx",
			mimeType: mimeDOCX,
			content:  parsertest.EncryptedDOCX(),
			wantErr:  "password protected",
		},
		{
			name:     "insufficient content",
			filename: "short.txt",
			mimeType: mimeText,
			content:  []byte("forty characters of text, nothing more!!"),
			wantErr:  "insufficient content",
		},
		{
			name:     "line too long",
			filename: "dump.txt",
			mimeType: mimeText,
			content:  []byte(strings.Repeat("x", 4<<20+1)),
			wantErr:  "line longer than",
		},
		{
			name:     "scanned",
			filename: "scan.pdf",
			mimeType: mimePDF,
			content:  parsertest.BuildPDF([]string{"q 612 0 0 792 0 0 cm Q"}),
			wantErr:  "Scanned documents require OCR",
		},
		{
			name:     "unsupported format",
			filename: "image.png",
			mimeType: "image/png",
			content:  []byte("\x89PNG"),
			wantErr:  "not supported",
		},
		{
			name:     "checksum mismatch",
			filename: "notes.txt",
			mimeType: mimeText,
			content:  []byte(longText(40)),
			tamper:   true,
			wantErr:  "checksum mismatch",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c := qt.New(t)
			tw := newTestWorker(c)

			doc, event := tw.seedDocument(c, tc.filename, tc.mimeType, tc.content)
			if tc.tamper {
				tw.storage.Put(doc.StoragePath, []byte(longText(41)))
			}

			env := tw.newEnv(&testsuite.WorkflowTestSuite{})
			env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
			c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
			c.Assert(env.GetWorkflowError(), qt.IsNil)

			got := tw.getDocument(c, doc.UID)
			c.Assert(got.Status, qt.Equals, types.DocumentStatusFailed)
			c.Check(got.LastError, qt.Contains, tc.wantErr)
			c.Check(got.RetryCount, qt.Equals, int32(testMaxRetries))
			c.Check(got.ChunkCount, qt.IsNil)

			// A single attempt, nothing embedded or written.
			c.Check(tw.count("storage.download"), qt.Equals, 1)
			c.Check(tw.provider.Calls(), qt.Equals, 0)
			c.Check(tw.vectors.Points(doc.KBUID, doc.UID), qt.HasLen, 0)
			c.Check(tw.isProcessed(c, event.UID), qt.IsTrue)
			c.Check(tw.sink.Actions(), qt.DeepEquals, []audit.Action{audit.ActionFailed})
		})
	}
}

func TestProcessDocumentWorkflow_RateLimited(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)
	tw.provider.Err = func(int) error {
		return fmt.Errorf("429 too many requests: %w", embedding.ErrRateLimited)
	}

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusFailed)
	c.Check(got.LastError, qt.Contains, "rate limit")
	c.Check(got.RetryCount, qt.Equals, int32(testMaxRetries))
	c.Check(tw.provider.Calls(), qt.Equals, 1)
	c.Check(tw.count("storage.download"), qt.Equals, 2) // document + parsed content
	c.Check(tw.isProcessed(c, event.UID), qt.IsTrue)
}

func TestProcessDocumentWorkflow_TransientFailureIsRetried(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)
	tw.provider.Err = func(call int) error {
		if call == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))

	var retryCounts []int32
	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.SetOnActivityCompletedListener(func(info *activity.Info, _ converter.EncodedValue, _ error) {
		if info.ActivityType.Name == "IncreaseRetryCountActivity" {
			retryCounts = append(retryCounts, tw.getDocument(c, doc.UID).RetryCount)
		}
	})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusReady)
	c.Check(got.RetryCount, qt.Equals, int32(1))
	c.Check(retryCounts, qt.DeepEquals, []int32{1})
	c.Check(tw.provider.Calls(), qt.Equals, 2)
	// The retry starts over from the download and the parse.
	c.Check(tw.count("storage.upload"), qt.Equals, 2)
	c.Check(tw.vectors.Points(doc.KBUID, doc.UID), qt.HasLen, int(*got.ChunkCount))
}

func TestProcessDocumentWorkflow_RetryBudgetExhausted(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)
	tw.provider.Err = func(int) error { return errors.New("service unavailable") }

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))

	var retryCounts []int32
	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.SetOnActivityCompletedListener(func(info *activity.Info, _ converter.EncodedValue, _ error) {
		if info.ActivityType.Name == "IncreaseRetryCountActivity" {
			retryCounts = append(retryCounts, tw.getDocument(c, doc.UID).RetryCount)
		}
	})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusFailed)
	c.Check(got.RetryCount, qt.Equals, int32(testMaxRetries))
	c.Check(got.LastError, qt.Equals, "Unable to generate embeddings. Please try again.")
	c.Check(retryCounts, qt.DeepEquals, []int32{1, 2, 3})
	c.Check(tw.provider.Calls(), qt.Equals, testMaxRetries+1)
	c.Check(tw.isProcessed(c, event.UID), qt.IsTrue)
}

func TestProcessDocumentWorkflow_HardTimeLimit(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.OnActivity(tw.ParseDocumentActivity).Return(
		nil, temporal.NewTimeoutError(enums.TIMEOUT_TYPE_START_TO_CLOSE, nil),
	)
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusFailed)
	c.Check(got.RetryCount, qt.Equals, int32(testMaxRetries))
}

func TestProcessDocumentWorkflow_Replacement(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)
	ctx := context.Background()

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))
	oldChecksum, oldSize := doc.Checksum, doc.Size
	makeReady(c, tw, doc, event, 10)

	newContent := []byte(longText(30))
	newPath := object.DocumentPath(doc.KBUID, doc.UID, 2, "notes.txt")
	tw.storage.Put(newPath, newContent)
	replaced, err := tw.repo.ReplaceDocument(ctx, doc.UID, repository.ReplaceDocumentParams{
		StoragePath: newPath,
		MimeType:    mimeText,
		Size:        int64(len(newContent)),
		Checksum:    checksum.Sum(newContent),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(replaced.Version, qt.Equals, int32(2))
	reprocess := tw.createEvent(c, replaced, types.EventTypeReprocess, true)

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(replaced, reprocess, true))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusReady)

	points := tw.vectors.Points(doc.KBUID, doc.UID)
	c.Check(points, qt.HasLen, int(*got.ChunkCount))
	for _, p := range points {
		c.Check(p.Text, qt.Not(qt.Equals), "old chunk")
	}

	// Old vectors go only after every embedding exists.
	embed := tw.journal.Index("embedding.embed")
	del := tw.journal.Index("vector.delete_by_document")
	upsert := tw.journal.Index("vector.upsert")
	c.Check(embed >= 0 && embed < del && del < upsert, qt.IsTrue, qt.Commentf("journal: %v", tw.journal.Entries()))

	versions, err := tw.repo.ListDocumentVersions(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(versions, qt.HasLen, 1)
	c.Check(versions[0].Checksum, qt.Equals, oldChecksum)
	c.Check(versions[0].Size, qt.Equals, oldSize)
}

func TestProcessDocumentWorkflow_FailedReplacementKeepsOldVectors(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)
	ctx := context.Background()

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))
	makeReady(c, tw, doc, event, 10)

	newContent := []byte(longText(30))
	newPath := object.DocumentPath(doc.KBUID, doc.UID, 2, "notes.txt")
	tw.storage.Put(newPath, newContent)
	replaced, err := tw.repo.ReplaceDocument(ctx, doc.UID, repository.ReplaceDocumentParams{
		StoragePath: newPath,
		MimeType:    mimeText,
		Size:        int64(len(newContent)),
		Checksum:    checksum.Sum(newContent),
	})
	c.Assert(err, qt.IsNil)
	reprocess := tw.createEvent(c, replaced, types.EventTypeReprocess, true)

	tw.provider.Err = func(int) error { return embedding.ErrRateLimited }

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(replaced, reprocess, true))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)

	c.Check(tw.getDocument(c, doc.UID).Status, qt.Equals, types.DocumentStatusFailed)
	c.Check(tw.vectors.Points(doc.KBUID, doc.UID), qt.HasLen, 10)
	c.Check(tw.journal.Index("vector.delete_by_document"), qt.Equals, -1)
}

func TestProcessDocumentWorkflow_ReplacementWithoutChunksDeletesOldVectors(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))
	makeReady(c, tw, doc, event, 10)

	// The new content yields no chunk at all.
	empty, err := json.Marshal(&parser.ParsedContent{Format: "text"})
	c.Assert(err, qt.IsNil)
	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.OnActivity(tw.ParseDocumentActivity).Return(
		func(_ context.Context, param *ParseDocumentActivityParam) (*ParseDocumentActivityResult, error) {
			path := object.ParsedContentPath(param.KBUID, param.DocumentUID)
			tw.storage.Put(path, empty)
			return &ParseDocumentActivityResult{ParsedContentPath: path}, nil
		},
	)

	c.Assert(tw.repoReset(doc.UID), qt.IsNil)
	reprocess := tw.createEvent(c, doc, types.EventTypeReprocess, true)
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, reprocess, true))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusReady)
	c.Check(*got.ChunkCount, qt.Equals, int32(0))
	c.Check(tw.vectors.Points(doc.KBUID, doc.UID), qt.HasLen, 0)
}

func TestProcessDocumentWorkflow_ReprocessDeletesOrphans(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))
	makeReady(c, tw, doc, event, 50)

	c.Assert(tw.repoReset(doc.UID), qt.IsNil)
	reprocess := tw.createEvent(c, doc, types.EventTypeReprocess, false)

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, reprocess, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got := tw.getDocument(c, doc.UID)
	c.Assert(got.Status, qt.Equals, types.DocumentStatusReady)
	points := tw.vectors.Points(doc.KBUID, doc.UID)
	c.Check(points, qt.HasLen, int(*got.ChunkCount))
	c.Check(points[len(points)-1].ChunkIndex, qt.Equals, len(points)-1)
}

func TestProcessDocumentWorkflow_RedeliveryIsNoop(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	first := tw.getDocument(c, doc.UID)
	c.Assert(first.Status, qt.Equals, types.DocumentStatusReady)
	vectors := len(tw.vectors.Points(doc.KBUID, doc.UID))
	upserts := tw.count("vector.upsert")

	env = tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	second := tw.getDocument(c, doc.UID)
	c.Check(second.Status, qt.Equals, types.DocumentStatusReady)
	c.Check(*second.ChunkCount, qt.Equals, *first.ChunkCount)
	c.Check(tw.vectors.Points(doc.KBUID, doc.UID), qt.HasLen, vectors)
	c.Check(tw.count("vector.upsert"), qt.Equals, upserts)
}

func TestProcessDocumentWorkflow_MissingDocument(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)

	event, err := tw.repo.CreateOutboxEvent(context.Background(), types.EventTypeProcess, types.OutboxPayload{
		DocumentUID: uuid.Must(uuid.NewV4()),
		KBUID:       uuid.Must(uuid.NewV4()),
	})
	c.Assert(err, qt.IsNil)

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, ProcessDocumentWorkflowParam{
		EventUID:    event.UID,
		DocumentUID: event.AggregateUID,
	})
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	c.Check(tw.isProcessed(c, event.UID), qt.IsTrue)
	c.Check(tw.count("storage.download"), qt.Equals, 0)
}

func TestProcessDocumentWorkflow_StaleEventIsSkipped(t *testing.T) {
	c := qt.New(t)
	tw := newTestWorker(c)

	doc, event := tw.seedDocument(c, "notes.txt", mimeText, []byte(longText(60)))
	_, err := tw.repo.ArchiveDocument(context.Background(), doc.UID)
	c.Assert(err, qt.IsNil)

	env := tw.newEnv(&testsuite.WorkflowTestSuite{})
	env.ExecuteWorkflow(tw.ProcessDocumentWorkflow, processParam(doc, event, false))
	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	c.Check(tw.isProcessed(c, event.UID), qt.IsTrue)
	c.Check(tw.count("storage.download"), qt.Equals, 0)
}

// makeReady runs the document to READY by hand and seeds n vectors that
// stand for a previous run.
func makeReady(c *qt.C, tw *testWorker, doc *repository.DocumentModel, event *repository.OutboxEventModel, n int) {
	ctx := context.Background()

	_, err := tw.repo.StartProcessing(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(tw.repo.CompleteProcessing(ctx, doc.UID, int32(n)), qt.IsNil)
	_, err = tw.repo.MarkOutboxEventProcessed(ctx, event.UID)
	c.Assert(err, qt.IsNil)

	points := make([]repository.VectorPoint, n)
	for i := range points {
		points[i] = repository.VectorPoint{
			ChunkID:    chunker.ChunkID(doc.UID, i),
			ChunkIndex: i,
			Text:       "old chunk",
			Vector:     []float32{1, 0, 0, 0},
		}
	}
	tw.vectors.Seed(doc.KBUID, doc.UID, points)
}

func (tw *testWorker) repoReset(uid types.DocumentUIDType) error {
	_, err := tw.repo.ResetDocument(context.Background(), uid)
	return err
}
