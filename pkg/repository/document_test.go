package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/ingestion-backend/pkg/types"

	errdomain "github.com/instill-ai/ingestion-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

func newTestRepository(c *qt.C) Repository {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.Must(uuid.NewV4()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	c.Assert(err, qt.IsNil)

	sqlDB, err := db.DB()
	c.Assert(err, qt.IsNil)
	sqlDB.SetMaxOpenConns(1)
	c.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(&DocumentModel{}, &DocumentVersionModel{}, &OutboxEventModel{})
	c.Assert(err, qt.IsNil)

	return NewRepository(db)
}

func createDocument(c *qt.C, repo Repository) *DocumentModel {
	doc, err := repo.CreateDocument(context.Background(), DocumentModel{
		KBUID:       uuid.Must(uuid.NewV4()),
		Name:        "report.pdf",
		StoragePath: "kb-x/report.pdf",
		MimeType:    "application/pdf",
		Size:        2048,
		Checksum:    "aa",
	})
	c.Assert(err, qt.IsNil)
	return doc
}

func TestDocument_Lifecycle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	doc := createDocument(c, repo)
	c.Check(doc.Status, qt.Equals, types.DocumentStatusPending)
	c.Check(doc.Version, qt.Equals, int32(1))
	c.Check(doc.UID.IsNil(), qt.IsFalse)

	started, err := repo.StartProcessing(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Check(started.Status, qt.Equals, types.DocumentStatusProcessing)
	c.Check(started.ProcessingStartedAt, qt.Not(qt.IsNil))

	n, err := repo.IncreaseRetryCount(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int32(1))
	n, err = repo.IncreaseRetryCount(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int32(2))

	err = repo.CompleteProcessing(ctx, doc.UID, 7)
	c.Assert(err, qt.IsNil)

	ready, err := repo.GetDocumentByUID(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Check(ready.Status, qt.Equals, types.DocumentStatusReady)
	c.Assert(ready.ChunkCount, qt.Not(qt.IsNil))
	c.Check(*ready.ChunkCount, qt.Equals, int32(7))
	c.Check(ready.ProcessingCompletedAt, qt.Not(qt.IsNil))
	c.Check(ready.LastError, qt.Equals, "")
}

func TestDocument_StartProcessingTakesOver(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	doc := createDocument(c, repo)
	_, err := repo.StartProcessing(ctx, doc.UID)
	c.Assert(err, qt.IsNil)

	// A redelivered run finds the document already in PROCESSING.
	_, err = repo.StartProcessing(ctx, doc.UID)
	c.Check(err, qt.IsNil)
}

func TestDocument_InvalidTransitions(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	c.Run("complete a pending document", func(c *qt.C) {
		doc := createDocument(c, repo)
		err := repo.CompleteProcessing(ctx, doc.UID, 1)
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidTransition)
	})

	c.Run("start a ready document", func(c *qt.C) {
		doc := createDocument(c, repo)
		_, err := repo.StartProcessing(ctx, doc.UID)
		c.Assert(err, qt.IsNil)
		c.Assert(repo.CompleteProcessing(ctx, doc.UID, 1), qt.IsNil)

		_, err = repo.StartProcessing(ctx, doc.UID)
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidTransition)
	})

	c.Run("reset a processing document", func(c *qt.C) {
		doc := createDocument(c, repo)
		_, err := repo.StartProcessing(ctx, doc.UID)
		c.Assert(err, qt.IsNil)

		_, err = repo.ResetDocument(ctx, doc.UID)
		c.Check(err, qt.ErrorIs, errdomain.ErrDocumentProcessing)
	})

	c.Run("archive a processing document", func(c *qt.C) {
		doc := createDocument(c, repo)
		_, err := repo.StartProcessing(ctx, doc.UID)
		c.Assert(err, qt.IsNil)

		_, err = repo.ArchiveDocument(ctx, doc.UID)
		c.Check(err, qt.ErrorIs, errdomain.ErrDocumentProcessing)

		got, err := repo.GetDocumentByUID(ctx, doc.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.DocumentStatusProcessing)
	})

	c.Run("missing document", func(c *qt.C) {
		_, err := repo.StartProcessing(ctx, uuid.Must(uuid.NewV4()))
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
	})
}

func TestDocument_FailAndReset(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	doc := createDocument(c, repo)
	_, err := repo.StartProcessing(ctx, doc.UID)
	c.Assert(err, qt.IsNil)

	err = repo.FailProcessing(ctx, doc.UID, "document is password protected", 3)
	c.Assert(err, qt.IsNil)

	failed, err := repo.GetDocumentByUID(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Check(failed.Status, qt.Equals, types.DocumentStatusFailed)
	c.Check(failed.RetryCount, qt.Equals, int32(3))
	c.Check(failed.LastError, qt.Equals, "document is password protected")

	reset, err := repo.ResetDocument(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Check(reset.Status, qt.Equals, types.DocumentStatusPending)
	c.Check(reset.LastError, qt.Equals, "")
	c.Check(reset.RetryCount, qt.Equals, int32(0))
	c.Check(reset.ProcessingStartedAt, qt.IsNil)
	c.Check(reset.ProcessingCompletedAt, qt.IsNil)
}

func TestDocument_Replace(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	doc := createDocument(c, repo)
	_, err := repo.StartProcessing(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(repo.CompleteProcessing(ctx, doc.UID, 10), qt.IsNil)

	requester := uuid.Must(uuid.NewV4())
	replaced, err := repo.ReplaceDocument(ctx, doc.UID, ReplaceDocumentParams{
		StoragePath: "kb-x/report-v2.pdf",
		MimeType:    "application/pdf",
		Size:        4096,
		Checksum:    "bb",
		Requester:   requester,
	})
	c.Assert(err, qt.IsNil)
	c.Check(replaced.Status, qt.Equals, types.DocumentStatusPending)
	c.Check(replaced.Version, qt.Equals, int32(2))
	c.Check(replaced.Checksum, qt.Equals, "bb")
	c.Check(replaced.Size, qt.Equals, int64(4096))

	versions, err := repo.ListDocumentVersions(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(versions, qt.HasLen, 1)
	c.Check(versions[0].Version, qt.Equals, int32(1))
	c.Check(versions[0].Checksum, qt.Equals, "aa")
	c.Check(versions[0].Size, qt.Equals, int64(2048))
	c.Check(versions[0].StoragePath, qt.Equals, "kb-x/report.pdf")
	c.Check(versions[0].ReplacedBy, qt.Equals, requester)

	c.Run("rejected while processing", func(c *qt.C) {
		_, err := repo.StartProcessing(ctx, doc.UID)
		c.Assert(err, qt.IsNil)

		_, err = repo.ReplaceDocument(ctx, doc.UID, ReplaceDocumentParams{StoragePath: "x", Checksum: "cc"})
		c.Check(err, qt.ErrorIs, errdomain.ErrDocumentProcessing)

		versions, err := repo.ListDocumentVersions(ctx, doc.UID)
		c.Assert(err, qt.IsNil)
		c.Check(versions, qt.HasLen, 1)
	})
}

func TestDocument_Archive(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	doc := createDocument(c, repo)
	archived, err := repo.ArchiveDocument(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Check(archived.Status, qt.Equals, types.DocumentStatusArchived)

	_, err = repo.GetDocumentByUID(ctx, doc.UID)
	c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)

	docs, err := repo.ListDocumentsByStatus(ctx, uuid.Nil, types.DocumentStatusArchived, 10)
	c.Assert(err, qt.IsNil)
	c.Check(docs, qt.HasLen, 0)
}

func TestDocument_ListByStatus(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	var failed []types.DocumentUIDType
	for i := 0; i < 3; i++ {
		doc := createDocument(c, repo)
		_, err := repo.StartProcessing(ctx, doc.UID)
		c.Assert(err, qt.IsNil)
		c.Assert(repo.FailProcessing(ctx, doc.UID, "boom", 3), qt.IsNil)
		failed = append(failed, doc.UID)
		time.Sleep(time.Millisecond)
	}
	createDocument(c, repo)

	docs, err := repo.ListDocumentsByStatus(ctx, uuid.Nil, types.DocumentStatusFailed, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(docs, qt.HasLen, 2)
	for _, d := range docs {
		c.Check(d.Status, qt.Equals, types.DocumentStatusFailed)
	}

	all, err := repo.ListDocumentsByStatus(ctx, uuid.Nil, types.DocumentStatusFailed, 0)
	c.Assert(err, qt.IsNil)
	c.Check(all, qt.HasLen, len(failed))
}

func TestRepository_TransactionRollback(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo := newTestRepository(c)

	var created *DocumentModel
	err := repo.Transaction(ctx, func(tx Repository) error {
		doc, err := tx.CreateDocument(ctx, DocumentModel{KBUID: uuid.Must(uuid.NewV4()), Name: "a.md", StoragePath: "p", MimeType: "text/markdown", Checksum: "cc"})
		if err != nil {
			return err
		}
		created = doc
		return fmt.Errorf("outbox unavailable")
	})
	c.Assert(err, qt.ErrorMatches, "outbox unavailable")
	c.Assert(created, qt.Not(qt.IsNil))

	_, err = repo.GetDocumentByUID(ctx, created.UID)
	c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
}
