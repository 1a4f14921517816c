package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/instill-ai/ingestion-backend/pkg/types"

	errdomain "github.com/instill-ai/ingestion-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Document interface defines the methods for the document table. Every
// status change is a conditional update scoped to a single document, so
// concurrent writers can't break the state machine.
type Document interface {
	// CreateDocument inserts a document in PENDING status.
	CreateDocument(ctx context.Context, doc DocumentModel) (*DocumentModel, error)
	// GetDocumentByUID returns a document that hasn't been deleted.
	GetDocumentByUID(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error)
	// ListDocumentsByStatus returns up to limit documents in a status, oldest
	// first. A nil kbUID lists every knowledge base.
	ListDocumentsByStatus(ctx context.Context, kbUID types.KBUIDType, status types.DocumentStatus, limit int) ([]DocumentModel, error)
	// ListDocumentVersions returns the version history of a document, oldest
	// first.
	ListDocumentVersions(ctx context.Context, uid types.DocumentUIDType) ([]DocumentVersionModel, error)

	// StartProcessing moves a PENDING document to PROCESSING. A PROCESSING
	// document is taken over, which happens when a run was lost with its
	// worker.
	StartProcessing(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error)
	// IncreaseRetryCount increments the retry count of a PROCESSING document
	// and returns the new value.
	IncreaseRetryCount(ctx context.Context, uid types.DocumentUIDType) (int32, error)
	// CompleteProcessing moves a PROCESSING document to READY.
	CompleteProcessing(ctx context.Context, uid types.DocumentUIDType, chunkCount int32) error
	// FailProcessing moves a PROCESSING document to FAILED and sets its
	// retry count.
	FailProcessing(ctx context.Context, uid types.DocumentUIDType, lastError string, retryCount int32) error

	// ResetDocument moves a document back to PENDING so that it is
	// processed again from scratch.
	ResetDocument(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error)
	// ReplaceDocument points a document to new content, bumps its version
	// and appends the previous content to the version history.
	ReplaceDocument(ctx context.Context, uid types.DocumentUIDType, params ReplaceDocumentParams) (*DocumentModel, error)
	// ArchiveDocument moves a document to ARCHIVED and soft-deletes it.
	ArchiveDocument(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error)
}

// DocumentTableName is the table name for documents.
const DocumentTableName = "document"

// DocumentModel is the model for the document table.
type DocumentModel struct {
	UID         types.DocumentUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	KBUID       types.KBUIDType       `gorm:"column:kb_uid;type:uuid;not null;index" json:"kb_uid"`
	Name        string                `gorm:"column:name;size:255;not null" json:"name"`
	StoragePath string                `gorm:"column:storage_path;size:1024;not null" json:"storage_path"`
	MimeType    string                `gorm:"column:mime_type;size:255;not null" json:"mime_type"`
	Size        int64                 `gorm:"column:size;not null" json:"size"`
	// Hex encoded SHA-256 digest of the content.
	Checksum string               `gorm:"column:checksum;size:64;not null" json:"checksum"`
	Status   types.DocumentStatus `gorm:"column:status;size:32;not null;index" json:"status"`

	ProcessingStartedAt   *time.Time `gorm:"column:processing_started_at" json:"processing_started_at"`
	ProcessingCompletedAt *time.Time `gorm:"column:processing_completed_at" json:"processing_completed_at"`
	LastError             string     `gorm:"column:last_error;type:text;not null;default:''" json:"last_error"`
	RetryCount            int32      `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	// Set when the document reaches READY.
	ChunkCount *int32 `gorm:"column:chunk_count" json:"chunk_count"`
	Version    int32  `gorm:"column:version;not null;default:1" json:"version"`

	RequesterUID types.RequesterUIDType `gorm:"column:requester_uid;type:uuid" json:"requester_uid"`
	CreateTime   time.Time              `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime   time.Time              `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
	DeleteTime   gorm.DeletedAt         `gorm:"column:delete_time;index" json:"delete_time"`
}

// TableName overrides the default table name for GORM.
func (DocumentModel) TableName() string {
	return DocumentTableName
}

// BeforeCreate is a GORM hook that assigns the UID and the initial state.
func (d *DocumentModel) BeforeCreate(tx *gorm.DB) error {
	if d.UID.IsNil() {
		uid, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating document UID: %w", err)
		}
		d.UID = uid
	}
	if d.Status == "" {
		d.Status = types.DocumentStatusPending
	}
	if d.Version == 0 {
		d.Version = 1
	}
	return nil
}

// DocumentColumns holds the column names of the document table.
type DocumentColumns struct {
	UID                   string
	KBUID                 string
	Name                  string
	StoragePath           string
	MimeType              string
	Size                  string
	Checksum              string
	Status                string
	ProcessingStartedAt   string
	ProcessingCompletedAt string
	LastError             string
	RetryCount            string
	ChunkCount            string
	Version               string
	CreateTime            string
	UpdateTime            string
	DeleteTime            string
}

// DocumentColumn is the column names of the document table.
var DocumentColumn = DocumentColumns{
	UID:                   "uid",
	KBUID:                 "kb_uid",
	Name:                  "name",
	StoragePath:           "storage_path",
	MimeType:              "mime_type",
	Size:                  "size",
	Checksum:              "checksum",
	Status:                "status",
	ProcessingStartedAt:   "processing_started_at",
	ProcessingCompletedAt: "processing_completed_at",
	LastError:             "last_error",
	RetryCount:            "retry_count",
	ChunkCount:            "chunk_count",
	Version:               "version",
	CreateTime:            "create_time",
	UpdateTime:            "update_time",
	DeleteTime:            "delete_time",
}

// DocumentVersionTableName is the table name for the version history.
const DocumentVersionTableName = "document_version"

// DocumentVersionModel records the content a replace operation superseded.
type DocumentVersionModel struct {
	UID         uuid.UUID              `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	DocumentUID types.DocumentUIDType  `gorm:"column:document_uid;type:uuid;not null;index" json:"document_uid"`
	Version     int32                  `gorm:"column:version;not null" json:"version"`
	StoragePath string                 `gorm:"column:storage_path;size:1024;not null" json:"storage_path"`
	Size        int64                  `gorm:"column:size;not null" json:"size"`
	Checksum    string                 `gorm:"column:checksum;size:64;not null" json:"checksum"`
	ReplacedBy  types.RequesterUIDType `gorm:"column:replaced_by;type:uuid" json:"replaced_by"`
	ReplacedAt  time.Time              `gorm:"column:replaced_at;not null" json:"replaced_at"`
}

// TableName overrides the default table name for GORM.
func (DocumentVersionModel) TableName() string {
	return DocumentVersionTableName
}

// BeforeCreate is a GORM hook that assigns the UID.
func (v *DocumentVersionModel) BeforeCreate(tx *gorm.DB) error {
	if v.UID.IsNil() {
		uid, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating version UID: %w", err)
		}
		v.UID = uid
	}
	return nil
}

// ReplaceDocumentParams describes the content that replaces a document.
type ReplaceDocumentParams struct {
	StoragePath string
	MimeType    string
	Size        int64
	Checksum    string
	Requester   types.RequesterUIDType
}

func (r *repository) CreateDocument(ctx context.Context, doc DocumentModel) (*DocumentModel, error) {
	doc.Status = types.DocumentStatusPending
	if err := r.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	return &doc, nil
}

func (r *repository) GetDocumentByUID(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error) {
	var doc DocumentModel
	err := r.db.WithContext(ctx).Where(DocumentColumn.UID+" = ?", uid).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("document %s: %w", uid, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching document: %w", err)
	}
	return &doc, nil
}

func (r *repository) ListDocumentsByStatus(ctx context.Context, kbUID types.KBUIDType, status types.DocumentStatus, limit int) ([]DocumentModel, error) {
	q := r.db.WithContext(ctx).Where(DocumentColumn.Status+" = ?", string(status))
	if !kbUID.IsNil() {
		q = q.Where(DocumentColumn.KBUID+" = ?", kbUID)
	}

	var docs []DocumentModel
	if err := q.Order(DocumentColumn.CreateTime).Limit(pageSize(limit)).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

func (r *repository) ListDocumentVersions(ctx context.Context, uid types.DocumentUIDType) ([]DocumentVersionModel, error) {
	var versions []DocumentVersionModel
	err := r.db.WithContext(ctx).
		Where("document_uid = ?", uid).
		Order("version").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("listing document versions: %w", err)
	}
	return versions, nil
}

func (r *repository) StartProcessing(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error) {
	now := time.Now().UTC()
	return r.transition(ctx, uid,
		[]types.DocumentStatus{types.DocumentStatusPending, types.DocumentStatusProcessing},
		map[string]any{
			DocumentColumn.Status:                string(types.DocumentStatusProcessing),
			DocumentColumn.ProcessingStartedAt:   now,
			DocumentColumn.ProcessingCompletedAt: nil,
			DocumentColumn.UpdateTime:            now,
		},
	)
}

func (r *repository) IncreaseRetryCount(ctx context.Context, uid types.DocumentUIDType) (int32, error) {
	doc, err := r.transition(ctx, uid,
		[]types.DocumentStatus{types.DocumentStatusProcessing},
		map[string]any{
			DocumentColumn.RetryCount: gorm.Expr(DocumentColumn.RetryCount + " + 1"),
			DocumentColumn.UpdateTime: time.Now().UTC(),
		},
	)
	if err != nil {
		return 0, err
	}
	return doc.RetryCount, nil
}

func (r *repository) CompleteProcessing(ctx context.Context, uid types.DocumentUIDType, chunkCount int32) error {
	now := time.Now().UTC()
	_, err := r.transition(ctx, uid,
		[]types.DocumentStatus{types.DocumentStatusProcessing},
		map[string]any{
			DocumentColumn.Status:                string(types.DocumentStatusReady),
			DocumentColumn.ProcessingCompletedAt: now,
			DocumentColumn.ChunkCount:            chunkCount,
			DocumentColumn.LastError:             "",
			DocumentColumn.UpdateTime:            now,
		},
	)
	return err
}

func (r *repository) FailProcessing(ctx context.Context, uid types.DocumentUIDType, lastError string, retryCount int32) error {
	now := time.Now().UTC()
	_, err := r.transition(ctx, uid,
		[]types.DocumentStatus{types.DocumentStatusProcessing},
		map[string]any{
			DocumentColumn.Status:                string(types.DocumentStatusFailed),
			DocumentColumn.ProcessingCompletedAt: now,
			DocumentColumn.LastError:             lastError,
			DocumentColumn.RetryCount:            retryCount,
			DocumentColumn.UpdateTime:            now,
		},
	)
	return err
}

// resettable holds the statuses a user operation can move back to PENDING.
var resettable = []types.DocumentStatus{
	types.DocumentStatusPending,
	types.DocumentStatusReady,
	types.DocumentStatusFailed,
}

func resetFields(now time.Time) map[string]any {
	return map[string]any{
		DocumentColumn.Status:                string(types.DocumentStatusPending),
		DocumentColumn.ProcessingStartedAt:   nil,
		DocumentColumn.ProcessingCompletedAt: nil,
		DocumentColumn.LastError:             "",
		DocumentColumn.RetryCount:            0,
		DocumentColumn.UpdateTime:            now,
	}
}

func (r *repository) ResetDocument(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error) {
	return r.transition(ctx, uid, resettable, resetFields(time.Now().UTC()))
}

func (r *repository) ReplaceDocument(ctx context.Context, uid types.DocumentUIDType, params ReplaceDocumentParams) (*DocumentModel, error) {
	var replaced *DocumentModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txr := &repository{db: tx}

		prev, err := txr.GetDocumentByUID(ctx, uid)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		fields := resetFields(now)
		fields[DocumentColumn.StoragePath] = params.StoragePath
		fields[DocumentColumn.MimeType] = params.MimeType
		fields[DocumentColumn.Size] = params.Size
		fields[DocumentColumn.Checksum] = params.Checksum
		fields[DocumentColumn.Version] = gorm.Expr(DocumentColumn.Version + " + 1")

		// The version read above is only trusted if the conditional update
		// still sees it.
		result := tx.Model(&DocumentModel{}).
			Where(DocumentColumn.UID+" = ? AND "+DocumentColumn.Version+" = ? AND "+DocumentColumn.Status+" IN ?",
				uid, prev.Version, statusStrings(resettable)).
			Updates(fields)
		if result.Error != nil {
			return fmt.Errorf("updating document: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return txr.transitionError(ctx, uid)
		}

		version := DocumentVersionModel{
			DocumentUID: uid,
			Version:     prev.Version,
			StoragePath: prev.StoragePath,
			Size:        prev.Size,
			Checksum:    prev.Checksum,
			ReplacedBy:  params.Requester,
			ReplacedAt:  now,
		}
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("appending version history: %w", err)
		}

		replaced, err = txr.GetDocumentByUID(ctx, uid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

func (r *repository) ArchiveDocument(ctx context.Context, uid types.DocumentUIDType) (*DocumentModel, error) {
	var archived *DocumentModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txr := &repository{db: tx}

		doc, err := txr.transition(ctx, uid, resettable, map[string]any{
			DocumentColumn.Status:     string(types.DocumentStatusArchived),
			DocumentColumn.UpdateTime: time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		if err := tx.Delete(&DocumentModel{}, DocumentColumn.UID+" = ?", uid).Error; err != nil {
			return fmt.Errorf("soft-deleting document: %w", err)
		}
		archived = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// transition applies updates to a document whose status is in from and
// returns the updated row.
func (r *repository) transition(ctx context.Context, uid types.DocumentUIDType, from []types.DocumentStatus, updates map[string]any) (*DocumentModel, error) {
	result := r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(DocumentColumn.UID+" = ? AND "+DocumentColumn.Status+" IN ?", uid, statusStrings(from)).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("updating document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, r.transitionError(ctx, uid)
	}
	return r.GetDocumentByUID(ctx, uid)
}

// transitionError explains why a conditional update matched no row.
func (r *repository) transitionError(ctx context.Context, uid types.DocumentUIDType) error {
	doc, err := r.GetDocumentByUID(ctx, uid)
	if err != nil {
		return err
	}

	switch doc.Status {
	case types.DocumentStatusProcessing:
		return errdomain.ErrDocumentProcessing
	case types.DocumentStatusArchived:
		return errdomain.ErrDocumentArchived
	default:
		return fmt.Errorf("%w: document %s is %s", errdomain.ErrInvalidTransition, uid, doc.Status)
	}
}

func statusStrings(statuses []types.DocumentStatus) []string {
	s := make([]string, len(statuses))
	for i, st := range statuses {
		s[i] = string(st)
	}
	return s
}
