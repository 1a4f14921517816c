package types

import (
	"github.com/gofrs/uuid"
)

type (
	// Knowledge Base unique identifier
	KBUIDType = uuid.UUID
	// Document unique identifier
	DocumentUIDType = uuid.UUID
	// Outbox event unique identifier
	EventUIDType = uuid.UUID
	// Request initiator unique identifier
	RequesterUIDType = uuid.UUID
)

// DocumentStatus is the lifecycle status of a document. Exactly one status
// holds at any time.
type DocumentStatus string

const (
	// DocumentStatusPending means the document is accepted and waits for the
	// pipeline.
	DocumentStatusPending DocumentStatus = "PENDING"
	// DocumentStatusProcessing means a pipeline run owns the document.
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	// DocumentStatusReady means the document vectors are searchable.
	DocumentStatusReady DocumentStatus = "READY"
	// DocumentStatusFailed means the last pipeline run ended without an index.
	DocumentStatusFailed DocumentStatus = "FAILED"
	// DocumentStatusArchived means the document was deleted by the user.
	DocumentStatusArchived DocumentStatus = "ARCHIVED"
)

// String implements fmt.Stringer.
func (s DocumentStatus) String() string { return string(s) }

// IsTerminal reports whether no pipeline run owns a document in this status.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusReady || s == DocumentStatusFailed
}

// OutboxEventType identifies the instruction carried by an outbox event.
type OutboxEventType string

const (
	// EventTypeProcess triggers the first processing of an uploaded document.
	EventTypeProcess OutboxEventType = "document.process"
	// EventTypeReprocess triggers processing after a retry or a replace.
	EventTypeReprocess OutboxEventType = "document.reprocess"
	// EventTypeDelete triggers the cleanup of a deleted document.
	EventTypeDelete OutboxEventType = "document.delete"
)

// OutboxPayload is the content of an outbox event.
type OutboxPayload struct {
	DocumentUID DocumentUIDType `json:"document_uid"`
	KBUID       KBUIDType       `json:"kb_uid"`
	StoragePath string          `json:"storage_path"`
	MimeType    string          `json:"mime_type"`
	Checksum    string          `json:"checksum"`
	Replacement bool            `json:"replacement"`
}
