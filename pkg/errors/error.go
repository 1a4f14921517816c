// Package errors contains domain errors that the different layers use to add
// meaning to an error. The worker transforms them into a retry policy and the
// service layer into user-facing messages.
package errors

import (
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

var (
	// ErrDocumentProcessing is returned when a user operation targets a
	// document that a pipeline run currently owns.
	ErrDocumentProcessing = errorsx.AddMessage(
		fmt.Errorf("document is processing"),
		"The document is being processed. Please wait until processing finishes.",
	)
	// ErrInvalidTransition is returned when a conditional status update
	// doesn't match the current status of the document.
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
	// ErrChecksumMismatch is returned when downloaded content doesn't hash to
	// the checksum recorded at upload time.
	ErrChecksumMismatch = fmt.Errorf("checksum mismatch")
	// ErrUnsupportedFormat is returned when no parser handles a MIME type.
	ErrUnsupportedFormat = fmt.Errorf("unsupported format")
	// ErrDocumentArchived is returned when a user operation targets a deleted
	// document.
	ErrDocumentArchived = errorsx.AddMessage(
		fmt.Errorf("document is archived"),
		"The document has been deleted.",
	)
)
