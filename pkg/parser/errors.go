package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"

	errorsx "github.com/instill-ai/x/errors"

	domainerrors "github.com/instill-ai/ingestion-backend/pkg/errors"
)

var (
	// ErrPasswordProtected means the document is encrypted and can't be read
	// without a password.
	ErrPasswordProtected = errorsx.AddMessage(
		errors.New("document is password protected"),
		"The document is password protected. Please upload an unprotected version.",
	)
	// ErrScannedDocument means no text-bearing element was found, which
	// usually indicates a scanned document that needs OCR.
	ErrScannedDocument = errorsx.AddMessage(
		errors.New("no extractable text, document is likely scanned"),
		"No text could be extracted. Scanned documents require OCR, which isn't supported.",
	)
	// ErrInsufficientContent means fewer than MinContentLength characters
	// were extracted.
	ErrInsufficientContent = errorsx.AddMessage(
		errors.New("insufficient content"),
		fmt.Sprintf("The document contains insufficient content (fewer than %d characters).", MinContentLength),
	)
	// ErrLineTooLong means a text based document has a line longer than the
	// reader accepts. Reading it again fails the same way.
	ErrLineTooLong = errorsx.AddMessage(
		errors.New("line too long"),
		fmt.Sprintf("The document contains a line longer than %d MiB.", maxLineSize>>20),
	)
)

// ParsingError wraps any other extraction failure. It may be transient.
type ParsingError struct {
	Format Format
	Err    error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("parsing %s document: %v", e.Format, e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// IsNonRetryable reports whether err is a content condition that re-parsing
// can't change.
func IsNonRetryable(err error) bool {
	return errors.Is(err, ErrPasswordProtected) ||
		errors.Is(err, ErrScannedDocument) ||
		errors.Is(err, ErrInsufficientContent) ||
		errors.Is(err, ErrLineTooLong) ||
		errors.Is(err, domainerrors.ErrUnsupportedFormat)
}

// classify maps a handler error to the error taxonomy of the parser.
func classify(format Format, err error) error {
	if errors.Is(err, ErrPasswordProtected) || errors.Is(err, ErrLineTooLong) {
		return err
	}
	if isPasswordFailure(err) {
		return fmt.Errorf("%w: %v", ErrPasswordProtected, err)
	}
	return &ParsingError{Format: format, Err: err}
}

// isPasswordFailure matches decryption failures of the PDF libraries. Only
// the wrong password case is typed, other encryption failures are matched on
// their message.
func isPasswordFailure(err error) bool {
	if errors.Is(err, pdfcpu.ErrWrongPassword) || errors.Is(err, pdf.ErrInvalidPassword) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"password", "decrypt", "encrypt"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
