// Package parser extracts text and structure from uploaded documents.
//
// A document is dispatched on its declared MIME type to one of a closed set
// of formats. Each format handler returns ordered text elements; the parser
// then assembles the plain text, a Markdown rendering and the section list,
// and classifies the conditions the pipeline cannot recover from.
package parser

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	errorsx "github.com/instill-ai/x/errors"

	domainerrors "github.com/instill-ai/ingestion-backend/pkg/errors"
)

// MinContentLength is the minimum number of extracted characters a document
// needs to be indexed.
const MinContentLength = 100

// Format is the closed set of document formats the parser understands.
type Format int

const (
	// FormatUnsupported is the terminal case for MIME types without a handler.
	FormatUnsupported Format = iota
	// FormatPDF is a paginated PDF document.
	FormatPDF
	// FormatDOCX is an Office Open XML word processing document.
	FormatDOCX
	// FormatMarkdown is CommonMark-like text.
	FormatMarkdown
	// FormatText is plain text.
	FormatText
)

var formatNames = map[Format]string{
	FormatUnsupported: "unsupported",
	FormatPDF:         "pdf",
	FormatDOCX:        "docx",
	FormatMarkdown:    "markdown",
	FormatText:        "text",
}

// String implements fmt.Stringer.
func (f Format) String() string { return formatNames[f] }

// FormatFromMIME maps a declared MIME type, parameters included, to a Format.
func FormatFromMIME(mimeType string) Format {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}

	switch mediaType {
	case "application/pdf":
		return FormatPDF
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return FormatDOCX
	case "text/markdown", "text/x-markdown":
		return FormatMarkdown
	case "text/plain":
		return FormatText
	default:
		return FormatUnsupported
	}
}

// ElementKind describes the structural role of an extracted element.
type ElementKind string

const (
	// ElementHeading is a heading of level 1 to 6.
	ElementHeading ElementKind = "heading"
	// ElementParagraph is a block of running text.
	ElementParagraph ElementKind = "paragraph"
	// ElementListItem is a single bullet or numbered item.
	ElementListItem ElementKind = "list_item"
	// ElementCode is a preformatted code block.
	ElementCode ElementKind = "code"
	// ElementTable is a table rendered as Markdown rows.
	ElementTable ElementKind = "table"
)

// Element is one text-bearing unit of a document. Start and End are
// character offsets into ParsedContent.Text.
type Element struct {
	Kind  ElementKind `json:"kind"`
	Text  string      `json:"text"`
	Level int         `json:"level,omitempty"`
	Page  int         `json:"page,omitempty"`
	Start int         `json:"start"`
	End   int         `json:"end"`
}

// Section is a heading of the document with the offset where it starts.
type Section struct {
	Title string `json:"title"`
	Level int    `json:"level"`
	Page  int    `json:"page,omitempty"`
	Start int    `json:"start"`
}

// ParsedContent is the output of a successful parse. It is persisted as the
// transient parsed artifact between the parse and index steps.
type ParsedContent struct {
	Format    string    `json:"format"`
	Text      string    `json:"text"`
	Markdown  string    `json:"markdown"`
	PageCount int       `json:"page_count,omitempty"`
	Sections  []Section `json:"sections"`
	Elements  []Element `json:"elements"`
}

// CharCount returns the number of characters in the extracted text.
func (pc *ParsedContent) CharCount() int {
	return utf8.RuneCountInString(pc.Text)
}

// extraction is what a format handler returns.
type extraction struct {
	elements  []Element
	pageCount int
}

// Parser parses documents stored on the local filesystem.
type Parser struct {
	logger *zap.Logger
}

// New returns a Parser.
func New(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse extracts the content of the file at localPath. Besides the error
// types of this package, it returns domainerrors.ErrUnsupportedFormat when no
// handler matches mimeType.
func (p *Parser) Parse(ctx context.Context, localPath, mimeType string) (*ParsedContent, error) {
	format := FormatFromMIME(mimeType)
	logger := p.logger.With(zap.String("format", format.String()), zap.String("mimeType", mimeType))

	var ext *extraction
	var err error
	switch format {
	case FormatPDF:
		ext, err = extractPDF(ctx, localPath)
	case FormatDOCX:
		ext, err = extractDOCX(ctx, localPath)
	case FormatMarkdown:
		ext, err = extractMarkdown(ctx, localPath)
	case FormatText:
		ext, err = extractText(ctx, localPath)
	default:
		return nil, errorsx.AddMessage(
			fmt.Errorf("%w: %q", domainerrors.ErrUnsupportedFormat, mimeType),
			"This file type is not supported.",
		)
	}
	if err != nil {
		logger.Warn("Extraction failed", zap.Error(err))
		return nil, classify(format, err)
	}

	content := assemble(format, ext)
	if len(content.Elements) == 0 {
		return nil, ErrScannedDocument
	}
	if n := content.CharCount(); n < MinContentLength {
		return nil, fmt.Errorf("%w: %d characters extracted", ErrInsufficientContent, n)
	}

	logger.Info("Document parsed",
		zap.Int("elements", len(content.Elements)),
		zap.Int("sections", len(content.Sections)),
		zap.Int("pages", content.PageCount),
		zap.Int("characters", content.CharCount()))

	return content, nil
}
