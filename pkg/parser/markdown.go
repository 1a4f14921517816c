package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	east "github.com/yuin/goldmark/extension/ast"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// extractMarkdown parses the document into a CommonMark tree and emits its
// headings, list items, code blocks, tables and paragraphs. Inline markup is
// reduced to the text a reader sees: links keep their label, emphasis and
// code spans lose their delimiters.
func extractMarkdown(ctx context.Context, path string) (*extraction, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if !utf8.Valid(src) {
		src = []byte(strings.ToValidUTF8(string(src), ""))
	}

	doc := markdown.Parser().Parse(text.NewReader(src))

	w := &markdownWalker{ctx: ctx, src: src, ext: &extraction{}}
	if err := w.block(doc); err != nil {
		return nil, err
	}
	return w.ext, nil
}

type markdownWalker struct {
	ctx context.Context
	src []byte
	ext *extraction
}

func (w *markdownWalker) emit(kind ElementKind, level int, s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	w.ext.elements = append(w.ext.elements, Element{Kind: kind, Level: level, Text: s})
}

func (w *markdownWalker) block(n ast.Node) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}

	switch n := n.(type) {
	case *ast.Heading:
		w.emit(ElementHeading, n.Level, w.inline(n))
	case *ast.Paragraph, *ast.TextBlock:
		w.emit(ElementParagraph, 0, w.inline(n))
	case *ast.ListItem:
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			switch child.(type) {
			case *ast.Paragraph, *ast.TextBlock:
				w.emit(ElementListItem, 0, w.inline(child))
			default:
				if err := w.block(child); err != nil {
					return err
				}
			}
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		w.emit(ElementCode, 0, strings.TrimRight(w.lines(n), "\n"))
	case *east.Table:
		w.emit(ElementTable, 0, w.table(n))
	case *ast.HTMLBlock, *ast.ThematicBreak:
	default:
		// Document, lists and blockquotes only hold other blocks.
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			if err := w.block(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// inline flattens the inline children of n to plain text.
func (w *markdownWalker) inline(n ast.Node) string {
	var b strings.Builder
	_ = ast.Walk(n, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			b.Write(n.Segment.Value(w.src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(n.Value)
		case *ast.AutoLink:
			b.Write(n.Label(w.src))
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func (w *markdownWalker) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(w.src))
	}
	return b.String()
}

// table renders the table as Markdown rows with a plain delimiter row, the
// same shape the DOCX handler produces.
func (w *markdownWalker) table(t *east.Table) string {
	var rows []string
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.ReplaceAll(w.inline(cell), "|", `\|`))
		}
		rows = append(rows, "| "+strings.Join(cells, " | ")+" |")

		if _, ok := row.(*east.TableHeader); ok {
			delim := make([]string, len(cells))
			for i := range delim {
				delim[i] = "---"
			}
			rows = append(rows, "| "+strings.Join(delim, " | ")+" |")
		}
	}
	return strings.Join(rows, "\n")
}
