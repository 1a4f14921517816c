package parser

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	// lineGapRatio is the vertical jump, in font sizes, that starts a new
	// paragraph instead of continuing the current one.
	lineGapRatio = 2.0
	// wordGapRatio is the horizontal gap, in font sizes, read as a space
	// between two glyphs of the same line.
	wordGapRatio = 0.2

	defaultFontSize = 10.0
)

// extractPDF reads the document twice. pdfcpu checks encryption and counts
// pages, then the text layer is decoded page by page through the font
// encodings and ToUnicode maps of each page. Pages carry no heading
// structure, so each block of text becomes a paragraph tagged with its page
// number.
func extractPDF(ctx context.Context, path string) (*extraction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := api.ReadContext(f, conf)
	if err != nil {
		return nil, fmt.Errorf("reading pdf: %w", err)
	}
	if err := pdfCtx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("counting pages: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating file: %w", err)
	}
	r, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("opening text layer: %w", err)
	}

	ext := &extraction{pageCount: pdfCtx.PageCount}
	for page := 1; page <= r.NumPage(); page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := r.Page(page)
		if p.V.IsNull() {
			continue
		}
		blocks, err := pageBlocks(p)
		if err != nil {
			return nil, fmt.Errorf("decoding text of page %d: %w", page, err)
		}
		for _, block := range blocks {
			ext.elements = append(ext.elements, Element{Kind: ElementParagraph, Text: block, Page: page})
		}
	}

	return ext, nil
}

// pageBlocks groups the positioned glyphs of a page into lines and the lines
// into blocks. Glyphs are taken in content stream order, which is reading
// order for the producers we see.
func pageBlocks(p pdf.Page) (blocks []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			blocks, err = nil, fmt.Errorf("malformed content stream: %v", r)
		}
	}()

	var (
		block, line strings.Builder
		started     bool
		prev        pdf.Text
	)
	flushLine := func() {
		s := strings.TrimSpace(line.String())
		line.Reset()
		if s == "" {
			return
		}
		if block.Len() > 0 {
			block.WriteByte(' ')
		}
		block.WriteString(s)
	}
	flushBlock := func() {
		flushLine()
		if block.Len() > 0 {
			blocks = append(blocks, block.String())
		}
		block.Reset()
	}

	for _, t := range p.Content().Text {
		size := t.FontSize
		if size <= 0 {
			size = defaultFontSize
		}

		if started {
			switch dy := prev.Y - t.Y; {
			case math.Abs(dy) > size*lineGapRatio:
				flushBlock()
			case math.Abs(dy) > size/2:
				flushLine()
			case t.X-(prev.X+prev.W) > size*wordGapRatio && !endsWithSpace(&line) && t.S != " ":
				line.WriteByte(' ')
			}
		}

		line.WriteString(t.S)
		prev, started = t, true
	}
	flushBlock()

	return blocks, nil
}

func endsWithSpace(b *strings.Builder) bool {
	s := b.String()
	return s == "" || strings.HasSuffix(s, " ")
}
