package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Encrypted OOXML packages are stored in an OLE compound file instead of a
// zip archive.
var cfbSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

var headingStyle = regexp.MustCompile(`(?i)^heading\s*([1-6])$`)

const wordNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

func extractDOCX(ctx context.Context, path string) (*extraction, error) {
	if encrypted, err := hasCFBSignature(path); err != nil {
		return nil, err
	} else if encrypted {
		return nil, ErrPasswordProtected
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening docx archive: %w", err)
	}
	defer zr.Close()

	var document, app *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			document = f
		case "docProps/app.xml":
			app = f
		}
	}
	if document == nil {
		return nil, errors.New("docx archive has no word/document.xml")
	}

	rc, err := document.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document part: %w", err)
	}
	defer rc.Close()

	ext, err := walkDocument(ctx, xml.NewDecoder(rc))
	if err != nil {
		return nil, err
	}

	if app != nil {
		if pages, err := readPageCount(app); err == nil && pages > 0 {
			ext.pageCount = pages
		}
	}
	return ext, nil
}

func hasCFBSignature(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	head := make([]byte, len(cfbSignature))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("reading file header: %w", err)
	}
	return bytes.Equal(head, cfbSignature), nil
}

// docxParagraph accumulates the state of the w:p element being decoded.
type docxParagraph struct {
	text    strings.Builder
	style   string
	list    bool
	outline int
}

func (p *docxParagraph) element(page int) (Element, bool) {
	text := p.text.String()
	if strings.TrimSpace(text) == "" {
		return Element{}, false
	}

	el := Element{Kind: ElementParagraph, Text: text, Page: page}
	switch m := headingStyle.FindStringSubmatch(p.style); {
	case m != nil:
		el.Kind = ElementHeading
		el.Level, _ = strconv.Atoi(m[1])
	case strings.EqualFold(p.style, "Title"):
		el.Kind, el.Level = ElementHeading, 1
	case p.outline > 0:
		el.Kind, el.Level = ElementHeading, p.outline
	case p.list || strings.HasPrefix(strings.ToLower(p.style), "list"):
		el.Kind = ElementListItem
	}
	return el, true
}

// walkDocument streams the document part. Paragraphs inside tables are
// collected into Markdown rows instead of being emitted on their own.
func walkDocument(ctx context.Context, dec *xml.Decoder) (*extraction, error) {
	ext := &extraction{}

	// Word records explicit breaks and the breaks of its last layout pass,
	// often both for the same page boundary.
	var explicitBreaks, renderedBreaks int
	page := func() int { return 1 + max(explicitBreaks, renderedBreaks) }

	var (
		para      *docxParagraph
		tableRows []string
		row       []string
		cell      *strings.Builder
		depth     int // table nesting
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding document part: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "tbl":
				depth++
				if depth == 1 {
					tableRows = nil
				}
			case "tr":
				row = nil
			case "tc":
				cell = &strings.Builder{}
			case "p":
				para = &docxParagraph{}
			case "pStyle":
				if para != nil {
					para.style = attr(t, "val")
				}
			case "outlineLvl":
				if para != nil {
					if lvl, err := strconv.Atoi(attr(t, "val")); err == nil && lvl < 6 {
						para.outline = lvl + 1
					}
				}
			case "numPr":
				if para != nil {
					para.list = true
				}
			case "tab":
				if para != nil {
					para.text.WriteString("\t")
				}
			case "br", "cr":
				if attr(t, "type") == "page" {
					explicitBreaks++
				} else if para != nil {
					para.text.WriteString(" ")
				}
			case "lastRenderedPageBreak":
				renderedBreaks++
			case "t":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return nil, fmt.Errorf("decoding text run: %w", err)
				}
				if para != nil {
					para.text.WriteString(s)
				}
			}

		case xml.EndElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				if para == nil {
					continue
				}
				if depth > 0 && cell != nil {
					if cell.Len() > 0 {
						cell.WriteString(" ")
					}
					cell.WriteString(strings.TrimSpace(para.text.String()))
				} else if el, ok := para.element(page()); ok {
					ext.elements = append(ext.elements, el)
				}
				para = nil
			case "tc":
				if cell != nil {
					row = append(row, strings.ReplaceAll(cell.String(), "|", `\|`))
				}
				cell = nil
			case "tr":
				if len(row) > 0 {
					tableRows = append(tableRows, "| "+strings.Join(row, " | ")+" |")
					if len(tableRows) == 1 {
						tableRows = append(tableRows, "|"+strings.Repeat(" --- |", len(row)))
					}
				}
			case "tbl":
				depth--
				if depth == 0 && len(tableRows) > 0 {
					ext.elements = append(ext.elements, Element{Kind: ElementTable, Text: strings.Join(tableRows, "\n"), Page: page()})
					tableRows = nil
				}
			}
		}
	}

	ext.pageCount = page()
	return ext, nil
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func readPageCount(f *zip.File) (int, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var props struct {
		Pages int `xml:"Pages"`
	}
	if err := xml.NewDecoder(rc).Decode(&props); err != nil {
		return 0, err
	}
	return props.Pages, nil
}
