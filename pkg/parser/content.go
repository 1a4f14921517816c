package parser

import (
	"strings"
	"unicode/utf8"
)

const elementSeparator = "\n\n"

// assemble normalizes the extracted elements, computes their offsets in the
// plain text and renders the Markdown view.
func assemble(format Format, ext *extraction) *ParsedContent {
	content := &ParsedContent{
		Format:    format.String(),
		PageCount: ext.pageCount,
		Sections:  []Section{},
		Elements:  make([]Element, 0, len(ext.elements)),
	}

	var text, md strings.Builder
	offset := 0
	for _, el := range ext.elements {
		el.Text = normalize(el.Text, el.Kind == ElementCode || el.Kind == ElementTable)
		if el.Text == "" {
			continue
		}

		if len(content.Elements) > 0 {
			text.WriteString(elementSeparator)
			md.WriteString(elementSeparator)
			offset += len(elementSeparator)
		}

		el.Start = offset
		el.End = offset + utf8.RuneCountInString(el.Text)
		offset = el.End

		text.WriteString(el.Text)
		md.WriteString(renderMarkdown(el))

		if el.Kind == ElementHeading {
			content.Sections = append(content.Sections, Section{
				Title: el.Text,
				Level: el.Level,
				Page:  el.Page,
				Start: el.Start,
			})
		}
		content.Elements = append(content.Elements, el)
	}

	content.Text = text.String()
	content.Markdown = md.String()
	return content
}

func renderMarkdown(el Element) string {
	switch el.Kind {
	case ElementHeading:
		level := min(max(el.Level, 1), 6)
		return strings.Repeat("#", level) + " " + el.Text
	case ElementListItem:
		return "- " + el.Text
	case ElementCode:
		return "```\n" + el.Text + "\n```"
	default:
		return el.Text
	}
}

// normalize trims the element and collapses whitespace runs. Preformatted
// elements keep their inner line structure.
func normalize(s string, preformatted bool) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if preformatted {
		return strings.Trim(s, "\n")
	}
	return strings.Join(strings.Fields(s), " ")
}
