package parser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// maxLineSize bounds a single line of a text based document.
const maxLineSize = 4 * 1024 * 1024

// readLines reads a UTF-8 text file line by line, checking ctx between lines.
func readLines(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !utf8.ValidString(line) {
			line = strings.ToValidUTF8(line, "")
		}
		lines = append(lines, strings.TrimRight(line, "\r"))
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("%w: %v", ErrLineTooLong, err)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return lines, nil
}

// extractText splits plain text into paragraphs on blank lines.
func extractText(ctx context.Context, path string) (*extraction, error) {
	lines, err := readLines(ctx, path)
	if err != nil {
		return nil, err
	}

	ext := &extraction{}
	var para []string
	flush := func() {
		if len(para) == 0 {
			return
		}
		ext.elements = append(ext.elements, Element{Kind: ElementParagraph, Text: strings.Join(para, " ")})
		para = para[:0]
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		para = append(para, line)
	}
	flush()

	return ext, nil
}
