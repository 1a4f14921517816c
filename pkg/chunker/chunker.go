// Package chunker splits parsed documents into token bounded chunks that
// keep character offsets into the extracted text.
package chunker

import (
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/gofrs/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/instill-ai/ingestion-backend/pkg/parser"
	"github.com/instill-ai/ingestion-backend/pkg/types"
)

const (
	// DefaultChunkSize is the token budget of a chunk.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the number of tokens repeated at the start of
	// the next chunk.
	DefaultChunkOverlap = 200

	// encodingModel is the tokenizer used to measure chunks.
	encodingModel = "gpt-4"
)

// Chunk is a bounded piece of a document. Start and End are character
// offsets into the extracted text the chunk was cut from.
type Chunk struct {
	ID           string
	Index        int
	DocumentUID  types.DocumentUIDType
	DocumentName string
	Text         string
	Start        int
	End          int
	Tokens       int
	PageStart    int
	PageEnd      int
	SectionPath  []string
}

// ChunkID derives the stable identifier of the index-th chunk of a document.
// Re-chunking a document yields the same identifiers, so writes overwrite.
func ChunkID(documentUID types.DocumentUIDType, index int) string {
	return uuid.NewV5(documentUID, strconv.Itoa(index)).String()
}

// TokenCounter returns the number of tokens in a text.
type TokenCounter func(string) int

// Chunker packs document elements into chunks.
type Chunker struct {
	size    int
	overlap int
	count   TokenCounter
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithTokenCounter replaces the tiktoken counter.
func WithTokenCounter(f TokenCounter) Option {
	return func(c *Chunker) { c.count = f }
}

// New returns a Chunker with the given token budget and overlap.
func New(size, overlap int, opts ...Option) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}

	c := &Chunker{size: size, overlap: overlap}
	for _, o := range opts {
		o(c)
	}

	if c.count == nil {
		tkm, err := tiktoken.EncodingForModel(encodingModel)
		if err != nil {
			// Fall back to a rough estimate of ~4 characters per token.
			c.count = func(s string) int { return (utf8.RuneCountInString(s) + 3) / 4 }
		} else {
			c.count = func(s string) int { return len(tkm.Encode(s, nil, nil)) }
		}
	}
	return c, nil
}

// unit is a word of the extracted text with its position and token cost.
type unit struct {
	start, end int // character offsets
	tokens     int
	element    int
	first      bool // first word of its element
}

// Chunk splits content into ordered chunks. It returns no chunk when the
// content holds no text after normalization.
func (c *Chunker) Chunk(content *parser.ParsedContent, documentUID types.DocumentUIDType, documentName string) []Chunk {
	if content == nil {
		return nil
	}

	text := []rune(content.Text)
	units := c.units(content, text)
	if len(units) == 0 {
		return nil
	}

	var chunks []Chunk
	for begin := 0; begin < len(units); {
		end := c.pack(units, begin)

		first, last := units[begin], units[end-1]
		chunk := Chunk{
			Index:        len(chunks),
			DocumentUID:  documentUID,
			DocumentName: documentName,
			Text:         string(text[first.start:last.end]),
			Start:        first.start,
			End:          last.end,
		}
		chunk.ID = ChunkID(documentUID, chunk.Index)
		chunk.Tokens = c.count(chunk.Text)
		chunk.PageStart = content.Elements[first.element].Page
		chunk.PageEnd = content.Elements[last.element].Page
		chunk.SectionPath = sectionPath(content.Sections, first.start)
		chunks = append(chunks, chunk)

		if end == len(units) {
			break
		}
		begin = c.rewind(units, begin, end)
	}

	return chunks
}

// pack returns the end (exclusive) of the chunk starting at begin. A chunk
// closes early at an element boundary when the next element doesn't fit and
// the chunk is already a quarter full.
func (c *Chunker) pack(units []unit, begin int) int {
	total := 0
	for i := begin; i < len(units); i++ {
		u := units[i]
		if i > begin && total+u.tokens > c.size {
			return i
		}
		if i > begin && u.first && total >= c.size/4 && total+elementTokens(units, i) > c.size {
			return i
		}
		total += u.tokens
	}
	return len(units)
}

// rewind moves the start of the next chunk back over at most overlap tokens
// while still advancing past begin.
func (c *Chunker) rewind(units []unit, begin, end int) int {
	next := end
	tokens := 0
	for next-1 > begin && tokens+units[next-1].tokens <= c.overlap {
		next--
		tokens += units[next].tokens
	}
	return next
}

func elementTokens(units []unit, i int) int {
	total := 0
	for j := i; j < len(units) && units[j].element == units[i].element; j++ {
		total += units[j].tokens
	}
	return total
}

// units splits every element into words. Offsets are recovered from the
// element offsets so that chunk text is an exact substring of the content.
func (c *Chunker) units(content *parser.ParsedContent, text []rune) []unit {
	var units []unit
	cache := map[string]int{}
	for ei, el := range content.Elements {
		if el.Start < 0 || el.End > len(text) || el.Start >= el.End {
			continue
		}
		first := true
		i := el.Start
		for i < el.End {
			for i < el.End && unicode.IsSpace(text[i]) {
				i++
			}
			start := i
			for i < el.End && !unicode.IsSpace(text[i]) {
				i++
			}
			if start == i {
				continue
			}
			word := string(text[start:i])
			tokens, ok := cache[word]
			if !ok {
				tokens = max(c.count(" "+word), 1)
				cache[word] = tokens
			}
			units = append(units, unit{start: start, end: i, tokens: tokens, element: ei, first: first})
			first = false
		}
	}
	return units
}

// sectionPath returns the heading hierarchy in effect at offset.
func sectionPath(sections []parser.Section, offset int) []string {
	var stack []parser.Section
	for _, s := range sections {
		if s.Start > offset {
			break
		}
		for len(stack) > 0 && stack[len(stack)-1].Level >= s.Level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, s)
	}
	if len(stack) == 0 {
		return nil
	}
	path := make([]string, len(stack))
	for i, s := range stack {
		path[i] = s.Title
	}
	return path
}
