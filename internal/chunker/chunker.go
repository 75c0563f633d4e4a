// Package chunker splits raw document text into overlapping word-bounded
// segments. Chunking is deterministic: re-running it over the same text
// always yields the same segments, which keeps re-ingestion idempotent.
package chunker

import (
	"errors"
	"strings"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// ErrInvalidChunking is a configuration error, fatal at setup and never
// retried.
var ErrInvalidChunking = errors.New("chunk overlap must be smaller than chunk size")

type Chunker struct {
	size    int
	overlap int
}

// New validates the chunking parameters once. Size and overlap are counted
// in words.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= size {
		return nil, ErrInvalidChunking
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Chunk splits text on word boundaries into segments of at most size words.
// Every chunk after the first starts overlap words before the previous
// chunk's end, so each boundary word appears in two consecutive chunks.
// Empty or whitespace-only text yields zero chunks.
func (c *Chunker) Chunk(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	if len(words) <= c.size {
		return []string{strings.Join(words, " ")}
	}

	step := c.size - c.overlap
	chunks := make([]string, 0, (len(words)+step-1)/step)
	for start := 0; start < len(words); start += step {
		end := start + c.size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
