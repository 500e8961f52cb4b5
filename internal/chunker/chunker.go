// Package chunker splits raw document text into overlapping fragments
// suitable for embedding and vector storage.
package chunker

import (
	"errors"
	"fmt"
)

// Default chunking parameters, matching the ingestion pipeline defaults.
const (
	DefaultMaxSize = 1000
	DefaultOverlap = 200
)

// ErrInvalidConfig indicates invalid chunker configuration.
var ErrInvalidConfig = errors.New("invalid chunker configuration")

// separators are tried in order when looking for a natural cut point.
// A cut is placed immediately after the separator.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", " "}

// Chunker splits text into fragments of at most MaxSize runes, where each
// fragment repeats the trailing Overlap runes of its predecessor so that
// context survives fragment boundaries.
//
// Splitting prefers paragraph and sentence boundaries near the end of the
// window and falls back to a hard cut. The output is deterministic for
// identical input and configuration.
type Chunker struct {
	maxSize int
	overlap int
}

// New creates a Chunker. maxSize bounds fragment length in runes; overlap is
// the number of trailing runes repeated at the start of the next fragment.
// overlap >= maxSize cannot make progress and is rejected.
func New(maxSize, overlap int) (*Chunker, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfig, maxSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must be non-negative, got %d", ErrInvalidConfig, overlap)
	}
	if overlap >= maxSize {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than max size %d", ErrInvalidConfig, overlap, maxSize)
	}
	return &Chunker{maxSize: maxSize, overlap: overlap}, nil
}

// Default returns a Chunker with the package default parameters.
func Default() *Chunker {
	c, err := New(DefaultMaxSize, DefaultOverlap)
	if err != nil {
		// Unreachable: the defaults are valid by construction.
		panic(err)
	}
	return c
}

// MaxSize returns the configured fragment size bound in runes.
func (c *Chunker) MaxSize() int { return c.maxSize }

// Overlap returns the configured overlap in runes.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text into an ordered sequence of fragments.
//
// Empty text yields zero fragments; callers must treat that as "nothing to
// index", not an error. Text no longer than MaxSize yields exactly one
// fragment. Lengths are measured in runes so multi-byte characters are never
// cut in half.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	if n <= c.maxSize {
		return []string{text}
	}

	var fragments []string
	for start := 0; start < n; {
		end := start + c.maxSize
		if end >= n {
			fragments = append(fragments, string(runes[start:n]))
			// The stride ignores the cap at the end of the text so the
			// trailing region is covered the same way interior ones are.
			start += c.maxSize - c.overlap
			continue
		}

		cut := c.cutPoint(runes, start, end)
		fragments = append(fragments, string(runes[start:cut]))
		start = cut - c.overlap
	}
	return fragments
}

// cutPoint returns the position to cut a fragment starting at start, at most
// end. It searches the tail of the window for a natural boundary; the cut
// must stay far enough past start that the next fragment makes progress after
// the overlap rewind.
func (c *Chunker) cutPoint(runes []rune, start, end int) int {
	window := c.maxSize / 5
	low := end - window
	if min := start + c.overlap + 1; low < min {
		low = min
	}
	if low >= end {
		return end
	}
	for _, sep := range separators {
		if cut := lastSeparator(runes, low, end, []rune(sep)); cut >= 0 {
			return cut
		}
	}
	return end
}

// lastSeparator finds the rightmost occurrence of sep whose end falls in
// (low, end] and returns the position just past it, or -1 if none.
func lastSeparator(runes []rune, low, end int, sep []rune) int {
	for i := end - len(sep); i >= low-len(sep) && i >= 0; i-- {
		if i+len(sep) <= low {
			break
		}
		if matchAt(runes, i, sep) {
			return i + len(sep)
		}
	}
	return -1
}

func matchAt(runes []rune, i int, sep []rune) bool {
	if i < 0 || i+len(sep) > len(runes) {
		return false
	}
	for j, r := range sep {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}
