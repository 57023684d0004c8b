package llm

import (
	"log/slog"
	"strings"
)

const (
	// DefaultBreakMarker is the pause token the model is prompted to emit
	// between speakable phrases.
	DefaultBreakMarker = "||BREAK||"

	// DefaultMaxBuffer is the force-flush safety cap in bytes, for models
	// that ignore the marker instruction.
	DefaultMaxBuffer = 400
)

// Chunker splits a streamed model response into speakable chunks.
//
// Tokens are fed in as they arrive; a chunk is emitted at every break
// marker, so synthesis can start long before the model finishes. Text that
// accumulates past the safety cap without a marker is flushed anyway. Chunks
// are whitespace-trimmed and empty ones discarded.
//
// Chunker is not safe for concurrent use; one model stream owns it.
type Chunker struct {
	marker    string
	maxBuffer int

	buf          strings.Builder
	forceFlushes int
}

// NewChunker creates a Chunker. Empty marker and non-positive cap fall back
// to the defaults.
func NewChunker(marker string, maxBuffer int) *Chunker {
	if marker == "" {
		marker = DefaultBreakMarker
	}
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Chunker{marker: marker, maxBuffer: maxBuffer}
}

// Feed appends one token's text and returns any chunks that became complete.
// Every marker occurrence in the buffer produces a chunk; text after the
// last marker is held for the next call.
func (c *Chunker) Feed(text string) []string {
	if text == "" {
		return nil
	}
	c.buf.WriteString(text)

	var out []string
	for {
		s := c.buf.String()
		idx := strings.Index(s, c.marker)
		if idx < 0 {
			break
		}
		c.buf.Reset()
		c.buf.WriteString(s[idx+len(c.marker):])
		if chunk := strings.TrimSpace(s[:idx]); chunk != "" {
			out = append(out, chunk)
		}
	}

	// Safety cap: a model that never emits the marker still has to speak.
	if c.buf.Len() >= c.maxBuffer {
		c.forceFlushes++
		slog.Warn("chunker: force flush, no break marker seen",
			"buffered", c.buf.Len(), "cap", c.maxBuffer)
		if chunk := strings.TrimSpace(c.buf.String()); chunk != "" {
			out = append(out, chunk)
		}
		c.buf.Reset()
	}
	return out
}

// Flush returns the remaining buffered text at stream end, trimmed; empty
// string when nothing is held.
func (c *Chunker) Flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return s
}

// ForceFlushes returns how many safety-cap flushes occurred.
func (c *Chunker) ForceFlushes() int {
	return c.forceFlushes
}
