package session

import (
	"strings"
	"unicode/utf8"
)

// DefaultCharBudget is the segment length, in runes, at which the segmenter
// emits even without a boundary rune.
const DefaultCharBudget = 250

// boundaryRunes end a speakable segment. A newline counts as a boundary too.
const boundaryRunes = ".!?…\n"

// Segmenter cuts a token stream into speakable segments with bounded
// latency. Tokens are appended to a buffer; once the buffer reaches the char
// budget or contains a boundary rune, the trimmed buffer is emitted as one
// segment. The concatenation of all emitted segments equals the trimmed
// concatenation of all pushed tokens.
//
// Segmenter is a plain value with no synchronisation; use it from one
// goroutine.
type Segmenter struct {
	charBudget int
	buf        strings.Builder
}

// NewSegmenter returns a Segmenter with the given char budget; zero or
// negative means [DefaultCharBudget].
func NewSegmenter(charBudget int) *Segmenter {
	if charBudget <= 0 {
		charBudget = DefaultCharBudget
	}
	return &Segmenter{charBudget: charBudget}
}

// Push appends one token and returns the emitted segment, if any. The
// returned string is trimmed and non-empty when ok is true.
func (s *Segmenter) Push(token string) (segment string, ok bool) {
	if token == "" {
		return "", false
	}
	s.buf.WriteString(token)
	text := s.buf.String()
	if utf8.RuneCountInString(text) < s.charBudget && !strings.ContainsAny(text, boundaryRunes) {
		return "", false
	}
	s.buf.Reset()
	segment = strings.TrimSpace(text)
	return segment, segment != ""
}

// Flush emits the remaining buffer at end of stream, if non-empty.
func (s *Segmenter) Flush() (segment string, ok bool) {
	segment = strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return segment, segment != ""
}
