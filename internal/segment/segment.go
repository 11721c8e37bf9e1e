// Package segment splits a streamed LLM token sequence into synthesis-ready
// segments and detects the in-band hangup sentinel.
package segment

import (
	"strings"
	"unicode/utf8"
)

// Segment is a contiguous text slice bound for one TTS request. IsFinal marks
// the last segment of a turn that ends the call.
type Segment struct {
	Text    string
	IsFinal bool
}

// MaxSegmentRunes is the segmentation budget. Text without a sentence
// boundary inside the budget is cut exactly at it.
const MaxSegmentRunes = 250

// sentinel ends the call when it appears anywhere in the model output.
// Matching is case-insensitive.
const sentinel = "[hangup]"

// Extractor consumes tokens with arbitrary boundaries. Push returns the text
// that is safe to forward to the client (never any part of a sentinel, even
// one split across tokens) plus any segments that became ready. Scanning
// always runs over the accumulated buffer, not individual tokens; a trailing
// partial sentinel prefix is held back until it completes or a mismatching
// character arrives.
type Extractor struct {
	buf     string
	dispOff int // buf[:dispOff] already returned as display text
	segOff  int // buf[:segOff] already emitted as segments
	hangup  bool
	closed  bool
}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Hangup reports whether the sentinel was observed.
func (e *Extractor) Hangup() bool { return e.hangup }

// Push appends one token.
func (e *Extractor) Push(token string) (display string, segs []Segment) {
	if e.closed || token == "" {
		return "", nil
	}
	e.buf += token

	if idx := strings.Index(strings.ToLower(e.buf), sentinel); idx >= 0 {
		e.hangup = true
		e.closed = true
		display = e.buf[e.dispOff:idx]
		closing := trimClosing(e.buf[e.segOff:idx])
		// Everything after the sentinel is discarded; the caller cancels the
		// LLM stream.
		return display, []Segment{{Text: closing, IsFinal: true}}
	}

	safe := len(e.buf) - partialSentinelSuffix(e.buf)
	if safe > e.dispOff {
		display = e.buf[e.dispOff:safe]
		e.dispOff = safe
	}

	for e.segOff < safe {
		pending := e.buf[e.segOff:safe]
		window := pending[:prefixBytes(pending, MaxSegmentRunes)]
		if end := lastBoundary(window); end >= 0 {
			segs = append(segs, Segment{Text: pending[:end]})
			e.segOff += end
			continue
		}
		if utf8.RuneCountInString(pending) >= MaxSegmentRunes {
			segs = append(segs, Segment{Text: window})
			e.segOff += len(window)
			continue
		}
		break
	}

	e.compact()
	return display, segs
}

// Flush terminates the stream without a sentinel: remaining text (including a
// held-back partial prefix, which is now known to be ordinary text) is
// released for display and any residual below the boundary threshold is
// emitted as one non-final segment.
func (e *Extractor) Flush() (display string, segs []Segment) {
	if e.closed {
		return "", nil
	}
	e.closed = true
	display = e.buf[e.dispOff:]
	e.dispOff = len(e.buf)
	if residual := e.buf[e.segOff:]; strings.TrimSpace(residual) != "" {
		segs = append(segs, Segment{Text: residual})
	}
	e.segOff = len(e.buf)
	return display, segs
}

func (e *Extractor) compact() {
	keep := e.segOff
	if e.dispOff < keep {
		keep = e.dispOff
	}
	if keep < 4096 {
		return
	}
	e.buf = e.buf[keep:]
	e.dispOff -= keep
	e.segOff -= keep
}

// trimClosing strips trailing whitespace and any trailing characters that
// belong to a second, incomplete sentinel (e.g. "bye [[HANGUP]").
func trimClosing(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if h := partialSentinelSuffix(s); h > 0 {
		s = strings.TrimRight(s[:len(s)-h], " \t\r\n")
	}
	return s
}

// partialSentinelSuffix returns the length of the longest suffix of s that is
// a proper prefix of the sentinel, case-insensitively.
func partialSentinelSuffix(s string) int {
	for h := len(sentinel) - 1; h >= 1; h-- {
		if len(s) >= h && strings.EqualFold(s[len(s)-h:], sentinel[:h]) {
			return h
		}
	}
	return 0
}

// lastBoundary returns the byte offset just past the rightmost sentence
// terminator in window, or -1. The ellipsis rune counts like a period.
func lastBoundary(window string) int {
	end := -1
	for i, r := range window {
		switch r {
		case '.', '!', '?', '…':
			end = i + utf8.RuneLen(r)
		}
	}
	return end
}

// prefixBytes returns the byte length of the first n runes of s.
func prefixBytes(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
