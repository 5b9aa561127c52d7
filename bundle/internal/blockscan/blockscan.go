// Package blockscan extracts multi-line blocks from normalized JavaScript.
//
// Input is expected in jsfmt layout: a block opens with "{" at the end of a
// line and closes with a line starting with "}" at the opening line's
// indentation. Everything here is line oriented except MatchBrace, which
// works on raw text for literals that may sit inside a single line.
package blockscan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrStructuralMismatch reports that a block's terminator was never found.
var ErrStructuralMismatch = errors.New("blockscan: block terminator not found")

// MismatchError locates a structural mismatch.
type MismatchError struct {
	Offset int // byte offset of the block start
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", ErrStructuralMismatch, e.Offset, e.Reason)
}

func (e *MismatchError) Unwrap() error { return ErrStructuralMismatch }

// Text is normalized source split into lines. Offsets are byte offsets into
// the original string.
type Text struct {
	src    string
	starts []int
}

func New(src string) *Text {
	t := &Text{src: src, starts: []int{0}}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' && i+1 < len(src) {
			t.starts = append(t.starts, i+1)
		}
	}
	return t
}

func (t *Text) Source() string { return t.src }

func (t *Text) Len() int { return len(t.starts) }

// Line returns line i without its trailing newline.
func (t *Text) Line(i int) string {
	end := len(t.src)
	if i+1 < len(t.starts) {
		end = t.starts[i+1] - 1
	}
	return strings.TrimSuffix(t.src[t.starts[i]:end], "\n")
}

// Offset returns the byte offset of the start of line i.
func (t *Text) Offset(i int) int { return t.starts[i] }

// LineAt returns the index of the line containing byte offset off.
func (t *Text) LineAt(off int) int {
	return sort.Search(len(t.starts), func(i int) bool { return t.starts[i] > off }) - 1
}

// Indent returns the number of leading spaces and tabs of line.
func Indent(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// Block is a captured span of lines, inclusive on both ends.
type Block struct {
	Start, End int
	Offset     int // byte offset of the first line
	Text       string
}

// scanState is the explicit state of one indentation scan.
type scanState struct {
	base  int // indentation of the opening line
	depth int // open "{" lines, including the opening one
}

// step feeds one line to the scan and reports whether it closes the block.
func (s *scanState) step(line string) (closed bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false, nil
	}
	ind := Indent(line)
	if ind < s.base {
		return false, errors.New("indentation decreased before block closed")
	}
	if strings.HasPrefix(trimmed, "}") {
		s.depth--
		if ind == s.base {
			if s.depth != 0 {
				return false, fmt.Errorf("closing line at depth %d", s.depth)
			}
			return true, nil
		}
	}
	if strings.HasSuffix(trimmed, "{") {
		s.depth++
	}
	return false, nil
}

// Capture returns the block that opens on line start. If the line does not
// end with "{" the block is that single line.
func (t *Text) Capture(start int) (Block, error) {
	first := t.Line(start)
	b := Block{Start: start, End: start, Offset: t.Offset(start)}
	if !strings.HasSuffix(strings.TrimRight(first, " "), "{") {
		b.Text = first
		return b, nil
	}
	st := scanState{base: Indent(first), depth: 1}
	for i := start + 1; i < t.Len(); i++ {
		closed, err := st.step(t.Line(i))
		if err != nil {
			return Block{}, &MismatchError{Offset: b.Offset, Reason: err.Error()}
		}
		if closed {
			b.End = i
			b.Text = t.span(start, i)
			return b, nil
		}
	}
	return Block{}, &MismatchError{Offset: b.Offset, Reason: "reached end of input"}
}

func (t *Text) span(from, to int) string {
	end := len(t.src)
	if to+1 < len(t.starts) {
		end = t.starts[to+1] - 1
	}
	return t.src[t.starts[from]:end]
}

// Find returns the index of the first line at or after from for which match
// is true, or -1.
func (t *Text) Find(from int, match func(string) bool) int {
	for i := max(from, 0); i < t.Len(); i++ {
		if match(t.Line(i)) {
			return i
		}
	}
	return -1
}

// Outermost walks upward from line, visiting each enclosing line (the
// nearest earlier line with smaller indentation, then its parent, and so
// on), and returns the outermost one accepted by match.
func (t *Text) Outermost(line int, match func(string) bool) (int, bool) {
	found := -1
	ind := Indent(t.Line(line))
	for i := line - 1; i >= 0 && ind > 0; i-- {
		l := t.Line(i)
		if strings.TrimSpace(l) == "" {
			continue
		}
		li := Indent(l)
		if li >= ind {
			continue
		}
		ind = li
		if match(l) {
			found = i
		}
	}
	return found, found >= 0
}

// MatchBrace returns the offset just past the brace that closes the one at
// src[open]. Braces inside strings, templates and comments are ignored.
func MatchBrace(src string, open int) (int, error) {
	if open >= len(src) || src[open] != '{' {
		return 0, &MismatchError{Offset: open, Reason: "no opening brace"}
	}
	depth := 0
	for i := open; i < len(src); i++ {
		switch c := src[i]; c {
		case '"', '\'', '`':
			j, ok := skipString(src, i)
			if !ok {
				return 0, &MismatchError{Offset: open, Reason: "unterminated string"}
			}
			i = j - 1
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				nl := strings.IndexByte(src[i:], '\n')
				if nl < 0 {
					return 0, &MismatchError{Offset: open, Reason: "reached end of input"}
				}
				i += nl
			} else if i+1 < len(src) && src[i+1] == '*' {
				end := strings.Index(src[i+2:], "*/")
				if end < 0 {
					return 0, &MismatchError{Offset: open, Reason: "unterminated comment"}
				}
				i += end + 3
			}
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, &MismatchError{Offset: open, Reason: "reached end of input"}
}

func skipString(src string, i int) (int, bool) {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j + 1, true
		case '\n':
			if q != '`' {
				return 0, false
			}
		}
	}
	return 0, false
}
