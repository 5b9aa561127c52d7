package sandbox

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

type tokType int

const (
	tEOF tokType = iota
	tIdent
	tNum
	tStr
	tTemplate
	tPunct
)

type tok struct {
	typ  tokType
	text string  // identifier, punctuator or raw literal text
	num  float64 // tNum
	str  string  // decoded tStr
	pos  int
	nl   bool // a line terminator precedes this token

	// tTemplate: cooked string parts around each substitution source.
	quasis []string
	subs   []string
}

var punctList = []string{
	">>>=", "...", "===", "!==", "**=", "<<=", ">>=", ">>>", "&&=", "||=", "??=",
	"=>", "==", "!=", "<=", ">=", "&&", "||", "??", "?.", "++", "--",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "**", "<<", ">>",
	"{", "}", "(", ")", "[", "]", ";", ",", "<", ">", "+", "-", "*", "/", "%",
	"&", "|", "^", "!", "~", "?", ":", "=", ".",
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r >= 0x80
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}

func tokenize(src string) ([]tok, error) {
	var toks []tok
	i := 0
	nl := false
	for {
		// Whitespace and comments.
		for i < len(src) {
			c := src[i]
			if c == '\n' || c == '\r' {
				nl = true
				i++
				continue
			}
			if c == ' ' || c == '\t' || c == '\f' || c == '\v' {
				i++
				continue
			}
			if strings.HasPrefix(src[i:], "\u2028") || strings.HasPrefix(src[i:], "\u2029") {
				nl = true
				i += 3
				continue
			}
			if strings.HasPrefix(src[i:], "//") {
				for i < len(src) && src[i] != '\n' {
					i++
				}
				continue
			}
			if strings.HasPrefix(src[i:], "/*") {
				end := strings.Index(src[i+2:], "*/")
				if end < 0 {
					return nil, syntaxErrorf(i, "unterminated comment")
				}
				if strings.ContainsAny(src[i:i+2+end], "\n\r") {
					nl = true
				}
				i += end + 4
				continue
			}
			break
		}
		if i >= len(src) {
			toks = append(toks, tok{typ: tEOF, pos: i, nl: nl})
			return toks, nil
		}

		start := i
		c := src[i]
		var t tok
		switch {
		case c == '"' || c == '\'':
			s, n, err := readString(src, i)
			if err != nil {
				return nil, err
			}
			t = tok{typ: tStr, text: src[i:n], str: s}
			i = n
		case c == '`':
			q, subs, n, err := readTemplate(src, i)
			if err != nil {
				return nil, err
			}
			t = tok{typ: tTemplate, text: src[i:n], quasis: q, subs: subs}
			i = n
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			v, n, err := readNumber(src, i)
			if err != nil {
				return nil, err
			}
			t = tok{typ: tNum, text: src[i:n], num: v}
			i = n
		default:
			r, size := utf8.DecodeRuneInString(src[i:])
			if isIdentStart(r) {
				j := i
				for j < len(src) {
					r, size = utf8.DecodeRuneInString(src[j:])
					if !isIdentPart(r) {
						break
					}
					j += size
				}
				if j == i {
					return nil, syntaxErrorf(i, "unexpected character %q", r)
				}
				t = tok{typ: tIdent, text: src[i:j]}
				i = j
				break
			}
			matched := ""
			for _, p := range punctList {
				if strings.HasPrefix(src[i:], p) {
					matched = p
					break
				}
			}
			if matched == "" {
				return nil, syntaxErrorf(i, "unexpected character %q", r)
			}
			if matched == "?." && i+2 < len(src) && src[i+2] >= '0' && src[i+2] <= '9' {
				matched = "?"
			}
			t = tok{typ: tPunct, text: matched}
			i += len(matched)
		}
		t.pos = start
		t.nl = nl
		nl = false
		toks = append(toks, t)
	}
}

func readNumber(src string, i int) (float64, int, error) {
	j := i
	if src[j] == '0' && j+1 < len(src) && strings.ContainsRune("xXoObB", rune(src[j+1])) {
		base := 16
		switch src[j+1] {
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		j += 2
		k := j
		for k < len(src) && (isHex(src[k]) || src[k] == '_') {
			k++
		}
		digits := strings.ReplaceAll(src[j:k], "_", "")
		u, err := strconv.ParseUint(digits, base, 64)
		if err != nil {
			return 0, 0, syntaxErrorf(i, "bad number %q", src[i:k])
		}
		return float64(u), k, nil
	}
	for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '_') {
		j++
	}
	if j < len(src) && src[j] == '.' {
		j++
		for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '_') {
			j++
		}
	}
	if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < len(src) && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < len(src) && src[k] >= '0' && src[k] <= '9' {
			for k < len(src) && src[k] >= '0' && src[k] <= '9' {
				k++
			}
			j = k
		}
	}
	if j < len(src) && src[j] == 'n' {
		return 0, 0, syntaxErrorf(i, "bigint literals are not supported")
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(src[i:j], "_", ""), 64)
	if err != nil {
		return 0, 0, syntaxErrorf(i, "bad number %q", src[i:j])
	}
	return v, j, nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// readEscape decodes the escape sequence after the backslash at src[i] and
// returns the decoded text and the index after it.
func readEscape(src string, i int) (string, int, error) {
	if i+1 >= len(src) {
		return "", 0, syntaxErrorf(i, "unterminated escape")
	}
	c := src[i+1]
	switch c {
	case 'n':
		return "\n", i + 2, nil
	case 't':
		return "\t", i + 2, nil
	case 'r':
		return "\r", i + 2, nil
	case 'b':
		return "\b", i + 2, nil
	case 'f':
		return "\f", i + 2, nil
	case 'v':
		return "\v", i + 2, nil
	case '0':
		if i+2 < len(src) && src[i+2] >= '0' && src[i+2] <= '9' {
			return "", 0, syntaxErrorf(i, "octal escapes are not supported")
		}
		return "\x00", i + 2, nil
	case '\r':
		if i+2 < len(src) && src[i+2] == '\n' {
			return "", i + 3, nil
		}
		return "", i + 2, nil
	case '\n':
		return "", i + 2, nil
	case 'x':
		if i+4 > len(src) {
			return "", 0, syntaxErrorf(i, "bad \\x escape")
		}
		v, err := strconv.ParseUint(src[i+2:i+4], 16, 8)
		if err != nil {
			return "", 0, syntaxErrorf(i, "bad \\x escape")
		}
		return string(rune(v)), i + 4, nil
	case 'u':
		r, n, err := readUnicodeEscape(src, i)
		if err != nil {
			return "", 0, err
		}
		if utf16.IsSurrogate(r) && n+1 < len(src) && src[n] == '\\' && src[n+1] == 'u' {
			if r2, n2, err := readUnicodeEscape(src, n); err == nil {
				if dec := utf16.DecodeRune(r, r2); dec != utf8.RuneError {
					return string(dec), n2, nil
				}
			}
		}
		return string(r), n, nil
	}
	r, size := utf8.DecodeRuneInString(src[i+1:])
	return string(r), i + 1 + size, nil
}

func readUnicodeEscape(src string, i int) (rune, int, error) {
	if i+2 < len(src) && src[i+2] == '{' {
		end := strings.IndexByte(src[i+3:], '}')
		if end < 0 {
			return 0, 0, syntaxErrorf(i, "bad \\u escape")
		}
		v, err := strconv.ParseUint(src[i+3:i+3+end], 16, 32)
		if err != nil {
			return 0, 0, syntaxErrorf(i, "bad \\u escape")
		}
		return rune(v), i + 4 + end, nil
	}
	if i+6 > len(src) {
		return 0, 0, syntaxErrorf(i, "bad \\u escape")
	}
	v, err := strconv.ParseUint(src[i+2:i+6], 16, 16)
	if err != nil {
		return 0, 0, syntaxErrorf(i, "bad \\u escape")
	}
	return rune(v), i + 6, nil
}

func readString(src string, i int) (string, int, error) {
	q := src[i]
	var b strings.Builder
	j := i + 1
	for j < len(src) {
		c := src[j]
		switch {
		case c == q:
			return b.String(), j + 1, nil
		case c == '\\':
			s, n, err := readEscape(src, j)
			if err != nil {
				return "", 0, err
			}
			b.WriteString(s)
			j = n
		case c == '\n' || c == '\r':
			return "", 0, syntaxErrorf(i, "unterminated string")
		default:
			b.WriteByte(c)
			j++
		}
	}
	return "", 0, syntaxErrorf(i, "unterminated string")
}

func readTemplate(src string, i int) ([]string, []string, int, error) {
	var quasis, subs []string
	var b strings.Builder
	j := i + 1
	for j < len(src) {
		c := src[j]
		switch {
		case c == '`':
			quasis = append(quasis, b.String())
			return quasis, subs, j + 1, nil
		case c == '\\':
			s, n, err := readEscape(src, j)
			if err != nil {
				return nil, nil, 0, err
			}
			b.WriteString(s)
			j = n
		case c == '$' && j+1 < len(src) && src[j+1] == '{':
			end, err := substitutionEnd(src, j+2)
			if err != nil {
				return nil, nil, 0, err
			}
			quasis = append(quasis, b.String())
			b.Reset()
			subs = append(subs, src[j+2:end])
			j = end + 1
		default:
			b.WriteByte(c)
			j++
		}
	}
	return nil, nil, 0, syntaxErrorf(i, "unterminated template")
}

// substitutionEnd returns the index of the "}" closing a template
// substitution whose body starts at j.
func substitutionEnd(src string, j int) (int, error) {
	depth := 0
	for j < len(src) {
		switch src[j] {
		case '"', '\'':
			_, n, err := readString(src, j)
			if err != nil {
				return 0, err
			}
			j = n
			continue
		case '`':
			_, _, n, err := readTemplate(src, j)
			if err != nil {
				return 0, err
			}
			j = n
			continue
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return j, nil
			}
			depth--
		}
		j++
	}
	return 0, syntaxErrorf(j, "unterminated template substitution")
}

func syntaxErrorf(pos int, format string, args ...any) error {
	return &EvaluationError{Kind: ErrSyntax, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
