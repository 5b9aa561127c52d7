package jsfmt

import "strings"

type tokKind int

const (
	tokWord tokKind = iota
	tokString
	tokRegex
	tokPunct
	tokLineComment
	tokBlockComment
)

type token struct {
	kind tokKind
	text string
}

// puncts is ordered longest first for maximal munch.
var puncts = []string{
	">>>=", "...", "===", "!==", "**=", "<<=", ">>=", ">>>", "&&=", "||=", "??=",
	"=>", "==", "!=", "<=", ">=", "&&", "||", "??", "?.", "++", "--",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "**", "<<", ">>",
}

// regexAfterWord lists keywords after which a slash starts a regex literal.
var regexAfterWord = map[string]bool{
	"return": true, "typeof": true, "case": true, "do": true, "else": true,
	"in": true, "of": true, "void": true, "delete": true, "throw": true,
	"new": true, "instanceof": true, "yield": true, "await": true,
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// lex splits src into coarse tokens. It never fails: unterminated literals
// run to the end of input.
func lex(src string) []token {
	var toks []token
	var prev *token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			toks = append(toks, token{tokLineComment, strings.TrimRight(src[i:i+end], "\r")})
			i += end
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				end = len(src) - i - 2
			} else {
				end += 2
			}
			toks = append(toks, token{tokBlockComment, src[i : i+2+end]})
			i += 2 + end
			continue
		case c == '"' || c == '\'':
			j := skipQuoted(src, i)
			toks = append(toks, token{tokString, src[i:j]})
			i = j
		case c == '`':
			j := skipTemplate(src, i)
			toks = append(toks, token{tokString, src[i:j]})
			i = j
		case c == '/' && regexAllowed(prev):
			j := skipRegex(src, i)
			toks = append(toks, token{tokRegex, src[i:j]})
			i = j
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := i
			for j < len(src) {
				d := src[j]
				if isWordByte(d) || d == '.' {
					j++
					continue
				}
				if (d == '+' || d == '-') && (src[j-1] == 'e' || src[j-1] == 'E') && !strings.HasPrefix(src[i:], "0x") {
					j++
					continue
				}
				break
			}
			toks = append(toks, token{tokWord, src[i:j]})
			i = j
		case isWordByte(c):
			j := i
			for j < len(src) && isWordByte(src[j]) {
				j++
			}
			toks = append(toks, token{tokWord, src[i:j]})
			i = j
		default:
			p := string(c)
			for _, cand := range puncts {
				if strings.HasPrefix(src[i:], cand) {
					if cand == "?." && i+2 < len(src) && isDigit(src[i+2]) {
						continue
					}
					p = cand
					break
				}
			}
			toks = append(toks, token{tokPunct, p})
			i += len(p)
		}
		prev = &toks[len(toks)-1]
	}
	return toks
}

func regexAllowed(prev *token) bool {
	if prev == nil {
		return true
	}
	switch prev.kind {
	case tokWord:
		return regexAfterWord[prev.text]
	case tokString, tokRegex:
		return false
	case tokPunct:
		switch prev.text {
		case ")", "]", "}", "++", "--":
			return false
		}
		return true
	}
	return true
}

func skipQuoted(src string, i int) int {
	q := src[i]
	j := i + 1
	for j < len(src) {
		switch src[j] {
		case '\\':
			j += 2
			continue
		case q:
			return j + 1
		case '\n':
			return j
		}
		j++
	}
	return len(src)
}

// skipTemplate returns the index just past the template literal starting at
// i, following ${ } substitutions and any literals nested inside them.
func skipTemplate(src string, i int) int {
	j := i + 1
	for j < len(src) {
		switch src[j] {
		case '\\':
			j += 2
			continue
		case '`':
			return j + 1
		case '$':
			if j+1 < len(src) && src[j+1] == '{' {
				j = skipSubstitution(src, j+2)
				continue
			}
		}
		j++
	}
	return len(src)
}

func skipSubstitution(src string, j int) int {
	depth := 1
	for j < len(src) {
		switch src[j] {
		case '"', '\'':
			j = skipQuoted(src, j)
			continue
		case '`':
			j = skipTemplate(src, j)
			continue
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
		j++
	}
	return len(src)
}

func skipRegex(src string, i int) int {
	j := i + 1
	inClass := false
	for j < len(src) {
		switch src[j] {
		case '\\':
			j += 2
			continue
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '\n':
			return j
		case '/':
			if !inClass {
				j++
				for j < len(src) && isWordByte(src[j]) {
					j++
				}
				return j
			}
		}
		j++
	}
	return len(src)
}
