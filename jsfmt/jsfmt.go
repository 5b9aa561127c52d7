// Package jsfmt reformats compact or minified JavaScript into a stable,
// indentation-expanded layout: one statement or object property per line,
// four spaces per nesting level.
//
// The output is content-preserving: every string, template, regex and
// comment is emitted verbatim and tokens keep their order. Only whitespace
// changes. Callers rely on the layout to locate the end of a multi-line
// literal by indentation, so the rules below are fixed:
//
//	- an object literal opens with "{" at the end of a line, each property
//	  sits on its own line one level deeper, and "}" closes at the opening
//	  line's indentation;
//	- a block body ("function () {", "if (...) {") follows the same shape
//	  with one statement per line;
//	- commas inside parentheses, brackets and blocks stay inline.
package jsfmt

import "strings"

// Indent is the per-level indentation unit.
const Indent = "    "

type frameKind int

const (
	frameBlock frameKind = iota
	frameObject
	frameParen
	frameBracket
)

type frame struct {
	kind    frameKind
	ternary int
}

type printer struct {
	out     strings.Builder
	line    strings.Builder
	depth   int
	stack   []frame
	prev    *token
	breakOn bool // a closing brace asked for a line break before the next statement
}

// Format returns the normalized layout of src. It never fails; malformed
// input is laid out on a best-effort basis.
func Format(src string) string {
	toks := lex(src)
	p := &printer{stack: []frame{{kind: frameBlock}}}
	for i := range toks {
		var next *token
		if i+1 < len(toks) {
			next = &toks[i+1]
		}
		p.token(&toks[i], next)
	}
	p.newline()
	return strings.TrimRight(p.out.String(), "\n") + "\n"
}

func (p *printer) top() *frame {
	return &p.stack[len(p.stack)-1]
}

func (p *printer) push(k frameKind) { p.stack = append(p.stack, frame{kind: k}) }

func (p *printer) pop() {
	if len(p.stack) > 1 {
		p.stack = p.stack[:len(p.stack)-1]
	}
}

func (p *printer) write(s string) {
	if p.line.Len() == 0 {
		for i := 0; i < p.depth; i++ {
			p.line.WriteString(Indent)
		}
	}
	p.line.WriteString(s)
}

// space writes a single separating space unless the line is empty or
// already ends in one.
func (p *printer) space() {
	if p.line.Len() == 0 {
		return
	}
	if s := p.line.String(); !strings.HasSuffix(s, " ") {
		p.line.WriteByte(' ')
	}
}

func (p *printer) newline() {
	if p.line.Len() == 0 {
		return
	}
	p.out.WriteString(strings.TrimRight(p.line.String(), " "))
	p.out.WriteByte('\n')
	p.line.Reset()
}

func (p *printer) lastByte() byte {
	s := p.line.String()
	if len(s) == 0 {
		return '\n'
	}
	return s[len(s)-1]
}

// inStatementList reports whether the innermost frame holds statements.
func (p *printer) inStatementList() bool {
	return p.top().kind == frameBlock
}

func (p *printer) token(t, next *token) {
	if p.breakOn {
		p.breakOn = false
		if breaksAfterBrace(t) && p.inStatementList() {
			p.newline()
		}
	}

	switch t.kind {
	case tokLineComment:
		p.space()
		p.write(t.text)
		p.newline()
		return
	case tokBlockComment:
		p.space()
		p.write(t.text)
		if p.inStatementList() {
			p.newline()
		}
		return
	case tokWord, tokString, tokRegex:
		if p.prev != nil && needsSpaceBefore(p.prev, t) {
			p.space()
		}
		p.write(t.text)
	case tokPunct:
		p.punct(t, next)
	}
	p.prev = t
}

func breaksAfterBrace(t *token) bool {
	switch t.kind {
	case tokWord:
		switch t.text {
		case "else", "catch", "finally", "while", "in", "of", "instanceof":
			return false
		}
		return true
	case tokString, tokRegex, tokLineComment, tokBlockComment:
		return true
	}
	return t.text == "{" || t.text == "!" || t.text == "++" || t.text == "--"
}

func needsSpaceBefore(prev, t *token) bool {
	switch prev.kind {
	case tokWord, tokString, tokRegex:
		return true
	case tokPunct:
		switch prev.text {
		case ")", "]":
			return t.kind == tokWord || t.kind == tokString
		case "}":
			return true
		}
	}
	return false
}

// opensBlock decides whether "{" after prev starts a statement block rather
// than an object literal.
func opensBlock(prev *token) bool {
	if prev == nil {
		return true
	}
	switch prev.kind {
	case tokWord:
		switch prev.text {
		case "else", "try", "finally", "do":
			return true
		}
		return false
	case tokPunct:
		switch prev.text {
		case ")", "=>", ";", "{", "}":
			return true
		}
	}
	return false
}

var binaryOps = map[string]bool{
	"=": true, "==": true, "===": true, "!=": true, "!==": true,
	"<": true, ">": true, "<=": true, ">=": true,
	"*": true, "/": true, "%": true, "**": true,
	"&&": true, "||": true, "??": true, "&": true, "|": true, "^": true,
	"<<": true, ">>": true, ">>>": true, "=>": true,
	"+=": true, "-=": true, "*=": true, "/=": true, "%=": true, "**=": true,
	"&=": true, "|=": true, "^=": true, "<<=": true, ">>=": true, ">>>=": true,
	"&&=": true, "||=": true, "??=": true,
}

// operandEnded reports whether prev completes an operand, making a
// following + or - binary.
func operandEnded(prev *token) bool {
	if prev == nil {
		return false
	}
	switch prev.kind {
	case tokString, tokRegex:
		return true
	case tokWord:
		return !regexAfterWord[prev.text]
	case tokPunct:
		switch prev.text {
		case ")", "]", "}", "++", "--":
			return true
		}
	}
	return false
}

func (p *printer) punct(t, next *token) {
	switch t.text {
	case "{":
		kind := frameObject
		if opensBlock(p.prev) {
			kind = frameBlock
		}
		if b := p.lastByte(); b != '\n' && b != ' ' && b != '(' && b != '[' && b != '!' {
			p.space()
		}
		p.write("{")
		p.push(kind)
		p.depth++
		if next == nil || next.kind != tokPunct || next.text != "}" {
			p.newline()
		}
	case "}":
		p.pop()
		if p.depth > 0 {
			p.depth--
		}
		if p.prev == nil || p.prev.kind != tokPunct || p.prev.text != "{" {
			p.newline()
		}
		p.write("}")
		p.breakOn = true
	case "(":
		if p.prev != nil && p.prev.kind == tokWord {
			switch p.prev.text {
			case "if", "for", "while", "switch", "catch", "return", "typeof", "in", "of", "case", "void", "await":
				p.space()
			}
		}
		if p.prev != nil && p.prev.kind == tokPunct && binaryOps[p.prev.text] {
			p.space()
		}
		p.write("(")
		p.push(frameParen)
	case ")":
		p.pop()
		p.write(")")
	case "[":
		if p.prev != nil && p.prev.kind == tokPunct && binaryOps[p.prev.text] {
			p.space()
		}
		p.write("[")
		p.push(frameBracket)
	case "]":
		p.pop()
		p.write("]")
	case ",":
		p.write(",")
		if p.top().kind == frameObject {
			p.newline()
		} else {
			p.space()
		}
	case ";":
		p.write(";")
		if p.top().kind == frameParen {
			p.space()
		} else {
			p.newline()
		}
	case "?":
		p.top().ternary++
		p.space()
		p.write("?")
		p.space()
	case ":":
		f := p.top()
		if f.ternary > 0 {
			f.ternary--
			p.space()
			p.write(":")
			p.space()
			break
		}
		p.write(":")
		p.space()
	case ".", "?.":
		p.write(t.text)
	case "...", "!", "~":
		if b := p.lastByte(); p.prev != nil && p.prev.kind == tokWord && b != ' ' {
			p.space()
		}
		p.write(t.text)
	case "++", "--":
		p.write(t.text)
	case "+", "-":
		if operandEnded(p.prev) {
			p.space()
			p.write(t.text)
			p.space()
			break
		}
		if p.prev != nil && (p.prev.kind == tokWord || (p.prev.kind == tokPunct && binaryOps[p.prev.text])) {
			p.space()
		}
		p.write(t.text)
	default:
		if binaryOps[t.text] {
			p.space()
			p.write(t.text)
			p.space()
			break
		}
		p.write(t.text)
	}
}
