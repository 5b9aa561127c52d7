package sandbox

import "fmt"

const maxParseDepth = 512

type parser struct {
	toks  []tok
	i     int
	depth int
}

// bailout carries a syntax error up through the recursive descent.
type bailout struct{ err error }

func parseProgram(src string) (prog []node, err error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(bailout)
			if !ok {
				panic(r)
			}
			prog, err = nil, b.err
		}
	}()
	for p.cur().typ != tEOF {
		prog = append(prog, p.statement())
	}
	return prog, nil
}

func parseExpressionSource(src string) (node, error) {
	prog, err := parseProgram("(" + src + "\n)")
	if err != nil {
		return nil, err
	}
	if len(prog) != 1 {
		return nil, syntaxErrorf(0, "expected a single expression")
	}
	es, ok := prog[0].(*exprStmt)
	if !ok {
		return nil, syntaxErrorf(0, "expected a single expression")
	}
	return es.x, nil
}

func (p *parser) fail(format string, args ...any) {
	panic(bailout{syntaxErrorf(p.cur().pos, format, args...)})
}

func (p *parser) cur() tok { return p.toks[p.i] }

func (p *parser) peekAt(n int) tok {
	if p.i+n < len(p.toks) {
		return p.toks[p.i+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() tok {
	t := p.toks[p.i]
	if t.typ != tEOF {
		p.i++
	}
	return t
}

func (p *parser) isPunct(s string) bool {
	t := p.cur()
	return t.typ == tPunct && t.text == s
}

func (p *parser) isWord(s string) bool {
	t := p.cur()
	return t.typ == tIdent && t.text == s
}

func (p *parser) accept(s string) bool {
	if p.isPunct(s) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(s string) tok {
	if !p.isPunct(s) {
		p.fail("expected %q, found %s", s, describe(p.cur()))
	}
	return p.advance()
}

func (p *parser) expectWord(s string) {
	if !p.isWord(s) {
		p.fail("expected %q, found %s", s, describe(p.cur()))
	}
	p.advance()
}

func (p *parser) identName() string {
	t := p.cur()
	if t.typ != tIdent || reserved[t.text] {
		p.fail("expected identifier, found %s", describe(t))
	}
	p.advance()
	return t.text
}

func describe(t tok) string {
	if t.typ == tEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.text)
}

var reserved = map[string]bool{
	"var": true, "let": true, "const": true, "function": true, "return": true,
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"break": true, "continue": true, "new": true, "delete": true, "typeof": true,
	"void": true, "in": true, "instanceof": true, "this": true, "null": true,
	"true": true, "false": true, "throw": true, "try": true, "catch": true,
	"finally": true, "class": true, "switch": true, "case": true, "default": true,
}

// semicolon applies automatic semicolon insertion rules.
func (p *parser) semicolon() {
	if p.accept(";") {
		return
	}
	t := p.cur()
	if t.typ == tEOF || t.nl || (t.typ == tPunct && t.text == "}") {
		return
	}
	p.fail("expected \";\", found %s", describe(t))
}

func (p *parser) enter() {
	p.depth++
	if p.depth > maxParseDepth {
		p.fail("nesting too deep")
	}
}

func (p *parser) leave() { p.depth-- }

func (p *parser) statement() node {
	p.enter()
	defer p.leave()

	t := p.cur()
	pos := base{t.pos}
	if t.typ == tPunct {
		switch t.text {
		case "{":
			return p.block()
		case ";":
			p.advance()
			return &emptyStmt{pos}
		}
	}
	if t.typ == tIdent {
		switch t.text {
		case "var", "let", "const":
			d := p.varDecl()
			p.semicolon()
			return d
		case "function":
			p.advance()
			fn := p.function(t.pos, true)
			return &funcDecl{pos, fn}
		case "return":
			p.advance()
			n := p.cur()
			if n.typ == tEOF || n.nl || (n.typ == tPunct && (n.text == ";" || n.text == "}")) {
				p.accept(";")
				return &returnStmt{base: pos}
			}
			x := p.expression()
			p.semicolon()
			return &returnStmt{pos, x}
		case "if":
			p.advance()
			p.expect("(")
			test := p.expression()
			p.expect(")")
			cons := p.statement()
			var alt node
			if p.isWord("else") {
				p.advance()
				alt = p.statement()
			}
			return &ifStmt{pos, test, cons, alt}
		case "while":
			p.advance()
			p.expect("(")
			test := p.expression()
			p.expect(")")
			return &whileStmt{base: pos, test: test, body: p.statement()}
		case "do":
			p.advance()
			body := p.statement()
			p.expectWord("while")
			p.expect("(")
			test := p.expression()
			p.expect(")")
			p.accept(";")
			return &whileStmt{base: pos, test: test, body: body, do: true}
		case "for":
			return p.forStatement()
		case "break":
			p.advance()
			p.semicolon()
			return &breakStmt{pos}
		case "continue":
			p.advance()
			p.semicolon()
			return &continueStmt{pos}
		case "throw":
			p.advance()
			x := p.expression()
			p.semicolon()
			return &throwStmt{pos, x}
		case "try":
			return p.tryStatement()
		case "class", "switch", "import", "export", "with":
			p.fail("unsupported statement %q", t.text)
		}
	}
	x := p.expression()
	p.semicolon()
	return &exprStmt{pos, x}
}

func (p *parser) block() *blockStmt {
	t := p.expect("{")
	b := &blockStmt{base: base{t.pos}}
	for !p.isPunct("}") {
		if p.cur().typ == tEOF {
			p.fail("unterminated block")
		}
		b.list = append(b.list, p.statement())
	}
	p.advance()
	return b
}

func (p *parser) varDecl() *varDecl {
	t := p.advance()
	d := &varDecl{base: base{t.pos}}
	for {
		name := p.identName()
		var init node
		if p.accept("=") {
			init = p.assignment()
		}
		d.decls = append(d.decls, declarator{name, init})
		if !p.accept(",") {
			return d
		}
	}
}

func (p *parser) forStatement() node {
	t := p.advance()
	pos := base{t.pos}
	p.expect("(")

	// for (var k in obj) / for (k of list)
	off := 0
	if w := p.cur(); w.typ == tIdent && (w.text == "var" || w.text == "let" || w.text == "const") {
		off = 1
	}
	if name := p.peekAt(off); name.typ == tIdent && !reserved[name.text] {
		if kw := p.peekAt(off + 1); kw.typ == tIdent && (kw.text == "in" || kw.text == "of") {
			p.i += off + 2
			obj := p.expression()
			p.expect(")")
			return &forInStmt{pos, name.text, obj, kw.text == "of", p.statement()}
		}
	}

	f := &forStmt{base: pos}
	if !p.isPunct(";") {
		if w := p.cur(); w.typ == tIdent && (w.text == "var" || w.text == "let" || w.text == "const") {
			f.init = p.varDecl()
		} else {
			f.init = &exprStmt{base{w.pos}, p.expression()}
		}
	}
	p.expect(";")
	if !p.isPunct(";") {
		f.test = p.expression()
	}
	p.expect(";")
	if !p.isPunct(")") {
		f.update = p.expression()
	}
	p.expect(")")
	f.body = p.statement()
	return f
}

func (p *parser) tryStatement() node {
	t := p.advance()
	s := &tryStmt{base: base{t.pos}, block: p.block()}
	if p.isWord("catch") {
		p.advance()
		if p.accept("(") {
			s.param = p.identName()
			p.expect(")")
		}
		s.handler = p.block()
	}
	if p.isWord("finally") {
		p.advance()
		s.finalize = p.block()
	}
	if s.handler == nil && s.finalize == nil {
		p.fail("try without catch or finally")
	}
	return s
}

// function parses parameters and body after the "function" keyword.
func (p *parser) function(pos int, named bool) *funcLit {
	fn := &funcLit{base: base{pos}}
	if p.cur().typ == tIdent && !p.isPunct("(") {
		fn.name = p.identName()
	} else if named {
		p.fail("function declaration requires a name")
	}
	p.expect("(")
	fn.params = p.params()
	fn.body = p.block().list
	return fn
}

// params parses a parameter list; the opening "(" is already consumed.
func (p *parser) params() []param {
	var ps []param
	for !p.accept(")") {
		var pr param
		if p.accept("...") {
			pr.rest = true
		}
		pr.name = p.identName()
		if !pr.rest && p.accept("=") {
			pr.def = p.assignment()
		}
		ps = append(ps, pr)
		if !p.isPunct(")") {
			p.expect(",")
		}
	}
	return ps
}

func (p *parser) expression() node {
	x := p.assignment()
	if !p.isPunct(",") {
		return x
	}
	s := &seqExpr{base: base{x.position()}, list: []node{x}}
	for p.accept(",") {
		s.list = append(s.list, p.assignment())
	}
	return s
}

var assignOps = map[string]bool{
	"=": true, "+=": true, "-=": true, "*=": true, "/=": true, "%=": true, "**=": true,
	"<<=": true, ">>=": true, ">>>=": true, "&=": true, "|=": true, "^=": true,
	"&&=": true, "||=": true, "??=": true,
}

// arrowAhead reports whether the tokens at the cursor start an arrow function.
func (p *parser) arrowAhead() bool {
	t := p.cur()
	if t.typ == tIdent && !reserved[t.text] {
		n := p.peekAt(1)
		return n.typ == tPunct && n.text == "=>" && !n.nl
	}
	if t.typ != tPunct || t.text != "(" {
		return false
	}
	depth := 0
	for j := p.i; j < len(p.toks); j++ {
		k := p.toks[j]
		if k.typ == tEOF {
			return false
		}
		if k.typ != tPunct {
			continue
		}
		switch k.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
			if depth == 0 {
				n := p.toks[j+1]
				return n.typ == tPunct && n.text == "=>"
			}
		}
	}
	return false
}

func (p *parser) arrow() node {
	t := p.cur()
	fn := &funcLit{base: base{t.pos}, arrow: true}
	if t.typ == tIdent {
		fn.params = []param{{name: p.identName()}}
	} else {
		p.expect("(")
		fn.params = p.params()
	}
	p.expect("=>")
	if p.isPunct("{") {
		fn.body = p.block().list
	} else {
		fn.exprBody = p.assignment()
	}
	return fn
}

func (p *parser) assignment() node {
	p.enter()
	defer p.leave()

	if p.arrowAhead() {
		return p.arrow()
	}
	left := p.conditional()
	if t := p.cur(); t.typ == tPunct && assignOps[t.text] {
		switch left.(type) {
		case *ident, *memberExpr:
		default:
			p.fail("invalid assignment target")
		}
		p.advance()
		return &assignExpr{base{t.pos}, t.text, left, p.assignment()}
	}
	return left
}

func (p *parser) conditional() node {
	test := p.binary(1)
	if !p.isPunct("?") {
		return test
	}
	t := p.advance()
	cons := p.assignment()
	p.expect(":")
	alt := p.assignment()
	return &condExpr{base{t.pos}, test, cons, alt}
}

var binaryPrec = map[string]int{
	"??": 1, "||": 2, "&&": 3, "|": 4, "^": 5, "&": 6,
	"==": 7, "!=": 7, "===": 7, "!==": 7,
	"<": 8, ">": 8, "<=": 8, ">=": 8, "in": 8, "instanceof": 8,
	"<<": 9, ">>": 9, ">>>": 9,
	"+": 10, "-": 10,
	"*": 11, "/": 11, "%": 11,
	"**": 12,
}

func (p *parser) binaryOp() (string, int) {
	t := p.cur()
	if t.typ == tPunct || (t.typ == tIdent && (t.text == "in" || t.text == "instanceof")) {
		if prec, ok := binaryPrec[t.text]; ok {
			return t.text, prec
		}
	}
	return "", 0
}

func (p *parser) binary(minPrec int) node {
	left := p.unary()
	for {
		op, prec := p.binaryOp()
		if prec == 0 || prec < minPrec {
			return left
		}
		t := p.advance()
		next := prec + 1
		if op == "**" {
			next = prec
		}
		right := p.binary(next)
		switch op {
		case "&&", "||", "??":
			left = &logicalExpr{base{t.pos}, op, left, right}
		default:
			left = &binaryExpr{base{t.pos}, op, left, right}
		}
	}
}

func (p *parser) unary() node {
	p.enter()
	defer p.leave()

	t := p.cur()
	switch {
	case t.typ == tPunct && (t.text == "!" || t.text == "~" || t.text == "+" || t.text == "-"):
		p.advance()
		return &unaryExpr{base{t.pos}, t.text, p.unary()}
	case t.typ == tIdent && (t.text == "typeof" || t.text == "void" || t.text == "delete"):
		p.advance()
		return &unaryExpr{base{t.pos}, t.text, p.unary()}
	case t.typ == tPunct && (t.text == "++" || t.text == "--"):
		p.advance()
		return &updateExpr{base{t.pos}, t.text, true, p.unary()}
	}
	x := p.callMember()
	if n := p.cur(); n.typ == tPunct && (n.text == "++" || n.text == "--") && !n.nl {
		p.advance()
		return &updateExpr{base{n.pos}, n.text, false, x}
	}
	return x
}

func (p *parser) propertyName() string {
	t := p.cur()
	if t.typ != tIdent {
		p.fail("expected property name, found %s", describe(t))
	}
	p.advance()
	return t.text
}

func (p *parser) callMember() node {
	x := p.primary()
	for {
		t := p.cur()
		if t.typ == tTemplate {
			p.fail("tagged templates are not supported")
		}
		if t.typ != tPunct {
			return x
		}
		switch t.text {
		case ".":
			p.advance()
			x = &memberExpr{base: base{t.pos}, obj: x, name: p.propertyName()}
		case "?.":
			p.advance()
			switch {
			case p.accept("("):
				x = &callExpr{base{t.pos}, x, p.arguments(), true}
			case p.accept("["):
				k := p.expression()
				p.expect("]")
				x = &memberExpr{base: base{t.pos}, obj: x, computed: k, optional: true}
			default:
				x = &memberExpr{base: base{t.pos}, obj: x, name: p.propertyName(), optional: true}
			}
		case "[":
			p.advance()
			k := p.expression()
			p.expect("]")
			x = &memberExpr{base: base{t.pos}, obj: x, computed: k}
		case "(":
			p.advance()
			x = &callExpr{base{t.pos}, x, p.arguments(), false}
		default:
			return x
		}
	}
}

// arguments parses a call argument list; "(" is already consumed.
func (p *parser) arguments() []node {
	var args []node
	for !p.accept(")") {
		if t := p.cur(); p.accept("...") {
			args = append(args, &spreadExpr{base{t.pos}, p.assignment()})
		} else {
			args = append(args, p.assignment())
		}
		if !p.isPunct(")") {
			p.expect(",")
		}
	}
	return args
}

func (p *parser) primary() node {
	t := p.cur()
	pos := base{t.pos}
	switch t.typ {
	case tNum:
		p.advance()
		return &numLit{pos, t.num}
	case tStr:
		p.advance()
		return &strLit{pos, t.str}
	case tTemplate:
		p.advance()
		tl := &templateLit{base: pos, quasis: t.quasis}
		for _, sub := range t.subs {
			x, err := parseExpressionSource(sub)
			if err != nil {
				panic(bailout{err})
			}
			tl.exprs = append(tl.exprs, x)
		}
		return tl
	case tIdent:
		switch t.text {
		case "true", "false":
			p.advance()
			return &boolLit{pos, t.text == "true"}
		case "null":
			p.advance()
			return &nullLit{pos}
		case "this":
			p.advance()
			return &thisLit{pos}
		case "function":
			p.advance()
			return p.function(t.pos, false)
		case "new", "class", "import", "super", "yield", "await", "async":
			p.fail("unsupported expression %q", t.text)
		}
		return &ident{pos, p.identName()}
	case tPunct:
		switch t.text {
		case "(":
			p.advance()
			x := p.expression()
			p.expect(")")
			return x
		case "[":
			return p.arrayLiteral()
		case "{":
			return p.objectLiteral()
		}
	}
	p.fail("unexpected %s", describe(t))
	return nil
}

func (p *parser) arrayLiteral() node {
	t := p.expect("[")
	a := &arrayLit{base: base{t.pos}}
	for !p.accept("]") {
		if p.isPunct(",") {
			p.advance()
			a.elems = append(a.elems, nil)
			continue
		}
		if s := p.cur(); p.accept("...") {
			a.elems = append(a.elems, &spreadExpr{base{s.pos}, p.assignment()})
		} else {
			a.elems = append(a.elems, p.assignment())
		}
		if !p.isPunct("]") {
			p.expect(",")
		}
	}
	return a
}

func (p *parser) objectLiteral() node {
	t := p.expect("{")
	o := &objectLit{base: base{t.pos}}
	for !p.accept("}") {
		if p.accept("...") {
			o.props = append(o.props, property{value: p.assignment(), spread: true})
		} else {
			o.props = append(o.props, p.objectProperty())
		}
		if !p.isPunct("}") {
			p.expect(",")
		}
	}
	return o
}

func (p *parser) objectProperty() property {
	var pr property
	t := p.cur()
	shorthandOK := false
	switch {
	case t.typ == tIdent:
		if (t.text == "get" || t.text == "set" || t.text == "async") && !p.peekIsPropertyEnd() {
			p.fail("accessor and async methods are not supported")
		}
		pr.key = t.text
		shorthandOK = !reserved[t.text]
		p.advance()
	case t.typ == tStr:
		pr.key = t.str
		p.advance()
	case t.typ == tNum:
		pr.key = numberToString(t.num)
		p.advance()
	case t.typ == tPunct && t.text == "[":
		p.advance()
		pr.computed = p.assignment()
		p.expect("]")
	default:
		p.fail("unexpected %s in object literal", describe(t))
	}

	switch {
	case p.accept(":"):
		pr.value = p.assignment()
	case p.isPunct("("):
		p.advance()
		fn := &funcLit{base: base{t.pos}, name: pr.key}
		fn.params = p.params()
		fn.body = p.block().list
		pr.value = fn
	case shorthandOK && (p.isPunct(",") || p.isPunct("}")):
		pr.value = &ident{base{t.pos}, pr.key}
	default:
		p.fail("unexpected %s after property key", describe(p.cur()))
	}
	return pr
}

func (p *parser) peekIsPropertyEnd() bool {
	n := p.peekAt(1)
	return n.typ == tPunct && (n.text == ":" || n.text == "(" || n.text == "," || n.text == "}")
}
