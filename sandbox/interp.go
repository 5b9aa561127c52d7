package sandbox

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

type scope struct {
	vars   map[string]value
	parent *scope
}

func newScope(parent *scope) *scope {
	return &scope{vars: make(map[string]value), parent: parent}
}

func (s *scope) lookup(name string) (*scope, bool) {
	for c := s; c != nil; c = c.parent {
		if _, ok := c.vars[name]; ok {
			return c, true
		}
	}
	return nil, false
}

type completionKind int

const (
	normal completionKind = iota
	returned
	broke
	continued
)

type completion struct {
	kind completionKind
	val  value
}

// thrown wraps a value raised by a throw statement.
type thrown struct{ val value }

func (t *thrown) Error() string { return "uncaught " + toString(t.val) }

// machine holds the state of one evaluation.
type machine struct {
	ctx      context.Context
	deadline time.Time
	steps    int
	depth    int
	opts     *Options
	global   *object
	root     *scope
}

func (m *machine) tick(pos int) error {
	m.steps++
	if m.steps&0x3ff != 0 {
		return nil
	}
	if time.Now().After(m.deadline) {
		return &EvaluationError{Kind: ErrTimeout, Pos: pos, Msg: fmt.Sprintf("exceeded %s", m.opts.Timeout)}
	}
	if err := m.ctx.Err(); err != nil {
		return &EvaluationError{Kind: ErrTimeout, Pos: pos, Msg: err.Error()}
	}
	return nil
}

func runtimeErrorf(pos int, format string, args ...any) error {
	return &EvaluationError{Kind: ErrRuntime, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// hoist declares var names and function declarations of body in s.
func (m *machine) hoist(body []node, s *scope) {
	for _, st := range body {
		m.hoistStmt(st, s)
	}
}

func (m *machine) hoistStmt(st node, s *scope) {
	switch x := st.(type) {
	case *varDecl:
		for _, d := range x.decls {
			if _, ok := s.vars[d.name]; !ok {
				s.vars[d.name] = undefined
			}
		}
	case *funcDecl:
		s.vars[x.fn.name] = m.closure(x.fn, s, undefined)
	case *blockStmt:
		m.hoist(x.list, s)
	case *ifStmt:
		m.hoistStmt(x.cons, s)
		if x.alt != nil {
			m.hoistStmt(x.alt, s)
		}
	case *whileStmt:
		m.hoistStmt(x.body, s)
	case *forStmt:
		if x.init != nil {
			m.hoistStmt(x.init, s)
		}
		m.hoistStmt(x.body, s)
	case *forInStmt:
		if _, ok := s.vars[x.name]; !ok {
			s.vars[x.name] = undefined
		}
		m.hoistStmt(x.body, s)
	case *tryStmt:
		m.hoistStmt(x.block, s)
		if x.handler != nil {
			m.hoistStmt(x.handler, s)
		}
		if x.finalize != nil {
			m.hoistStmt(x.finalize, s)
		}
	}
}

func (m *machine) closure(lit *funcLit, env *scope, this value) *function {
	return &function{name: lit.name, lit: lit, env: env, this: this}
}

// execList runs statements and returns the completion plus the value of the
// last expression statement.
func (m *machine) execList(list []node, s *scope, last *value) (completion, error) {
	for _, st := range list {
		c, err := m.exec(st, s, last)
		if err != nil || c.kind != normal {
			return c, err
		}
	}
	return completion{}, nil
}

func (m *machine) exec(st node, s *scope, last *value) (completion, error) {
	if err := m.tick(st.position()); err != nil {
		return completion{}, err
	}
	switch x := st.(type) {
	case *exprStmt:
		v, err := m.eval(x.x, s)
		if err != nil {
			return completion{}, err
		}
		if last != nil {
			*last = v
		}
		return completion{}, nil
	case *varDecl:
		for _, d := range x.decls {
			if d.init == nil {
				continue
			}
			v, err := m.eval(d.init, s)
			if err != nil {
				return completion{}, err
			}
			if f, ok := v.(*function); ok && f.name == "" && f.lit != nil {
				f.name = d.name
			}
			m.assign(s, d.name, v)
		}
		return completion{}, nil
	case *funcDecl, *emptyStmt:
		return completion{}, nil
	case *returnStmt:
		if x.x == nil {
			return completion{kind: returned, val: undefined}, nil
		}
		v, err := m.eval(x.x, s)
		if err != nil {
			return completion{}, err
		}
		return completion{kind: returned, val: v}, nil
	case *ifStmt:
		t, err := m.eval(x.test, s)
		if err != nil {
			return completion{}, err
		}
		if truthy(t) {
			return m.exec(x.cons, s, last)
		}
		if x.alt != nil {
			return m.exec(x.alt, s, last)
		}
		return completion{}, nil
	case *blockStmt:
		return m.execList(x.list, s, last)
	case *whileStmt:
		return m.execWhile(x, s, last)
	case *forStmt:
		return m.execFor(x, s, last)
	case *forInStmt:
		return m.execForIn(x, s, last)
	case *breakStmt:
		return completion{kind: broke}, nil
	case *continueStmt:
		return completion{kind: continued}, nil
	case *throwStmt:
		v, err := m.eval(x.x, s)
		if err != nil {
			return completion{}, err
		}
		return completion{}, &thrown{v}
	case *tryStmt:
		return m.execTry(x, s, last)
	}
	return completion{}, runtimeErrorf(st.position(), "unsupported statement %T", st)
}

// loopBody runs one iteration and reports whether the loop should stop.
func (m *machine) loopBody(body node, s *scope, last *value) (completion, bool, error) {
	c, err := m.exec(body, s, last)
	if err != nil {
		return c, true, err
	}
	switch c.kind {
	case broke:
		return completion{}, true, nil
	case returned:
		return c, true, nil
	}
	return completion{}, false, nil
}

func (m *machine) execWhile(x *whileStmt, s *scope, last *value) (completion, error) {
	first := true
	for {
		if err := m.tick(x.pos); err != nil {
			return completion{}, err
		}
		if !(x.do && first) {
			t, err := m.eval(x.test, s)
			if err != nil {
				return completion{}, err
			}
			if !truthy(t) {
				return completion{}, nil
			}
		}
		first = false
		c, stop, err := m.loopBody(x.body, s, last)
		if stop || err != nil {
			return c, err
		}
	}
}

func (m *machine) execFor(x *forStmt, s *scope, last *value) (completion, error) {
	if x.init != nil {
		if _, err := m.exec(x.init, s, nil); err != nil {
			return completion{}, err
		}
	}
	for {
		if err := m.tick(x.pos); err != nil {
			return completion{}, err
		}
		if x.test != nil {
			t, err := m.eval(x.test, s)
			if err != nil {
				return completion{}, err
			}
			if !truthy(t) {
				return completion{}, nil
			}
		}
		c, stop, err := m.loopBody(x.body, s, last)
		if stop || err != nil {
			return c, err
		}
		if x.update != nil {
			if _, err := m.eval(x.update, s); err != nil {
				return completion{}, err
			}
		}
	}
}

func (m *machine) execForIn(x *forInStmt, s *scope, last *value) (completion, error) {
	obj, err := m.eval(x.obj, s)
	if err != nil {
		return completion{}, err
	}
	var items []value
	switch o := obj.(type) {
	case *object:
		for _, k := range o.keys {
			if x.of {
				items = append(items, o.props[k])
			} else {
				items = append(items, k)
			}
		}
		if x.of {
			return completion{}, runtimeErrorf(x.pos, "object is not iterable")
		}
	case *array:
		for i, e := range o.elems {
			if x.of {
				items = append(items, e)
			} else {
				items = append(items, numberToString(float64(i)))
			}
		}
	case string:
		for i, r := range o {
			if x.of {
				items = append(items, string(r))
			} else {
				items = append(items, numberToString(float64(i)))
			}
		}
	case undefinedType, nullType:
		if x.of {
			return completion{}, runtimeErrorf(x.pos, "%s is not iterable", toString(o))
		}
	}
	for _, it := range items {
		if err := m.tick(x.pos); err != nil {
			return completion{}, err
		}
		m.assign(s, x.name, it)
		c, stop, err := m.loopBody(x.body, s, last)
		if stop || err != nil {
			return c, err
		}
	}
	return completion{}, nil
}

func (m *machine) execTry(x *tryStmt, s *scope, last *value) (completion, error) {
	c, err := m.exec(x.block, s, last)
	if err != nil && x.handler != nil && catchable(err) {
		hs := newScope(s)
		if x.param != "" {
			var v value = err.Error()
			if t, ok := err.(*thrown); ok {
				v = t.val
			}
			hs.vars[x.param] = v
		}
		c, err = m.exec(x.handler, hs, last)
	}
	if x.finalize != nil {
		fc, ferr := m.exec(x.finalize, s, last)
		if ferr != nil {
			return fc, ferr
		}
		if fc.kind != normal {
			return fc, nil
		}
	}
	return c, err
}

// catchable reports whether a script may observe err. Timeouts and syntax
// errors always escape.
func catchable(err error) bool {
	if _, ok := err.(*thrown); ok {
		return true
	}
	ee, ok := err.(*EvaluationError)
	return ok && ee.Kind == ErrRuntime
}

func (m *machine) assign(s *scope, name string, v value) {
	if owner, ok := s.lookup(name); ok {
		owner.vars[name] = v
		return
	}
	m.global.set(name, v)
}

func (m *machine) lookup(s *scope, name string, pos int) (value, error) {
	if owner, ok := s.lookup(name); ok {
		return owner.vars[name], nil
	}
	if v, ok := m.global.get(name); ok {
		return v, nil
	}
	if m.opts.Placeholder != nil {
		if v, ok := m.opts.Placeholder(name); ok {
			iv := importValue(v)
			// Bind once so repeated references share one object.
			m.root.vars[name] = iv
			return iv, nil
		}
	}
	return nil, runtimeErrorf(pos, "%s is not defined", name)
}

func (m *machine) checkString(s string, pos int) error {
	if len(s) > m.opts.MaxStringLen {
		return runtimeErrorf(pos, "string exceeds %d bytes", m.opts.MaxStringLen)
	}
	return nil
}

func (m *machine) eval(n node, s *scope) (value, error) {
	switch x := n.(type) {
	case *numLit:
		return x.v, nil
	case *strLit:
		return x.v, nil
	case *boolLit:
		return x.v, nil
	case *nullLit:
		return null, nil
	case *thisLit:
		if owner, ok := s.lookup("this"); ok {
			return owner.vars["this"], nil
		}
		return undefined, nil
	case *ident:
		if x.name == "undefined" {
			if _, ok := s.lookup("undefined"); !ok {
				return undefined, nil
			}
		}
		return m.lookup(s, x.name, x.pos)
	case *templateLit:
		var b strings.Builder
		for i, q := range x.quasis {
			b.WriteString(q)
			if i < len(x.exprs) {
				v, err := m.eval(x.exprs[i], s)
				if err != nil {
					return nil, err
				}
				b.WriteString(toString(v))
			}
		}
		return b.String(), m.checkString(b.String(), x.pos)
	case *arrayLit:
		a := &array{}
		for _, e := range x.elems {
			if e == nil {
				a.elems = append(a.elems, undefined)
				continue
			}
			if sp, ok := e.(*spreadExpr); ok {
				items, err := m.spread(sp, s)
				if err != nil {
					return nil, err
				}
				a.elems = append(a.elems, items...)
				continue
			}
			v, err := m.eval(e, s)
			if err != nil {
				return nil, err
			}
			a.elems = append(a.elems, v)
		}
		return a, nil
	case *objectLit:
		return m.evalObject(x, s)
	case *funcLit:
		var this value = undefined
		if x.arrow {
			if owner, ok := s.lookup("this"); ok {
				this = owner.vars["this"]
			}
		}
		return m.closure(x, s, this), nil
	case *unaryExpr:
		return m.evalUnary(x, s)
	case *updateExpr:
		return m.evalUpdate(x, s)
	case *binaryExpr:
		l, err := m.eval(x.l, s)
		if err != nil {
			return nil, err
		}
		r, err := m.eval(x.r, s)
		if err != nil {
			return nil, err
		}
		return m.binary(x.op, l, r, x.pos)
	case *logicalExpr:
		l, err := m.eval(x.l, s)
		if err != nil {
			return nil, err
		}
		switch x.op {
		case "&&":
			if !truthy(l) {
				return l, nil
			}
		case "||":
			if truthy(l) {
				return l, nil
			}
		case "??":
			switch l.(type) {
			case undefinedType, nullType:
			default:
				return l, nil
			}
		}
		return m.eval(x.r, s)
	case *condExpr:
		t, err := m.eval(x.test, s)
		if err != nil {
			return nil, err
		}
		if truthy(t) {
			return m.eval(x.cons, s)
		}
		return m.eval(x.alt, s)
	case *assignExpr:
		return m.evalAssign(x, s)
	case *seqExpr:
		var v value = undefined
		for _, e := range x.list {
			var err error
			if v, err = m.eval(e, s); err != nil {
				return nil, err
			}
		}
		return v, nil
	case *memberExpr:
		obj, err := m.eval(x.obj, s)
		if err != nil {
			return nil, err
		}
		if x.optional && isNullish(obj) {
			return undefined, nil
		}
		key, err := m.memberKey(x, s)
		if err != nil {
			return nil, err
		}
		return m.getMember(obj, key, x.pos)
	case *callExpr:
		return m.evalCall(x, s)
	case *spreadExpr:
		return nil, runtimeErrorf(x.pos, "unexpected spread")
	}
	return nil, runtimeErrorf(n.position(), "unsupported expression %T", n)
}

func isNullish(v value) bool {
	switch v.(type) {
	case undefinedType, nullType:
		return true
	}
	return false
}

func (m *machine) spread(sp *spreadExpr, s *scope) ([]value, error) {
	v, err := m.eval(sp.x, s)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case *array:
		return x.elems, nil
	case string:
		var out []value
		for _, r := range x {
			out = append(out, string(r))
		}
		return out, nil
	}
	return nil, runtimeErrorf(sp.pos, "%s is not iterable", typeOf(v))
}

func (m *machine) evalObject(x *objectLit, s *scope) (value, error) {
	o := newObject()
	for _, pr := range x.props {
		if pr.spread {
			v, err := m.eval(pr.value, s)
			if err != nil {
				return nil, err
			}
			switch src := v.(type) {
			case *object:
				for _, k := range src.keys {
					o.set(k, src.props[k])
				}
			case *array:
				for i, e := range src.elems {
					o.set(numberToString(float64(i)), e)
				}
			}
			continue
		}
		key := pr.key
		if pr.computed != nil {
			k, err := m.eval(pr.computed, s)
			if err != nil {
				return nil, err
			}
			key = propertyKey(k)
		}
		v, err := m.eval(pr.value, s)
		if err != nil {
			return nil, err
		}
		if f, ok := v.(*function); ok && f.name == "" && f.lit != nil {
			f.name = key
		}
		o.set(key, v)
	}
	return o, nil
}

func (m *machine) memberKey(x *memberExpr, s *scope) (string, error) {
	if x.computed == nil {
		return x.name, nil
	}
	k, err := m.eval(x.computed, s)
	if err != nil {
		return "", err
	}
	return propertyKey(k), nil
}

func (m *machine) getMember(obj value, key string, pos int) (value, error) {
	switch o := obj.(type) {
	case undefinedType, nullType:
		return nil, runtimeErrorf(pos, "cannot read property %q of %s", key, toString(o))
	case *object:
		if v, ok := o.get(key); ok {
			return v, nil
		}
		if fn := objectMethod(key); fn != nil {
			return fn, nil
		}
		return undefined, nil
	case *array:
		if key == "length" {
			return float64(len(o.elems)), nil
		}
		if i, ok := arrayIndex(key); ok {
			if i < len(o.elems) {
				return o.elems[i], nil
			}
			return undefined, nil
		}
		if fn := arrayMethod(key); fn != nil {
			return fn, nil
		}
		return undefined, nil
	case string:
		if key == "length" {
			return float64(len([]rune(o))), nil
		}
		if i, ok := arrayIndex(key); ok {
			r := []rune(o)
			if i < len(r) {
				return string(r[i]), nil
			}
			return undefined, nil
		}
		if fn := stringMethod(key); fn != nil {
			return fn, nil
		}
		return undefined, nil
	case *function:
		if o.props != nil {
			if v, ok := o.props.get(key); ok {
				return v, nil
			}
		}
		if fn := functionMethod(key); fn != nil {
			return fn, nil
		}
		if key == "name" {
			return o.name, nil
		}
		return undefined, nil
	}
	return undefined, nil
}

func arrayIndex(key string) (int, bool) {
	if key == "" || len(key) > 9 {
		return 0, false
	}
	n := 0
	for _, c := range key {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if len(key) > 1 && key[0] == '0' {
		return 0, false
	}
	return n, true
}

const maxArrayLen = 1 << 20

func (m *machine) setMember(obj value, key string, v value, pos int) error {
	switch o := obj.(type) {
	case undefinedType, nullType:
		return runtimeErrorf(pos, "cannot set property %q of %s", key, toString(o))
	case *object:
		o.set(key, v)
	case *function:
		o.properties().set(key, v)
	case *array:
		if key == "length" {
			n := int(toNumber(v))
			if n < 0 || n > maxArrayLen {
				return runtimeErrorf(pos, "invalid array length")
			}
			for len(o.elems) < n {
				o.elems = append(o.elems, undefined)
			}
			o.elems = o.elems[:n]
			return nil
		}
		i, ok := arrayIndex(key)
		if !ok {
			return nil
		}
		if i >= maxArrayLen {
			return runtimeErrorf(pos, "array index %d out of range", i)
		}
		for len(o.elems) <= i {
			o.elems = append(o.elems, undefined)
		}
		o.elems[i] = v
	}
	return nil
}

func (m *machine) evalAssign(x *assignExpr, s *scope) (value, error) {
	compute := func(old value) (value, bool, error) {
		switch x.op {
		case "=":
			v, err := m.eval(x.value, s)
			return v, true, err
		case "&&=", "||=", "??=":
			skip := false
			switch x.op {
			case "&&=":
				skip = !truthy(old)
			case "||=":
				skip = truthy(old)
			case "??=":
				skip = !isNullish(old)
			}
			if skip {
				return old, false, nil
			}
			v, err := m.eval(x.value, s)
			return v, true, err
		}
		r, err := m.eval(x.value, s)
		if err != nil {
			return nil, false, err
		}
		v, err := m.binary(strings.TrimSuffix(x.op, "="), old, r, x.pos)
		return v, true, err
	}

	switch t := x.target.(type) {
	case *ident:
		var old value = undefined
		if x.op != "=" {
			var err error
			if old, err = m.lookup(s, t.name, t.pos); err != nil {
				return nil, err
			}
		}
		v, write, err := compute(old)
		if err != nil {
			return nil, err
		}
		if write {
			if f, ok := v.(*function); ok && f.name == "" && f.lit != nil {
				f.name = t.name
			}
			m.assign(s, t.name, v)
		}
		return v, nil
	case *memberExpr:
		obj, err := m.eval(t.obj, s)
		if err != nil {
			return nil, err
		}
		key, err := m.memberKey(t, s)
		if err != nil {
			return nil, err
		}
		var old value = undefined
		if x.op != "=" {
			if old, err = m.getMember(obj, key, t.pos); err != nil {
				return nil, err
			}
		}
		v, write, err := compute(old)
		if err != nil {
			return nil, err
		}
		if write {
			if err := m.setMember(obj, key, v, t.pos); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
	return nil, runtimeErrorf(x.pos, "invalid assignment target")
}

func (m *machine) evalUpdate(x *updateExpr, s *scope) (value, error) {
	delta := 1.0
	if x.op == "--" {
		delta = -1
	}
	switch t := x.target.(type) {
	case *ident:
		old, err := m.lookup(s, t.name, t.pos)
		if err != nil {
			return nil, err
		}
		n := toNumber(old)
		m.assign(s, t.name, n+delta)
		if x.prefix {
			return n + delta, nil
		}
		return n, nil
	case *memberExpr:
		obj, err := m.eval(t.obj, s)
		if err != nil {
			return nil, err
		}
		key, err := m.memberKey(t, s)
		if err != nil {
			return nil, err
		}
		old, err := m.getMember(obj, key, t.pos)
		if err != nil {
			return nil, err
		}
		n := toNumber(old)
		if err := m.setMember(obj, key, n+delta, t.pos); err != nil {
			return nil, err
		}
		if x.prefix {
			return n + delta, nil
		}
		return n, nil
	}
	return nil, runtimeErrorf(x.pos, "invalid update target")
}

func (m *machine) evalUnary(x *unaryExpr, s *scope) (value, error) {
	if x.op == "typeof" {
		if id, ok := x.x.(*ident); ok {
			v, err := m.lookup(s, id.name, id.pos)
			if err != nil {
				return "undefined", nil
			}
			return typeOf(v), nil
		}
	}
	if x.op == "delete" {
		if mem, ok := x.x.(*memberExpr); ok {
			obj, err := m.eval(mem.obj, s)
			if err != nil {
				return nil, err
			}
			key, err := m.memberKey(mem, s)
			if err != nil {
				return nil, err
			}
			if o, ok := obj.(*object); ok {
				o.del(key)
			}
		}
		return true, nil
	}
	v, err := m.eval(x.x, s)
	if err != nil {
		return nil, err
	}
	switch x.op {
	case "!":
		return !truthy(v), nil
	case "-":
		return -toNumber(v), nil
	case "+":
		return toNumber(v), nil
	case "~":
		return float64(^toInt32(v)), nil
	case "typeof":
		return typeOf(v), nil
	case "void":
		return undefined, nil
	}
	return nil, runtimeErrorf(x.pos, "unsupported operator %q", x.op)
}

func toPrimitive(v value) value {
	switch v.(type) {
	case *object, *array, *function:
		return toString(v)
	}
	return v
}

func (m *machine) binary(op string, l, r value, pos int) (value, error) {
	switch op {
	case "+":
		lp, rp := toPrimitive(l), toPrimitive(r)
		ls, lok := lp.(string)
		rs, rok := rp.(string)
		if lok || rok {
			if !lok {
				ls = toString(lp)
			}
			if !rok {
				rs = toString(rp)
			}
			out := ls + rs
			return out, m.checkString(out, pos)
		}
		return toNumber(lp) + toNumber(rp), nil
	case "-":
		return toNumber(l) - toNumber(r), nil
	case "*":
		return toNumber(l) * toNumber(r), nil
	case "/":
		return toNumber(l) / toNumber(r), nil
	case "%":
		return math.Mod(toNumber(l), toNumber(r)), nil
	case "**":
		return math.Pow(toNumber(l), toNumber(r)), nil
	case "==":
		return looseEquals(l, r), nil
	case "!=":
		return !looseEquals(l, r), nil
	case "===":
		return strictEquals(l, r), nil
	case "!==":
		return !strictEquals(l, r), nil
	case "<", ">", "<=", ">=":
		return compare(op, toPrimitive(l), toPrimitive(r)), nil
	case "&":
		return float64(toInt32(l) & toInt32(r)), nil
	case "|":
		return float64(toInt32(l) | toInt32(r)), nil
	case "^":
		return float64(toInt32(l) ^ toInt32(r)), nil
	case "<<":
		return float64(toInt32(l) << (uint32(toInt32(r)) & 31)), nil
	case ">>":
		return float64(toInt32(l) >> (uint32(toInt32(r)) & 31)), nil
	case ">>>":
		return float64(uint32(toInt32(l)) >> (uint32(toInt32(r)) & 31)), nil
	case "in":
		key := propertyKey(l)
		switch o := r.(type) {
		case *object:
			_, ok := o.get(key)
			return ok, nil
		case *array:
			i, ok := arrayIndex(key)
			return (ok && i < len(o.elems)) || key == "length", nil
		}
		return nil, runtimeErrorf(pos, "cannot use 'in' on %s", typeOf(r))
	case "instanceof":
		return false, nil
	}
	return nil, runtimeErrorf(pos, "unsupported operator %q", op)
}

func compare(op string, l, r value) bool {
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs
		case ">":
			return ls > rs
		case "<=":
			return ls <= rs
		default:
			return ls >= rs
		}
	}
	a, b := toNumber(l), toNumber(r)
	switch op {
	case "<":
		return a < b
	case ">":
		return a > b
	case "<=":
		return a <= b
	default:
		return a >= b
	}
}

func (m *machine) evalArgs(args []node, s *scope) ([]value, error) {
	var out []value
	for _, a := range args {
		if sp, ok := a.(*spreadExpr); ok {
			items, err := m.spread(sp, s)
			if err != nil {
				return nil, err
			}
			out = append(out, items...)
			continue
		}
		v, err := m.eval(a, s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *machine) evalCall(x *callExpr, s *scope) (value, error) {
	var (
		fnVal value
		this  value = undefined
		err   error
	)
	if mem, ok := x.callee.(*memberExpr); ok {
		obj, err := m.eval(mem.obj, s)
		if err != nil {
			return nil, err
		}
		if mem.optional && isNullish(obj) {
			return undefined, nil
		}
		key, err := m.memberKey(mem, s)
		if err != nil {
			return nil, err
		}
		if fnVal, err = m.getMember(obj, key, mem.pos); err != nil {
			return nil, err
		}
		this = obj
	} else if fnVal, err = m.eval(x.callee, s); err != nil {
		return nil, err
	}
	if x.optional && isNullish(fnVal) {
		return undefined, nil
	}
	fn, ok := fnVal.(*function)
	if !ok {
		return nil, runtimeErrorf(x.pos, "%s is not a function", describeCallee(x.callee))
	}
	args, err := m.evalArgs(x.args, s)
	if err != nil {
		return nil, err
	}
	return m.call(fn, this, args, x.pos)
}

func describeCallee(n node) string {
	switch x := n.(type) {
	case *ident:
		return x.name
	case *memberExpr:
		if x.computed == nil {
			return describeCallee(x.obj) + "." + x.name
		}
		return describeCallee(x.obj) + "[...]"
	}
	return "expression"
}

func (m *machine) call(fn *function, this value, args []value, pos int) (value, error) {
	if err := m.tick(pos); err != nil {
		return nil, err
	}
	m.depth++
	defer func() { m.depth-- }()
	if m.depth > m.opts.MaxDepth {
		return nil, runtimeErrorf(pos, "maximum call depth %d exceeded", m.opts.MaxDepth)
	}
	if fn.native != nil {
		return fn.native(m, this, args)
	}

	lit := fn.lit
	fs := newScope(fn.env)
	if lit.arrow {
		fs.vars["this"] = fn.this
	} else {
		fs.vars["this"] = this
		argv := &array{elems: append([]value(nil), args...)}
		fs.vars["arguments"] = argv
	}
	for i, p := range lit.params {
		if p.rest {
			rest := &array{}
			if i < len(args) {
				rest.elems = append(rest.elems, args[i:]...)
			}
			fs.vars[p.name] = rest
			break
		}
		v := arg(args, i)
		if _, isUndef := v.(undefinedType); isUndef && p.def != nil {
			var err error
			if v, err = m.eval(p.def, fs); err != nil {
				return nil, err
			}
		}
		fs.vars[p.name] = v
	}
	if lit.exprBody != nil {
		return m.eval(lit.exprBody, fs)
	}
	m.hoist(lit.body, fs)
	c, err := m.execList(lit.body, fs, nil)
	if err != nil {
		return nil, err
	}
	if c.kind == returned {
		return c.val, nil
	}
	return undefined, nil
}
