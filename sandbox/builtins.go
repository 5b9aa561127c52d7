package sandbox

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

func native(name string, fn nativeFunc) *function {
	return &function{name: name, native: fn}
}

// newGlobal builds the global object for one evaluation. Every machine gets
// its own copy so scripts cannot leak state between evaluations.
func newGlobal() *object {
	g := newObject()

	obj := native("Object", func(m *machine, this value, args []value) (value, error) {
		switch v := arg(args, 0).(type) {
		case *object, *array, *function:
			return v, nil
		}
		return newObject(), nil
	})
	op := obj.properties()
	op.set("assign", native("assign", objectAssign))
	op.set("freeze", native("freeze", func(m *machine, this value, args []value) (value, error) {
		if o, ok := arg(args, 0).(*object); ok {
			o.frozen = true
		}
		return arg(args, 0), nil
	}))
	op.set("keys", native("keys", func(m *machine, this value, args []value) (value, error) {
		return ownEntries(arg(args, 0), func(k string, v value) value { return k }), nil
	}))
	op.set("values", native("values", func(m *machine, this value, args []value) (value, error) {
		return ownEntries(arg(args, 0), func(k string, v value) value { return v }), nil
	}))
	op.set("entries", native("entries", func(m *machine, this value, args []value) (value, error) {
		return ownEntries(arg(args, 0), func(k string, v value) value {
			return &array{elems: []value{k, v}}
		}), nil
	}))
	op.set("fromEntries", native("fromEntries", func(m *machine, this value, args []value) (value, error) {
		out := newObject()
		if a, ok := arg(args, 0).(*array); ok {
			for _, e := range a.elems {
				if pair, ok := e.(*array); ok {
					out.set(propertyKey(arg(pair.elems, 0)), arg(pair.elems, 1))
				}
			}
		}
		return out, nil
	}))
	op.set("defineProperty", native("defineProperty", func(m *machine, this value, args []value) (value, error) {
		target := arg(args, 0)
		desc, _ := arg(args, 2).(*object)
		if desc != nil {
			if v, ok := desc.get("value"); ok {
				if err := m.setMember(target, propertyKey(arg(args, 1)), v, 0); err != nil {
					return nil, err
				}
			}
		}
		return target, nil
	}))
	op.set("create", native("create", func(m *machine, this value, args []value) (value, error) {
		return newObject(), nil
	}))
	g.set("Object", obj)

	js := newObject()
	js.set("parse", native("parse", func(m *machine, this value, args []value) (value, error) {
		v, err := decodeJSON([]byte(toString(arg(args, 0))))
		if err != nil {
			return nil, &thrown{val: "SyntaxError: " + err.Error()}
		}
		return v, nil
	}))
	js.set("stringify", native("stringify", jsonStringify))
	g.set("JSON", js)

	arr := native("Array", func(m *machine, this value, args []value) (value, error) {
		return &array{elems: append([]value(nil), args...)}, nil
	})
	arr.properties().set("isArray", native("isArray", func(m *machine, this value, args []value) (value, error) {
		_, ok := arg(args, 0).(*array)
		return ok, nil
	}))
	arr.properties().set("from", native("from", func(m *machine, this value, args []value) (value, error) {
		switch v := arg(args, 0).(type) {
		case *array:
			return &array{elems: append([]value(nil), v.elems...)}, nil
		case string:
			out := &array{}
			for _, r := range v {
				out.elems = append(out.elems, string(r))
			}
			return out, nil
		}
		return &array{}, nil
	}))
	g.set("Array", arr)

	g.set("String", native("String", func(m *machine, this value, args []value) (value, error) {
		if len(args) == 0 {
			return "", nil
		}
		return toString(args[0]), nil
	}))
	g.set("Number", native("Number", func(m *machine, this value, args []value) (value, error) {
		if len(args) == 0 {
			return 0.0, nil
		}
		return toNumber(args[0]), nil
	}))
	g.set("Boolean", native("Boolean", func(m *machine, this value, args []value) (value, error) {
		return truthy(arg(args, 0)), nil
	}))
	g.set("parseInt", native("parseInt", parseIntFunc))
	g.set("parseFloat", native("parseFloat", func(m *machine, this value, args []value) (value, error) {
		s := strings.TrimSpace(toString(arg(args, 0)))
		end := 0
		for end < len(s) && strings.ContainsRune("0123456789.eE+-", rune(s[end])) {
			end++
		}
		for ; end > 0; end-- {
			if f, err := strconv.ParseFloat(s[:end], 64); err == nil {
				return f, nil
			}
		}
		return math.NaN(), nil
	}))
	g.set("isNaN", native("isNaN", func(m *machine, this value, args []value) (value, error) {
		return math.IsNaN(toNumber(arg(args, 0))), nil
	}))
	g.set("NaN", math.NaN())
	g.set("Infinity", math.Inf(1))

	errCtor := native("Error", func(m *machine, this value, args []value) (value, error) {
		e := newObject()
		e.set("message", toString(arg(args, 0)))
		return e, nil
	})
	g.set("Error", errCtor)
	g.set("TypeError", errCtor)

	mathObj := newObject()
	for name, f := range map[string]func(float64) float64{
		"floor": math.Floor, "ceil": math.Ceil, "abs": math.Abs,
		"round": func(x float64) float64 { return math.Floor(x + 0.5) },
		"trunc": math.Trunc,
	} {
		f := f
		mathObj.set(name, native(name, func(m *machine, this value, args []value) (value, error) {
			return f(toNumber(arg(args, 0))), nil
		}))
	}
	mathObj.set("max", native("max", func(m *machine, this value, args []value) (value, error) {
		out := math.Inf(-1)
		for _, a := range args {
			out = math.Max(out, toNumber(a))
		}
		return out, nil
	}))
	mathObj.set("min", native("min", func(m *machine, this value, args []value) (value, error) {
		out := math.Inf(1)
		for _, a := range args {
			out = math.Min(out, toNumber(a))
		}
		return out, nil
	}))
	g.set("Math", mathObj)

	// Browser-style aliases for the global object itself.
	g.set("self", g)
	g.set("globalThis", g)
	g.set("window", g)
	return g
}

func objectAssign(m *machine, this value, args []value) (value, error) {
	target := arg(args, 0)
	for _, src := range args[min(1, len(args)):] {
		var err error
		forOwn(src, func(k string, v value) {
			if err == nil {
				err = m.setMember(target, k, v, 0)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return target, nil
}

func forOwn(v value, fn func(k string, v value)) {
	switch o := v.(type) {
	case *object:
		for _, k := range append([]string(nil), o.keys...) {
			fn(k, o.props[k])
		}
	case *array:
		for i, e := range o.elems {
			fn(numberToString(float64(i)), e)
		}
	case *function:
		if o.props != nil {
			forOwn(o.props, fn)
		}
	}
}

func ownEntries(v value, pick func(k string, v value) value) *array {
	out := &array{}
	forOwn(v, func(k string, e value) { out.elems = append(out.elems, pick(k, e)) })
	return out
}

func parseIntFunc(m *machine, this value, args []value) (value, error) {
	s := strings.TrimSpace(toString(arg(args, 0)))
	radix := 10
	if r := arg(args, 1); !isNullish(r) {
		radix = int(toNumber(r))
	}
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	if (radix == 16 || radix == 0) && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		s, radix = s[2:], 16
	}
	if radix == 0 {
		radix = 10
	}
	if radix < 2 || radix > 36 {
		return math.NaN(), nil
	}
	end := 0
	for end < len(s) {
		d, err := strconv.ParseInt(s[end:end+1], radix, 64)
		if err != nil || d >= int64(radix) {
			break
		}
		end++
	}
	if end == 0 {
		return math.NaN(), nil
	}
	n, err := strconv.ParseUint(s[:end], radix, 64)
	f := float64(n)
	if err != nil {
		f = math.Inf(1)
	}
	if neg {
		f = -f
	}
	return f, nil
}

func jsonStringify(m *machine, this value, args []value) (value, error) {
	v := arg(args, 0)
	switch v.(type) {
	case undefinedType, *function:
		return undefined, nil
	}
	var b bytes.Buffer
	w := &jsonWriter{m: m, b: &b, onPath: make(map[value]bool)}
	if err := w.write(v, 0); err != nil {
		return nil, err
	}
	indent := ""
	switch x := arg(args, 2).(type) {
	case float64:
		indent = strings.Repeat(" ", max(0, min(int(x), 10)))
	case string:
		indent = x
	}
	if indent == "" {
		return b.String(), m.checkString(b.String(), 0)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b.Bytes(), "", indent); err != nil {
		return nil, err
	}
	return out.String(), m.checkString(out.String(), 0)
}

// jsonWriter serializes for JSON.stringify. Each node costs one step and the
// output is held to MaxStringLen while it grows.
type jsonWriter struct {
	m      *machine
	b      *bytes.Buffer
	onPath map[value]bool
}

func (w *jsonWriter) write(v value, depth int) error {
	if depth > maxExportDepth {
		return &thrown{val: "TypeError: structure too deep to serialize"}
	}
	if err := w.m.tick(0); err != nil {
		return err
	}
	b := w.b
	if b.Len() > w.m.opts.MaxStringLen {
		return runtimeErrorf(0, "string exceeds %d bytes", w.m.opts.MaxStringLen)
	}
	switch x := v.(type) {
	case undefinedType, nullType, *function:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			b.WriteString("null")
		} else {
			b.WriteString(numberToString(x))
		}
	case string:
		writeJSONString(b, x)
	case *array:
		if w.onPath[x] {
			return &thrown{val: "TypeError: converting circular structure to JSON"}
		}
		w.onPath[x] = true
		defer delete(w.onPath, x)
		b.WriteByte('[')
		for i, e := range x.elems {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := w.write(e, depth+1); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case *object:
		if w.onPath[x] {
			return &thrown{val: "TypeError: converting circular structure to JSON"}
		}
		w.onPath[x] = true
		defer delete(w.onPath, x)
		b.WriteByte('{')
		first := true
		for _, k := range x.keys {
			e := x.props[k]
			switch e.(type) {
			case undefinedType, *function:
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			first = false
			writeJSONString(b, k)
			b.WriteByte(':')
			if err := w.write(e, depth+1); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	}
	return nil
}

func writeJSONString(b *bytes.Buffer, s string) {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encode appends a newline.
	b.Truncate(b.Len() - 1)
}

func objectMethod(key string) *function {
	switch key {
	case "hasOwnProperty":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			if o, ok := this.(*object); ok {
				_, has := o.get(propertyKey(arg(args, 0)))
				return has, nil
			}
			return false, nil
		})
	case "toString":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			return toString(this), nil
		})
	}
	return nil
}

func functionMethod(key string) *function {
	switch key {
	case "call":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			fn, ok := this.(*function)
			if !ok {
				return nil, runtimeErrorf(0, "call on non-function")
			}
			var rest []value
			if len(args) > 1 {
				rest = args[1:]
			}
			return m.call(fn, arg(args, 0), rest, 0)
		})
	case "apply":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			fn, ok := this.(*function)
			if !ok {
				return nil, runtimeErrorf(0, "apply on non-function")
			}
			var rest []value
			if a, ok := arg(args, 1).(*array); ok {
				rest = a.elems
			}
			return m.call(fn, arg(args, 0), rest, 0)
		})
	case "bind":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			fn, ok := this.(*function)
			if !ok {
				return nil, runtimeErrorf(0, "bind on non-function")
			}
			boundThis := arg(args, 0)
			var bound []value
			if len(args) > 1 {
				bound = append(bound, args[1:]...)
			}
			return native(fn.name, func(m *machine, _ value, more []value) (value, error) {
				return m.call(fn, boundThis, append(append([]value(nil), bound...), more...), 0)
			}), nil
		})
	}
	return nil
}

func callback(m *machine, args []value) (*function, error) {
	fn, ok := arg(args, 0).(*function)
	if !ok {
		return nil, runtimeErrorf(0, "%s is not a function", typeOf(arg(args, 0)))
	}
	return fn, nil
}

func relIndex(v value, n int, def int) int {
	if _, ok := v.(undefinedType); ok {
		return def
	}
	i := int(toNumber(v))
	if i < 0 {
		i += n
	}
	return max(0, min(i, n))
}

func arrayMethod(key string) *function {
	each := func(fn func(m *machine, a *array, cb *function, args []value) (value, error)) *function {
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok {
				return undefined, nil
			}
			cb, err := callback(m, args)
			if err != nil {
				return nil, err
			}
			return fn(m, a, cb, args)
		})
	}
	switch key {
	case "push":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok {
				return undefined, nil
			}
			if len(a.elems)+len(args) > maxArrayLen {
				return nil, runtimeErrorf(0, "array exceeds %d elements", maxArrayLen)
			}
			a.elems = append(a.elems, args...)
			return float64(len(a.elems)), nil
		})
	case "pop":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok || len(a.elems) == 0 {
				return undefined, nil
			}
			v := a.elems[len(a.elems)-1]
			a.elems = a.elems[:len(a.elems)-1]
			return v, nil
		})
	case "shift":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok || len(a.elems) == 0 {
				return undefined, nil
			}
			v := a.elems[0]
			a.elems = a.elems[1:]
			return v, nil
		})
	case "slice":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok {
				return undefined, nil
			}
			n := len(a.elems)
			from, to := relIndex(arg(args, 0), n, 0), relIndex(arg(args, 1), n, n)
			if from > to {
				from = to
			}
			return &array{elems: append([]value(nil), a.elems[from:to]...)}, nil
		})
	case "concat":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok {
				return undefined, nil
			}
			out := &array{elems: append([]value(nil), a.elems...)}
			for _, x := range args {
				if other, ok := x.(*array); ok {
					out.elems = append(out.elems, other.elems...)
				} else {
					out.elems = append(out.elems, x)
				}
			}
			return out, nil
		})
	case "join":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok {
				return undefined, nil
			}
			sep := ","
			if s, ok := arg(args, 0).(string); ok {
				sep = s
			}
			parts := make([]string, len(a.elems))
			for i, e := range a.elems {
				if !isNullish(e) {
					parts[i] = toString(e)
				}
			}
			out := strings.Join(parts, sep)
			return out, m.checkString(out, 0)
		})
	case "indexOf", "includes":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			idx := -1
			if ok {
				for i, e := range a.elems {
					if strictEquals(e, arg(args, 0)) {
						idx = i
						break
					}
				}
			}
			if key == "includes" {
				return idx >= 0, nil
			}
			return float64(idx), nil
		})
	case "sort":
		return native(key, func(m *machine, this value, args []value) (value, error) {
			a, ok := this.(*array)
			if !ok {
				return undefined, nil
			}
			sort.SliceStable(a.elems, func(i, j int) bool {
				return toString(a.elems[i]) < toString(a.elems[j])
			})
			return a, nil
		})
	case "forEach":
		return each(func(m *machine, a *array, cb *function, args []value) (value, error) {
			for i, e := range a.elems {
				if _, err := m.call(cb, undefined, []value{e, float64(i), a}, 0); err != nil {
					return nil, err
				}
			}
			return undefined, nil
		})
	case "map":
		return each(func(m *machine, a *array, cb *function, args []value) (value, error) {
			out := &array{elems: make([]value, len(a.elems))}
			for i, e := range a.elems {
				v, err := m.call(cb, undefined, []value{e, float64(i), a}, 0)
				if err != nil {
					return nil, err
				}
				out.elems[i] = v
			}
			return out, nil
		})
	case "filter", "find", "some", "every", "findIndex":
		return each(func(m *machine, a *array, cb *function, args []value) (value, error) {
			out := &array{}
			for i, e := range a.elems {
				v, err := m.call(cb, undefined, []value{e, float64(i), a}, 0)
				if err != nil {
					return nil, err
				}
				hit := truthy(v)
				switch {
				case key == "find" && hit:
					return e, nil
				case key == "findIndex" && hit:
					return float64(i), nil
				case key == "some" && hit:
					return true, nil
				case key == "every" && !hit:
					return false, nil
				case hit:
					out.elems = append(out.elems, e)
				}
			}
			switch key {
			case "find":
				return undefined, nil
			case "findIndex":
				return -1.0, nil
			case "some":
				return false, nil
			case "every":
				return true, nil
			}
			return out, nil
		})
	case "reduce":
		return each(func(m *machine, a *array, cb *function, args []value) (value, error) {
			elems := a.elems
			var acc value
			if len(args) > 1 {
				acc = args[1]
			} else {
				if len(elems) == 0 {
					return nil, &thrown{val: "TypeError: reduce of empty array with no initial value"}
				}
				acc, elems = elems[0], elems[1:]
			}
			for i, e := range elems {
				v, err := m.call(cb, undefined, []value{acc, e, float64(i), a}, 0)
				if err != nil {
					return nil, err
				}
				acc = v
			}
			return acc, nil
		})
	}
	return nil
}

func stringMethod(key string) *function {
	str := func(fn func(m *machine, s string, args []value) (value, error)) *function {
		return native(key, func(m *machine, this value, args []value) (value, error) {
			return fn(m, toString(this), args)
		})
	}
	switch key {
	case "split":
		return str(func(m *machine, s string, args []value) (value, error) {
			if _, ok := arg(args, 0).(undefinedType); ok {
				return &array{elems: []value{s}}, nil
			}
			out := &array{}
			for _, p := range strings.Split(s, toString(arg(args, 0))) {
				out.elems = append(out.elems, p)
			}
			return out, nil
		})
	case "indexOf":
		return str(func(m *machine, s string, args []value) (value, error) {
			return float64(strings.Index(s, toString(arg(args, 0)))), nil
		})
	case "includes":
		return str(func(m *machine, s string, args []value) (value, error) {
			return strings.Contains(s, toString(arg(args, 0))), nil
		})
	case "startsWith":
		return str(func(m *machine, s string, args []value) (value, error) {
			return strings.HasPrefix(s, toString(arg(args, 0))), nil
		})
	case "endsWith":
		return str(func(m *machine, s string, args []value) (value, error) {
			return strings.HasSuffix(s, toString(arg(args, 0))), nil
		})
	case "slice", "substring":
		return str(func(m *machine, s string, args []value) (value, error) {
			r := []rune(s)
			from, to := relIndex(arg(args, 0), len(r), 0), relIndex(arg(args, 1), len(r), len(r))
			if from > to {
				if key == "slice" {
					return "", nil
				}
				from, to = to, from
			}
			return string(r[from:to]), nil
		})
	case "replace":
		return str(func(m *machine, s string, args []value) (value, error) {
			return strings.Replace(s, toString(arg(args, 0)), toString(arg(args, 1)), 1), nil
		})
	case "toLowerCase":
		return str(func(m *machine, s string, args []value) (value, error) { return strings.ToLower(s), nil })
	case "toUpperCase":
		return str(func(m *machine, s string, args []value) (value, error) { return strings.ToUpper(s), nil })
	case "trim":
		return str(func(m *machine, s string, args []value) (value, error) { return strings.TrimSpace(s), nil })
	case "charAt":
		return str(func(m *machine, s string, args []value) (value, error) {
			r := []rune(s)
			i := int(toNumber(arg(args, 0)))
			if i < 0 || i >= len(r) {
				return "", nil
			}
			return string(r[i]), nil
		})
	case "charCodeAt":
		return str(func(m *machine, s string, args []value) (value, error) {
			r := []rune(s)
			i := int(toNumber(arg(args, 0)))
			if i < 0 || i >= len(r) {
				return math.NaN(), nil
			}
			return float64(r[i]), nil
		})
	case "concat":
		return str(func(m *machine, s string, args []value) (value, error) {
			var b strings.Builder
			b.WriteString(s)
			for _, a := range args {
				b.WriteString(toString(a))
			}
			return b.String(), m.checkString(b.String(), 0)
		})
	case "toString":
		return str(func(m *machine, s string, args []value) (value, error) { return s, nil })
	}
	return nil
}
