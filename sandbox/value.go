package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type undefinedType struct{}
type nullType struct{}

var (
	undefined = undefinedType{}
	null      = nullType{}
)

// value is one of: undefinedType, nullType, bool, float64, string,
// *object, *array, *function.
type value = any

type object struct {
	keys  []string
	props map[string]value
	// frozen objects silently ignore writes.
	frozen bool
}

func newObject() *object { return &object{props: make(map[string]value)} }

func (o *object) get(k string) (value, bool) {
	v, ok := o.props[k]
	return v, ok
}

func (o *object) set(k string, v value) {
	if o.frozen {
		return
	}
	if _, ok := o.props[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.props[k] = v
}

func (o *object) del(k string) {
	if o.frozen {
		return
	}
	if _, ok := o.props[k]; !ok {
		return
	}
	delete(o.props, k)
	for i, key := range o.keys {
		if key == k {
			o.keys = append(o.keys[:i:i], o.keys[i+1:]...)
			break
		}
	}
}

type array struct {
	elems []value
}

type nativeFunc func(m *machine, this value, args []value) (value, error)

type function struct {
	name   string
	lit    *funcLit
	env    *scope
	this   value // lexical this for arrow functions
	native nativeFunc
	props  *object
}

func (f *function) properties() *object {
	if f.props == nil {
		f.props = newObject()
	}
	return f.props
}

func arg(args []value, i int) value {
	if i < len(args) {
		return args[i]
	}
	return undefined
}

func typeOf(v value) string {
	switch v.(type) {
	case undefinedType:
		return "undefined"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case *function:
		return "function"
	}
	return "object"
}

func truthy(v value) bool {
	switch x := v.(type) {
	case undefinedType, nullType:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	}
	return true
}

func toNumber(v value) float64 {
	switch x := v.(type) {
	case undefinedType:
		return math.NaN()
	case nullType:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			if u, err := strconv.ParseUint(s[2:], 16, 64); err == nil {
				return float64(u)
			}
			return math.NaN()
		}
		switch s {
		case "Infinity", "+Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || strings.ContainsAny(s, "xXpP_") || strings.EqualFold(s, "inf") || strings.EqualFold(s, "nan") {
			return math.NaN()
		}
		return f
	case *array:
		return toNumber(toString(x))
	}
	return math.NaN()
}

func toInt32(v value) int32 {
	f := toNumber(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int32(uint32(int64(math.Trunc(math.Mod(f, 1<<32)))))
}

func numberToString(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// Go writes e+06, JavaScript e+6.
		if i := strings.IndexByte(s, 'e'); i >= 0 {
			mant, exp := s[:i], s[i+1:]
			sign := exp[0]
			exp = strings.TrimLeft(exp[1:], "0")
			s = mant + "e" + string(sign) + exp
		}
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toString(v value) string {
	switch x := v.(type) {
	case undefinedType:
		return "undefined"
	case nullType:
		return "null"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return numberToString(x)
	case string:
		return x
	case *array:
		parts := make([]string, len(x.elems))
		for i, e := range x.elems {
			switch e.(type) {
			case undefinedType, nullType:
			default:
				parts[i] = toString(e)
			}
		}
		return strings.Join(parts, ",")
	case *function:
		return "function " + x.name + "() { [code] }"
	}
	return "[object Object]"
}

func propertyKey(v value) string {
	if f, ok := v.(float64); ok {
		return numberToString(f)
	}
	return toString(v)
}

func strictEquals(a, b value) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case undefinedType:
		_, ok := b.(undefinedType)
		return ok
	case nullType:
		_, ok := b.(nullType)
		return ok
	}
	return a == b
}

func looseEquals(a, b value) bool {
	isNullish := func(v value) bool {
		switch v.(type) {
		case undefinedType, nullType:
			return true
		}
		return false
	}
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	if typeOf(a) == typeOf(b) {
		return strictEquals(a, b)
	}
	switch a.(type) {
	case *object, *array, *function:
		return toString(a) == toString(b)
	}
	switch b.(type) {
	case *object, *array, *function:
		return toString(a) == toString(b)
	}
	return toNumber(a) == toNumber(b)
}

// Map is an insertion-ordered string-keyed map, the exported form of an
// evaluated object literal. Key order matches the source literal, which
// matters for build manifests where route order drives the walk.
type Map struct {
	keys []string
	vals map[string]any
}

// NewMap returns an empty Map.
func NewMap() *Map { return &Map{vals: make(map[string]any)} }

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Get returns the value stored under k.
func (m *Map) Get(k string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.vals[k]
	return v, ok
}

// String returns the value under k if it is a string.
func (m *Map) String(k string) string {
	v, _ := m.Get(k)
	s, _ := v.(string)
	return s
}

// Map returns the value under k if it is a nested Map.
func (m *Map) Map(k string) *Map {
	v, _ := m.Get(k)
	n, _ := v.(*Map)
	return n
}

// Set stores v under k, appending k if it is new.
func (m *Map) Set(k string, v any) {
	if m.vals == nil {
		m.vals = make(map[string]any)
	}
	if _, ok := m.vals[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.vals[k] = v
}

// MarshalJSON writes the entries in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, fmt.Errorf("sandbox: marshal %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := decodeJSON(data)
	if err != nil {
		return err
	}
	o, ok := v.(*object)
	if !ok {
		return fmt.Errorf("sandbox: JSON value is not an object")
	}
	out, err := exportValue(nil, o)
	if err != nil {
		return err
	}
	*m = *out.(*Map)
	return nil
}

const maxExportDepth = 128

// exportValue converts an interpreter value to plain Go data: nil, bool,
// float64, string, []any or *Map. Functions and undefined properties are
// dropped, as JSON.stringify would. A reference back to an enclosing object
// or array exports as nil. With a machine, every node costs one step against
// its budget; m is nil only for trees decoded from JSON.
func exportValue(m *machine, v value) (any, error) {
	e := &exporter{m: m, onPath: make(map[value]bool)}
	return e.export(v, 0)
}

type exporter struct {
	m      *machine
	onPath map[value]bool
}

func (e *exporter) export(v value, depth int) (any, error) {
	if depth > maxExportDepth {
		return nil, nil
	}
	if e.m != nil {
		if err := e.m.tick(0); err != nil {
			return nil, err
		}
	}
	switch x := v.(type) {
	case undefinedType, nullType, *function:
		return nil, nil
	case bool, float64, string:
		return x, nil
	case *array:
		if e.onPath[x] {
			return nil, nil
		}
		e.onPath[x] = true
		defer delete(e.onPath, x)
		out := make([]any, len(x.elems))
		for i, el := range x.elems {
			ev, err := e.export(el, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case *object:
		if e.onPath[x] {
			return nil, nil
		}
		e.onPath[x] = true
		defer delete(e.onPath, x)
		m := NewMap()
		for _, k := range x.keys {
			el := x.props[k]
			switch el.(type) {
			case undefinedType, *function:
				continue
			}
			ev, err := e.export(el, depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(k, ev)
		}
		return m, nil
	}
	return nil, nil
}

// importValue converts plain Go data into interpreter values.
func importValue(v any) value {
	switch x := v.(type) {
	case nil:
		return null
	case bool, string, float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case []any:
		a := &array{elems: make([]value, len(x))}
		for i, e := range x {
			a.elems[i] = importValue(e)
		}
		return a
	case []string:
		a := &array{elems: make([]value, len(x))}
		for i, e := range x {
			a.elems[i] = e
		}
		return a
	case map[string]any:
		o := newObject()
		for k, e := range x {
			o.set(k, importValue(e))
		}
		return o
	case map[string]string:
		o := newObject()
		for k, e := range x {
			o.set(k, e)
		}
		return o
	case *Map:
		o := newObject()
		for _, k := range x.Keys() {
			e, _ := x.Get(k)
			o.set(k, importValue(e))
		}
		return o
	}
	return undefined
}

// decodeJSON parses JSON text into interpreter values, preserving object key
// order.
func decodeJSON(data []byte) (value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSONValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("sandbox: trailing data after JSON value")
	}
	return v, nil
}

func decodeJSONValue(dec *json.Decoder, depth int) (value, error) {
	if depth > maxExportDepth {
		return nil, fmt.Errorf("sandbox: JSON nesting too deep")
	}
	t, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch x := t.(type) {
	case json.Delim:
		switch x {
		case '{':
			o := newObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				k, _ := kt.(string)
				v, err := decodeJSONValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				o.set(k, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return o, nil
		case '[':
			a := &array{}
			for dec.More() {
				v, err := decodeJSONValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				a.elems = append(a.elems, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return a, nil
		}
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case nil:
		return null, nil
	case bool, string:
		return x, nil
	}
	return nil, fmt.Errorf("sandbox: unexpected JSON token %v", t)
}
