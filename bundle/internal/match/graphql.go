package match

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hazyhaar/bundlewatch/bundle/internal/blockscan"
	"github.com/hazyhaar/bundlewatch/sandbox"
)

// Query is one persisted GraphQL operation.
type Query struct {
	Name          string `json:"name"`
	ID            string `json:"id"`
	OperationKind string `json:"operation_kind,omitempty"`
	Source        string `json:"source"`
	Kind          Kind   `json:"kind"`
	Offset        int    `json:"offset"`
}

var (
	moduleIDRe = regexp.MustCompile(`\bid: "([0-9a-fA-F]{64})"`)
	// A module table entry: `123: function(e, t, n) {`, `"abc": (e, t) => {`
	// or `456: e => {`.
	factoryRe   = regexp.MustCompile(`^\s*(?:\d+|"[^"]*"|[A-Za-z_$][\w$]*)\s*:\s*(function\s*\(|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`)
	factoryKey  = regexp.MustCompile(`^\s*(?:\d+|"[^"]*"|[A-Za-z_$][\w$]*)\s*:\s*`)
	documentRe  = regexp.MustCompile(`\n( +)("(?:[^"\\\n]|\\.)+"): \{\n +kind: "Document",`)
	jsonParseRe = regexp.MustCompile(`JSON\.parse\(('(?:[^'\\\n]|\\.)*'|"(?:[^"\\\n]|\\.)*")\)`)
	hash64Re    = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// moduleShim runs a captured factory against stand-ins for webpack's module
// and require objects, then unwraps the default export (or module.exports
// when there is none): a getter or thunk is called at most twice.
const moduleShim = `var exports = {};
var module = {exports: exports};
var __require = function () { return {} };
__require.r = function () {};
__require.d = function (t, e) { Object.assign(t, e) };
__require.n = function (m) { return function () { return m } };
(%s)(module, exports, __require);
var __e = module.exports;
var __q = __e.default !== undefined ? __e.default : __e;
if (typeof __q === "function") __q = __q();
if (typeof __q === "function") __q = __q();
__q
`

// GraphqlModules finds Relay operation modules by their persisted id and
// evaluates each enclosing module factory.
func (m *Matcher) GraphqlModules(ctx context.Context, src *Source) []Query {
	t := src.Text
	s := t.Source()
	var out []Query
	seen := make(map[int]bool)
	for _, loc := range moduleIDRe.FindAllStringSubmatchIndex(s, -1) {
		off := loc[0]
		line := t.LineAt(off)
		start, ok := t.Outermost(line, factoryRe.MatchString)
		if !ok {
			m.cfg.Logger.Debug("match: graphql id outside a module factory", "url", src.URL, "offset", off)
			continue
		}
		if seen[start] {
			continue
		}
		seen[start] = true

		factory, err := captureFactory(t, start)
		if err != nil {
			m.warn(src, GraphqlModule, t.Offset(start), err)
			continue
		}
		v, err := m.sb.Eval(ctx, strings.Replace(moduleShim, "%s", factory, 1))
		if err != nil {
			m.warn(src, GraphqlModule, t.Offset(start), err)
			continue
		}
		params := operationParams(v)
		if params == nil || params.String("name") == "" || params.String("id") == "" {
			m.cfg.Logger.Debug("match: graphql module has no operation params", "url", src.URL, "offset", off)
			continue
		}
		q := Query{
			Name:          params.String("name"),
			ID:            params.String("id"),
			OperationKind: params.String("operationKind"),
			Source:        src.URL,
			Kind:          GraphqlModule,
			Offset:        t.Offset(start),
		}
		m.cfg.Logger.Debug("match: graphql module found", "url", src.URL, "offset", q.Offset, "name", q.Name, "id", q.ID)
		out = append(out, q)
	}
	return out
}

// captureFactory returns the function expression of the module table entry
// opening on line start, with its key removed.
func captureFactory(t *blockscan.Text, start int) (string, error) {
	b, err := t.Capture(start)
	if err != nil {
		return "", err
	}
	head := factoryKey.ReplaceAllString(t.Line(start), "")
	if b.End == b.Start {
		return strings.TrimSuffix(strings.TrimSpace(head), ","), nil
	}
	body := ""
	if b.End > b.Start+1 {
		body = t.Source()[t.Offset(b.Start+1) : t.Offset(b.End)-1]
	}
	return head + "\n" + body + "\n}", nil
}

// operationParams reads params from an operation descriptor, preferring the
// refetch operation of a fragment descriptor.
func operationParams(v any) *sandbox.Map {
	op, ok := v.(*sandbox.Map)
	if !ok {
		return nil
	}
	if refetch := op.Map("metadata").Map("refetch").Map("operation").Map("params"); refetch != nil {
		return refetch
	}
	return op.Map("params")
}

// PersistedTables returns every JSON.parse('...') table in src whose values
// are all 64-hex persisted query ids, in source order.
func (m *Matcher) PersistedTables(ctx context.Context, src *Source) []map[string]string {
	s := src.Text.Source()
	var out []map[string]string
	for _, loc := range jsonParseRe.FindAllStringSubmatchIndex(s, -1) {
		lit := s[loc[2]:loc[3]]
		v, err := m.sb.EvalExpression(ctx, lit)
		if err != nil {
			m.warn(src, GraphqlDocument, loc[0], err)
			continue
		}
		text, ok := v.(string)
		if !ok {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(text), &raw); err != nil || len(raw) == 0 {
			continue
		}
		table := make(map[string]string, len(raw))
		for k, e := range raw {
			id, ok := e.(string)
			if !ok || !hash64Re.MatchString(id) {
				table = nil
				break
			}
			table[k] = id
		}
		if table != nil {
			m.cfg.Logger.Debug("match: persisted query table found", "url", src.URL, "offset", loc[0], "entries", len(table))
			out = append(out, table)
		}
	}
	return out
}

// GraphqlDocuments finds inline GraphQL documents (`"query X": {kind:
// "Document", ...}`), evaluates each and resolves its persisted id through
// tables. Documents without an id are dropped.
func (m *Matcher) GraphqlDocuments(ctx context.Context, src *Source, tables []map[string]string) []Query {
	s := src.Text.Source()
	var out []Query
	for _, loc := range documentRe.FindAllStringSubmatchIndex(s, -1) {
		open := loc[5] + len(": ")
		end, err := blockscan.MatchBrace(s, open)
		if err != nil {
			m.warn(src, GraphqlDocument, open, err)
			continue
		}
		v, err := m.sb.EvalExpression(ctx, s[open:end])
		if err != nil {
			m.warn(src, GraphqlDocument, open, err)
			continue
		}
		name, kind := operationDefinition(v)
		if name == "" {
			continue
		}
		id := lookupID(tables, name)
		if id == "" {
			m.cfg.Logger.Debug("match: graphql document without persisted id", "url", src.URL, "name", name)
			continue
		}
		out = append(out, Query{
			Name:          name,
			ID:            id,
			OperationKind: kind,
			Source:        src.URL,
			Kind:          GraphqlDocument,
			Offset:        open,
		})
	}
	return out
}

func operationDefinition(v any) (name, kind string) {
	doc, ok := v.(*sandbox.Map)
	if !ok {
		return "", ""
	}
	defs, _ := doc.Get("definitions")
	list, _ := defs.([]any)
	for _, d := range list {
		def, ok := d.(*sandbox.Map)
		if !ok || def.String("kind") != "OperationDefinition" {
			continue
		}
		return def.Map("name").String("value"), def.String("operation")
	}
	return "", ""
}

func lookupID(tables []map[string]string, name string) string {
	for _, t := range tables {
		if id, ok := t[name]; ok {
			return id
		}
	}
	return ""
}
