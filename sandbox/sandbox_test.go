package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestEvalExpression_EnvLiteral(t *testing.T) {
	// WHAT: A minified env object evaluates to an ordered map.
	// WHY: Config blocks are copied verbatim from bundles and their key order is reported.
	sb := New(Options{})
	src := `{NODE_ENV:"production",PUBLIC_URL:"",VERSION:"6.0.0",FLAGS:{a:!0,b:!1},N:1e3}`
	v, err := sb.EvalExpression(context.Background(), src)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	m, ok := v.(*Map)
	if !ok {
		t.Fatalf("got %T, want *Map", v)
	}
	want := `{"NODE_ENV":"production","PUBLIC_URL":"","VERSION":"6.0.0","FLAGS":{"a":true,"b":false},"N":1000}`
	if diff := cmp.Diff(want, mustJSON(t, m)); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	if got := m.String("VERSION"); got != "6.0.0" {
		t.Errorf("VERSION: got %q", got)
	}
}

func TestEval_InfiniteLoopTimesOut(t *testing.T) {
	// WHAT: A fragment that never terminates fails with ErrTimeout.
	// WHY: Bundles are untrusted; a hostile block must not hang a scan.
	sb := New(Options{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := sb.Eval(context.Background(), `var i = 0; while (true) { i++ }`)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	var ee *EvaluationError
	if !errors.As(err, &ee) {
		t.Fatalf("got %T, want *EvaluationError", err)
	}
}

func TestEval_ContextCancel(t *testing.T) {
	sb := New(Options{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sb.Eval(ctx, `for (;;) {}`)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestEval_SyntaxError(t *testing.T) {
	sb := New(Options{})
	for _, src := range []string{
		`{a:1,,}`,
		`function (`,
		`"unterminated`,
		`class A {}`,
		`new Date()`,
	} {
		_, err := sb.EvalExpression(context.Background(), src)
		if !errors.Is(err, ErrSyntax) {
			t.Errorf("%q: got %v, want ErrSyntax", src, err)
		}
	}
}

func TestEval_UndefinedGlobalIsRuntimeError(t *testing.T) {
	// WHAT: Host objects like document or fetch do not exist.
	// WHY: Nothing in the sandbox reaches the network or the DOM.
	sb := New(Options{})
	for _, src := range []string{`document.cookie`, `fetch("http://x")`, `require("fs")`, `process.env`} {
		_, err := sb.Eval(context.Background(), src)
		if !errors.Is(err, ErrRuntime) {
			t.Errorf("%q: got %v, want ErrRuntime", src, err)
		}
	}
}

func TestEval_RecursionDepth(t *testing.T) {
	sb := New(Options{MaxDepth: 50})
	_, err := sb.Eval(context.Background(), `function f(n) { return f(n + 1) } f(0)`)
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("got %v, want ErrRuntime", err)
	}
	if !strings.Contains(err.Error(), "call depth") {
		t.Errorf("error: %v", err)
	}
}

func TestEval_StringCap(t *testing.T) {
	sb := New(Options{MaxStringLen: 1024})
	_, err := sb.Eval(context.Background(), `var s = "x"; while (true) { s = s + s }`)
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("got %v, want ErrRuntime", err)
	}
}

func TestEval_SelfReferenceExportsNil(t *testing.T) {
	// WHAT: An object holding itself exports with the back references as nil.
	// WHY: Module factories may return graphs, and converting them must terminate.
	sb := New(Options{Timeout: 500 * time.Millisecond})
	v, err := sb.Eval(context.Background(), `var a = {n: 1}; a.x = a; a.y = a; a`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if diff := cmp.Diff(`{"n":1,"x":null,"y":null}`, mustJSON(t, v)); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}

	v, err = sb.Eval(context.Background(), `var o = {v: 1}; ({p: o, q: [o]})`)
	if err != nil {
		t.Fatalf("eval shared: %v", err)
	}
	if diff := cmp.Diff(`{"p":{"v":1},"q":[{"v":1}]}`, mustJSON(t, v)); diff != "" {
		t.Errorf("shared export mismatch (-want +got):\n%s", diff)
	}
}

func TestEval_SharedGraphExportTimesOut(t *testing.T) {
	// WHAT: A result that doubles through shared references hits the timeout while exporting.
	// WHY: The per-fragment limit covers the whole evaluation, not just the script run.
	sb := New(Options{Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := sb.Eval(context.Background(), `var a = [1]; for (var i = 0; i < 40; i++) { a = [a, a] } a`)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestEval_StringifyGraphs(t *testing.T) {
	sb := New(Options{Timeout: 100 * time.Millisecond})
	_, err := sb.Eval(context.Background(), `var a = {}; a.self = a; JSON.stringify(a)`)
	if !errors.Is(err, ErrRuntime) || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("cyclic: got %v, want circular ErrRuntime", err)
	}

	start := time.Now()
	_, err = sb.Eval(context.Background(), `var a = [1]; for (var i = 0; i < 40; i++) { a = [a, a] } JSON.stringify(a)`)
	if err == nil {
		t.Fatal("doubling graph: expected an error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stringify took %s", elapsed)
	}
}

func TestEval_ModuleFactory(t *testing.T) {
	// WHAT: A webpack module factory run through an exports shim yields its default export.
	// WHY: GraphQL operation descriptors live in such factories.
	sb := New(Options{})
	src := `
var exports = {};
var __require = function () { return {} };
__require.r = function () {};
__require.d = function (t, e) { Object.assign(t, e) };
(function (e, t, n) {
    "use strict";
    n.r(t);
    n.d(t, { default: function () { return r } });
    var a = { kind: "Fragment" };
    var r = function () {
        return { fragment: a, params: { id: "0123abcd", metadata: {}, name: "HomeQuery", operationKind: "query", text: null } }
    }();
    r.hash = "deadbeef";
})(null, exports, __require);
var __q = exports.default;
typeof __q === "function" ? __q() : __q
`
	v, err := sb.Eval(context.Background(), src)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	m, ok := v.(*Map)
	if !ok {
		t.Fatalf("got %T", v)
	}
	params := m.Map("params")
	if params.String("id") != "0123abcd" || params.String("name") != "HomeQuery" {
		t.Errorf("params: %s", mustJSON(t, params))
	}
	if m.String("hash") != "deadbeef" {
		t.Errorf("hash: %q", m.String("hash"))
	}
}

func TestEvalGlobal_BuildManifest(t *testing.T) {
	// WHAT: A Next.js build manifest assigned through self is readable by name.
	// WHY: The manifest walk depends on route order being preserved.
	sb := New(Options{})
	src := `self.__BUILD_MANIFEST = function (s, a, c) {
    return { __rewrites: { afterFiles: [], beforeFiles: [], fallback: [] }, "/": [s, "static/chunks/pages/index-1.js"], "/about": [a, c], sortedPages: ["/", "/about"] }
}("static/chunks/1.js", "static/chunks/2.js", "static/chunks/pages/about-3.js"), self.__BUILD_MANIFEST_CB && self.__BUILD_MANIFEST_CB();`
	v, ok, err := sb.EvalGlobal(context.Background(), src, "__BUILD_MANIFEST")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatal("manifest not assigned")
	}
	m := v.(*Map)
	if diff := cmp.Diff([]string{"__rewrites", "/", "/about", "sortedPages"}, m.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	about, _ := m.Get("/about")
	if diff := cmp.Diff([]any{"static/chunks/2.js", "static/chunks/pages/about-3.js"}, about); diff != "" {
		t.Errorf("/about (-want +got):\n%s", diff)
	}

	if _, ok, err := sb.EvalGlobal(context.Background(), `var x = 1`, "missing"); err != nil || ok {
		t.Errorf("missing: ok=%v err=%v", ok, err)
	}
}

func TestEval_Placeholder(t *testing.T) {
	// WHAT: Unknown identifiers resolve through the placeholder hook.
	// WHY: Minified env blocks reference a renamed process shim such as "c.env".
	sb := New(Options{
		Placeholder: func(name string) (any, bool) {
			if len(name) == 1 {
				return map[string]any{"env": map[string]any{}}, true
			}
			return nil, false
		},
		Globals: map[string]any{"navigator": map[string]any{"userAgent": "bundlewatch"}},
	})
	v, err := sb.EvalExpression(context.Background(),
		`{API: c.env.API_URL || "https://api.example", UA: navigator.userAgent, SAME: c === c}`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	want := `{"API":"https://api.example","UA":"bundlewatch","SAME":true}`
	if diff := cmp.Diff(want, mustJSON(t, v)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestEval_JSONRoundTrip(t *testing.T) {
	sb := New(Options{})
	v, err := sb.Eval(context.Background(),
		`JSON.stringify(JSON.parse('{"b":1,"a":[true,null,"<x>"],"c":{"d":1.5}}'))`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if diff := cmp.Diff(`{"b":1,"a":[true,null,"<x>"],"c":{"d":1.5}}`, v); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestEval_Language(t *testing.T) {
	sb := New(Options{})
	cases := []struct {
		src  string
		want any
	}{
		{`1 + 2 * 3`, 7.0},
		{`"a" + 1`, "a1"},
		{`[1, 2, 3].map(x => x * 2).join("-")`, "2-4-6"},
		{`var o = {a: 1, ...{b: 2}}; Object.keys(o).length`, 2.0},
		{`var s = 0; for (var k in {x: 1, y: 2}) s++; s`, 2.0},
		{`var t = 0; for (const v of [1, 2, 3]) { if (v === 2) continue; t += v } t`, 4.0},
		{`try { throw new_thing } catch (e) { "caught" }`, "caught"},
		{`try { throw "x" } catch (e) { e + "!" }`, "x!"},
		{`(function () { return this })() === undefined`, true},
		{`typeof missing`, "undefined"},
		{`null ?? "d"`, "d"},
		{`var a; a?.b?.c`, nil},
		{"`v${1 + 1}`", "v2"},
		{`0x10 >>> 1`, 8.0},
		{`"6.0.0".split(".").length`, 3.0},
		{`parseInt("42px")`, 42.0},
		{`(function (a, ...rest) { return rest.length }).apply(null, [1, 2, 3])`, 2.0},
		{`var i = 0; do { i++ } while (i < 3); i`, 3.0},
	}
	for _, c := range cases {
		got, err := sb.Eval(context.Background(), c.src)
		if err != nil {
			t.Errorf("%s: %v", c.src, err)
			continue
		}
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", c.src, diff)
		}
	}
}

func TestEval_FrozenObject(t *testing.T) {
	sb := New(Options{})
	v, err := sb.Eval(context.Background(), `var o = Object.freeze({a: 1}); o.a = 2; o.a`)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1.0 {
		t.Errorf("got %v", v)
	}
}

func TestSandbox_Concurrent(t *testing.T) {
	sb := New(Options{})
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := sb.Eval(context.Background(), `var o = {}; for (var i = 0; i < 1000; i++) o["k" + i] = i; Object.keys(o).length`)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Error(err)
		}
	}
}
