package match

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	rev40 = strings.Repeat("a1", 20)
	id64  = strings.Repeat("0f", 32)
	id64b = strings.Repeat("e2", 32)
)

func src(raw string) *Source { return NewSource("https://app.example/main.js", []byte(raw)) }

func TestVersionRevision_Marker(t *testing.T) {
	// WHAT: hash, marker and version on one line yield the pair.
	// WHY: This is the splatnet layout: revision, placeholder marker, then "x.y.z-".
	m := New(Config{})
	s := src(`const r="` + rev40 + `",i="revision_info_not_set",o="1.2.3-"+r.slice(0,8);`)
	v, ok := m.VersionRevision(s, "revision_info_not_set")
	if !ok {
		t.Fatalf("no match in:\n%s", s.Text.Source())
	}
	if v.Version != "1.2.3" || v.Revision != rev40 {
		t.Errorf("got %+v", v)
	}
	if _, ok := m.VersionRevision(s, "other_marker"); ok {
		t.Error("matched without the marker")
	}
}

func TestVersionRevision_MarkerNeedsBuildSuffix(t *testing.T) {
	// WHAT: with a marker, a dotted triple not followed by "-" is passed over.
	// WHY: Other version strings can sit in the same window as the build string.
	m := New(Config{})
	s := src(`const r="` + rev40 + `",i="revision_info_not_set",u="9.9.9",o="1.2.3-"+r.slice(0,8);`)
	v, ok := m.VersionRevision(s, "revision_info_not_set")
	if !ok {
		t.Fatalf("no match in:\n%s", s.Text.Source())
	}
	if v.Version != "1.2.3" || v.Revision != rev40 {
		t.Errorf("got %+v", v)
	}
}

func TestVersionRevision_VersionFirst(t *testing.T) {
	m := New(Config{})
	v, ok := m.VersionRevision(src(`var v="4.5.6";var h="`+rev40+`";`), "")
	if !ok {
		t.Fatal("no match")
	}
	if v.Version != "4.5.6" || v.Revision != rev40 {
		t.Errorf("got %+v", v)
	}
	if v.Match.Kind != VersionRevision || !strings.HasPrefix(v.Match.Fragment, "4.5.6") {
		t.Errorf("match: %+v", v.Match)
	}
}

func TestVersionRevision_OutOfWindow(t *testing.T) {
	m := New(Config{})
	_, ok := m.VersionRevision(src(`var h="`+rev40+`";var a=1;var b=2;var v="4.5.6";`), "")
	if ok {
		t.Error("pair three lines apart should not match")
	}
	if _, ok := m.VersionRevision(src(`var id="`+id64+`",v="1.0.0";`), ""); ok {
		t.Error("64-hex id must not be read as a commit hash")
	}
}

func TestEnvironment_RoundTrip(t *testing.T) {
	// WHAT: minified literal -> normalize -> capture -> evaluate reproduces every key/value.
	// WHY: The env block is reported verbatim and diffed between deployments.
	m := New(Config{})
	lit := `{NODE_ENV:"production",PUBLIC_URL:"",VERSION:"3.0.1",NESTED:{A:1,B:[true,null]},EMPTY:{}}`
	s := src(`!function(){var e=` + lit + `;window.env=e}();`)
	env, mt, ok := m.Environment(context.Background(), s, EnvSpec{FirstKey: "NODE_ENV"})
	if !ok {
		t.Fatalf("no match in:\n%s", s.Text.Source())
	}
	got, _ := json.Marshal(env)
	want := `{"NODE_ENV":"production","PUBLIC_URL":"","VERSION":"3.0.1","NESTED":{"A":1,"B":[true,null]},"EMPTY":{}}`
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("env (-want +got):\n%s", diff)
	}
	if mt.Kind != EnvironmentBlock {
		t.Errorf("kind: %s", mt.Kind)
	}
}

func TestEnvironment_Wrapper(t *testing.T) {
	m := New(Config{})
	s := src(`a=Object({NODE_ENV:"production",REACT_APP_VERSION:"2.1.0"}),b=2;`)
	env, _, ok := m.Environment(context.Background(), s, EnvSpec{Wrapper: "Object"})
	if !ok {
		t.Fatalf("no match in:\n%s", s.Text.Source())
	}
	if env.String("REACT_APP_VERSION") != "2.1.0" {
		t.Errorf("got %v", env.Keys())
	}
	if wrapperRe("Object") != wrapperRe("Object") {
		t.Error("wrapper pattern compiled more than once")
	}
}

func TestEnvironment_Placeholders(t *testing.T) {
	// WHAT: a renamed process shim and navigator resolve to fabricated globals.
	// WHY: The shim's identifier changes with every minifier pass.
	m := New(Config{})
	s := src(`var d={CODE:"lhub",VERSION:"1.0.0",GIT_COMMIT_HASH:"` + rev40 + `",UA:navigator.userAgent,API:c.env.NEXT_PUBLIC_API||"https://api.example"};`)
	env, _, ok := m.Environment(context.Background(), s, EnvSpec{
		FirstKey:     "CODE",
		Placeholders: true,
		Globals:      map[string]any{"navigator": map[string]any{"userAgent": "test-agent"}},
	})
	if !ok {
		t.Fatal("no match")
	}
	if env.String("UA") != "test-agent" || env.String("API") != "https://api.example" {
		t.Errorf("got UA=%q API=%q", env.String("UA"), env.String("API"))
	}

	if _, _, ok := m.Environment(context.Background(), s, EnvSpec{FirstKey: "CODE"}); ok {
		t.Error("expected failure without placeholders")
	}
}

func TestEnvironment_Unterminated(t *testing.T) {
	m := New(Config{})
	if _, _, ok := m.Environment(context.Background(), src(`var e={NODE_ENV:"production"`), EnvSpec{FirstKey: "NODE_ENV"}); ok {
		t.Error("unterminated block should not match")
	}
}

func TestEnvironment_HostileFragmentTimesOut(t *testing.T) {
	m := New(Config{EvalTimeout: 50 * time.Millisecond})
	s := src(`var e={NODE_ENV:"production",X:function(){for(;;){}}()};`)
	start := time.Now()
	if _, _, ok := m.Environment(context.Background(), s, EnvSpec{FirstKey: "NODE_ENV"}); ok {
		t.Error("expected no match")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("took %s", time.Since(start))
	}
}

func TestRelease(t *testing.T) {
	m := New(Config{})
	s := src(`var n="undefined"!=typeof window?window:{};n.SENTRY_RELEASE={id:"` + rev40 + `"};`)
	rel, _, ok := m.Release(context.Background(), s, ".SENTRY_RELEASE = {")
	if !ok {
		t.Fatalf("no match in:\n%s", s.Text.Source())
	}
	if rel.String("id") != rev40 {
		t.Errorf("id: %q", rel.String("id"))
	}
}

func TestBuildManifest(t *testing.T) {
	m := New(Config{})
	raw := `self.__BUILD_MANIFEST=function(s){return{"/":[s,"static/chunks/pages/index.js"],"/player/[id]":["static/chunks/pages/player.js"],sortedPages:["/","/player/[id]"]}}("static/chunks/common.js"),self.__BUILD_MANIFEST_CB&&self.__BUILD_MANIFEST_CB();`
	manifest, ok := m.BuildManifest(context.Background(), src(raw), "self.__BUILD_MANIFEST=", "__BUILD_MANIFEST")
	if !ok {
		t.Fatal("no manifest")
	}
	if diff := cmp.Diff([]string{"/", "/player/[id]", "sortedPages"}, manifest.Keys()); diff != "" {
		t.Errorf("routes (-want +got):\n%s", diff)
	}
	if _, ok := m.BuildManifest(context.Background(), src("var x=1;"+raw), "self.__BUILD_MANIFEST=", "__BUILD_MANIFEST"); ok {
		t.Error("prefix must match the first bytes")
	}
}

func TestGraphqlModules_FactoryDefaultExport(t *testing.T) {
	// WHAT: a module factory holding id: "<64-hex>" is shimmed, invoked and read.
	// WHY: Persisted query ids are only reachable through the module's default export.
	m := New(Config{})
	raw := `(self.webpackChunk=self.webpackChunk||[]).push([[1],{12345:function(e,t,n){"use strict";n.r(t),n.d(t,{default:function(){return a}});var a=function(){return{fragment:{kind:"Fragment"},kind:"Request",params:{id:"` + id64 + `",metadata:{},name:"GetPlayer",operationKind:"query",text:null}}}();a.hash="x"},67890:function(e,t,n){"use strict";e.exports={other:1}}}]);`
	got := m.GraphqlModules(context.Background(), src(raw))
	if len(got) != 1 {
		t.Fatalf("got %d queries: %+v", len(got), got)
	}
	q := got[0]
	if q.Name != "GetPlayer" || q.ID != id64 || q.OperationKind != "query" || q.Kind != GraphqlModule {
		t.Errorf("got %+v", q)
	}
}

func TestGraphqlModules_SingleParamArrow(t *testing.T) {
	// WHAT: a CommonJS module written as `id: e => {...}` is recognised as a factory.
	// WHY: webpack 5 emits that form for modules that only take `module`.
	m := New(Config{})
	raw := `(self.webpackChunk=self.webpackChunk||[]).push([[3],{4321:e=>{"use strict";var a={params:{id:"` + id64 + `",name:"ArrowQuery",operationKind:"mutation"}};e.exports=a}}]);`
	got := m.GraphqlModules(context.Background(), src(raw))
	if len(got) != 1 || got[0].Name != "ArrowQuery" || got[0].ID != id64 || got[0].OperationKind != "mutation" {
		t.Fatalf("got %+v", got)
	}
}

func TestGraphqlModules_SelfReferencingExport(t *testing.T) {
	// WHAT: a factory whose export points at itself still yields its params, promptly.
	// WHY: converting the result must stay inside the evaluation budget.
	m := New(Config{EvalTimeout: 200 * time.Millisecond})
	raw := `(self.webpackChunk=self.webpackChunk||[]).push([[4],{77:function(e,t,n){var a={params:{id:"` + id64 + `",name:"Loop",operationKind:"query"}};a.x=a;a.y=a;e.exports=a}}]);`
	start := time.Now()
	got := m.GraphqlModules(context.Background(), src(raw))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("took %s", elapsed)
	}
	if len(got) != 1 || got[0].Name != "Loop" {
		t.Fatalf("got %+v", got)
	}
}

func TestGraphqlModules_Refetch(t *testing.T) {
	m := New(Config{})
	raw := `(self.webpackChunk=self.webpackChunk||[]).push([[2],{555:function(e,t,n){"use strict";n.d(t,{Z:function(){return r}});var i={id:"` + id64b + `",name:"PlayerRefetchQuery",operationKind:"query"},r=function(){return{kind:"Fragment",metadata:{refetch:{operation:{kind:"Request",params:i}}},name:"Player_fragment"}};t.default=r}}]);`
	got := m.GraphqlModules(context.Background(), src(raw))
	if len(got) != 1 || got[0].Name != "PlayerRefetchQuery" || got[0].ID != id64b {
		t.Fatalf("got %+v", got)
	}
}

func TestGraphqlDocuments(t *testing.T) {
	m := New(Config{})
	raw := `var o=JSON.parse('{"GetPlayer":"` + id64 + `","Other":"` + id64b + `"}'),c=JSON.parse('{"notIds":1}'),x={"query GetPlayer":{kind:"Document",definitions:[{kind:"OperationDefinition",operation:"query",name:{kind:"Name",value:"GetPlayer"}}]},"query Missing":{kind:"Document",definitions:[{kind:"OperationDefinition",operation:"query",name:{kind:"Name",value:"Missing"}}]}};`
	s := src(raw)
	tables := m.PersistedTables(context.Background(), s)
	if len(tables) != 1 {
		t.Fatalf("tables: %v", tables)
	}
	got := m.GraphqlDocuments(context.Background(), s, tables)
	if len(got) != 1 {
		t.Fatalf("got %+v in:\n%s", got, s.Text.Source())
	}
	if got[0].Name != "GetPlayer" || got[0].ID != id64 || got[0].OperationKind != "query" || got[0].Kind != GraphqlDocument {
		t.Errorf("got %+v", got[0])
	}
}
