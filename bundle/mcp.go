package bundle

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/bundlewatch/kit"
)

// Fingerprinter scans one target. *Scanner implements it.
type Fingerprinter interface {
	Scan(ctx context.Context, t Target) (*Record, error)
}

// RegisterMCP registers the bundle_scan and bundle_targets tools.
func RegisterMCP(srv *mcp.Server, fp Fingerprinter, targets map[string]Target, mws ...kit.Middleware) {
	registerScanTool(srv, fp, targets, kit.Chain(mws...))
	registerTargetsTool(srv, targets, kit.Chain(mws...))
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- scan ---

type scanReq struct {
	Target string `json:"target"`
}

func registerScanTool(srv *mcp.Server, fp Fingerprinter, targets map[string]Target, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "bundle_scan",
		Description: "Fetch a web app's entry page and scripts and return its build fingerprint: version, revision, environment, build manifest and persisted GraphQL query ids.",
		InputSchema: inputSchema(map[string]any{
			"target": map[string]any{"type": "string", "description": "Target name, see bundle_targets"},
		}, []string{"target"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*scanReq)
		t, err := Lookup(targets, r.Target)
		if err != nil {
			return nil, err
		}
		return fp.Scan(ctx, t)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r scanReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithTarget(ctx, r.Target) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

// --- targets ---

// TargetSummary describes a target for listings.
type TargetSummary struct {
	Name    string  `json:"name"`
	App     string  `json:"app,omitempty"`
	URL     string  `json:"url"`
	Require []Field `json:"require"`
}

func registerTargetsTool(srv *mcp.Server, targets map[string]Target, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "bundle_targets",
		Description: "List the configured scan targets.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return Summaries(targets), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}

	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

// Summaries lists targets by name.
func Summaries(targets map[string]Target) []TargetSummary {
	out := make([]TargetSummary, 0, len(targets))
	for _, n := range Names(targets) {
		t := targets[n]
		out = append(out, TargetSummary{Name: t.Name, App: t.App, URL: t.URL, Require: t.Require})
	}
	return out
}
