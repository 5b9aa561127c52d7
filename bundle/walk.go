package bundle

import (
	"context"
	"strings"

	"github.com/hazyhaar/bundlewatch/bundle/internal/fetch"
)

// walk inspects the route chunks listed in the build manifest until
// nothing is pending. Routes are taken in manifest order; routes not
// starting with "/" (e.g. sortedPages) and non-script assets are skipped.
func (sc *scan) walk(ctx context.Context) error {
	mr := sc.t.Manifest
	if mr == nil || !mr.Walk || sc.rec.BuildManifest == nil {
		return nil
	}
	for _, u := range sc.routeAssets() {
		if sc.complete() {
			return nil
		}
		if err := sc.visit(ctx, u); err != nil {
			return err
		}
	}
	if p := sc.pending(); len(p) > 0 {
		sc.log.Debug("bundle: manifest walk exhausted", "pending", p)
	}
	return nil
}

// routeAssets resolves the manifest's script paths against the target URL,
// listing each once.
func (sc *scan) routeAssets() []string {
	bm := sc.rec.BuildManifest
	base := sc.t.Manifest.AssetBase
	seen := make(map[string]bool)
	var out []string
	for _, route := range bm.Keys() {
		if !strings.HasPrefix(route, "/") {
			continue
		}
		v, _ := bm.Get(route)
		list, _ := v.([]any)
		for _, e := range list {
			p, ok := e.(string)
			if !ok || !strings.HasSuffix(p, ".js") || seen[p] {
				continue
			}
			seen[p] = true
			u, err := fetch.Resolve(sc.t.URL, base+p)
			if err != nil {
				sc.log.Warn("bundle: manifest asset skipped", "route", route, "asset", p, "error", err)
				continue
			}
			out = append(out, u)
		}
	}
	return out
}
