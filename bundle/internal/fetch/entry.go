package fetch

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/bundlewatch/horosafe"
)

// Entry is the application's entry document.
type Entry struct {
	Asset
	// Scripts are the same-origin script URLs in document order.
	Scripts []string
	// Inline holds the text of inline scripts whose id was requested.
	Inline map[string]string
}

// Entry fetches the entry document at rawURL, applies scrub rules to the
// body before hashing, and lists its scripts. Inline scripts whose id is in
// inlineIDs are returned by id.
func (f *Fetcher) Entry(ctx context.Context, rawURL string, scrub []Scrub, inlineIDs []string) (*Entry, error) {
	a, err := f.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	body := a.Body
	for _, s := range scrub {
		body = s.Pattern.ReplaceAll(body, []byte(s.Replace))
	}
	if len(scrub) > 0 {
		a.Body = body
		a.SHA256 = Digest(body)
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	scripts, skipped, inline := ParseScripts(body, base, inlineIDs)
	for _, src := range skipped {
		f.config.Logger.Debug("fetch: cross-origin script skipped", "entry", rawURL, "src", src)
	}
	return &Entry{Asset: *a, Scripts: scripts, Inline: inline}, nil
}

// ParseScripts tokenizes an HTML document and returns script sources
// resolved against base, keeping only same-origin ones, in document order.
// Duplicate sources are listed once. Cross-origin sources are returned in
// skipped.
func ParseScripts(doc []byte, base *url.URL, inlineIDs []string) (scripts, skipped []string, inline map[string]string) {
	inline = make(map[string]string)
	want := make(map[string]bool, len(inlineIDs))
	for _, id := range inlineIDs {
		want[id] = true
	}
	seen := make(map[string]bool)

	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return scripts, skipped, inline
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Script {
				continue
			}
			var src, id string
			for _, attr := range tok.Attr {
				switch attr.Key {
				case "src":
					src = attr.Val
				case "id":
					id = attr.Val
				}
			}
			if src != "" {
				u, err := horosafe.ResolveSameOrigin(base, src)
				if err != nil {
					skipped = append(skipped, src)
					continue
				}
				s := u.String()
				if !seen[s] {
					seen[s] = true
					scripts = append(scripts, s)
				}
				continue
			}
			if id != "" && want[id] {
				// The tokenizer yields script content as one text token.
				if z.Next() == html.TextToken {
					inline[id] = strings.TrimSpace(string(z.Text()))
				}
			}
		}
	}
}
