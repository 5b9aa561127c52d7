package match

import (
	"regexp"
	"strings"
)

var (
	commitRe  = regexp.MustCompile(`\b[0-9a-f]{40}\b`)
	versionRe = regexp.MustCompile(`\b\d+\.\d+\.\d+\b`)
)

// With a marker the version is the prefix of a "x.y.z-" build string.
var versionDashRe = regexp.MustCompile(`\b\d+\.\d+\.\d+-`)

// versionPattern returns the version regexp for marker and the number of
// trailing bytes of each match that are not part of the version.
func versionPattern(marker string) (*regexp.Regexp, int) {
	if marker != "" {
		return versionDashRe, 1
	}
	return versionRe, 0
}

// Version is a version/revision pair found side by side.
type Version struct {
	Version  string
	Revision string
	Match    Match
}

// windowEnd returns the end of the line after the one containing off.
func windowEnd(s string, off int) int {
	end := off
	for lines := 0; lines < 2; lines++ {
		i := strings.IndexByte(s[end:], '\n')
		if i < 0 {
			return len(s)
		}
		end += i
		if lines == 0 {
			end++
		}
	}
	return end
}

// pairAfter looks for second after first, on the same line or the next.
// When marker is set it must follow first on first's line, and the window
// starts after it.
func pairAfter(s string, first []int, second *regexp.Regexp, marker string) ([]int, bool) {
	base := first[1]
	if marker != "" {
		line := s[base:]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		i := strings.Index(line, marker)
		if i < 0 {
			return nil, false
		}
		base += i + len(marker)
	}
	loc := second.FindStringIndex(s[base:windowEnd(s, base)])
	if loc == nil {
		return nil, false
	}
	return []int{base + loc[0], base + loc[1]}, true
}

// VersionRevision finds a 40-hex commit hash next to a dotted three-part
// version, in either order, within the same or the following line. The
// earliest pair in the text wins. A non-empty marker must sit between the
// two on the first one's line, and the version must then be followed by "-".
func (m *Matcher) VersionRevision(src *Source, marker string) (Version, bool) {
	s := src.Text.Source()
	vre, trim := versionPattern(marker)
	var best Version
	found := false

	for _, h := range commitRe.FindAllStringIndex(s, -1) {
		if v, ok := pairAfter(s, h, vre, marker); ok {
			v[1] -= trim
			best = Version{
				Version:  s[v[0]:v[1]],
				Revision: s[h[0]:h[1]],
				Match:    Match{Kind: VersionRevision, Offset: h[0], Fragment: s[h[0]:v[1]]},
			}
			found = true
			break
		}
	}
	for _, v := range vre.FindAllStringIndex(s, -1) {
		v[1] -= trim
		if found && v[0] >= best.Match.Offset {
			break
		}
		if h, ok := pairAfter(s, v, commitRe, marker); ok {
			best = Version{
				Version:  s[v[0]:v[1]],
				Revision: s[h[0]:h[1]],
				Match:    Match{Kind: VersionRevision, Offset: v[0], Fragment: s[v[0]:h[1]]},
			}
			found = true
			break
		}
	}
	if found {
		m.cfg.Logger.Debug("match: version found",
			"url", src.URL, "offset", best.Match.Offset, "version", best.Version, "revision", best.Revision)
	}
	return best, found
}
