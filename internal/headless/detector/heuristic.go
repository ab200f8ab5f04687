// Package detector decides when a page needs a JavaScript render before
// scoring.
package detector

import (
	"net/http"
	"strings"

	"github.com/sitegauge/sitegauge/internal/analyzer"
)

// Markers that framework shells leave in the server-rendered document. Their
// presence means the static HTML is a mounting point, not the real page.
var shellMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// Share of the document, in percent, that script elements must occupy before
// a small page counts as a client-rendered shell.
const minScriptShare = 25

// Heuristic promotes fetches to a headless render when the static HTML looks
// like a client-rendered shell. Without promotion those pages would score
// terribly on content checks through no fault of the site.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic returns a detector. A zero threshold picks a 2 KiB default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether resp warrants a second, headless fetch.
// Failed responses and responses that already came from the renderer never
// promote.
func (h *Heuristic) ShouldPromote(resp analyzer.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}

	doc := strings.ToLower(string(resp.Body))
	for _, marker := range shellMarkers {
		if strings.Contains(doc, marker) {
			return true
		}
	}
	return len(doc) < h.BodyLengthThreshold && scriptShare(doc) >= minScriptShare
}

// scriptShare returns the percentage of doc occupied by script elements.
// Unterminated script tags count through end of input.
func scriptShare(doc string) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	for rest := doc; ; {
		i := strings.Index(rest, openTag)
		if i < 0 {
			break
		}
		seg := rest[i:]
		end := strings.Index(seg, closeTag)
		if end < 0 {
			covered += len(seg)
			break
		}
		end += len(closeTag)
		covered += end
		rest = seg[end:]
	}
	if covered == 0 {
		return 0
	}
	return covered * 100 / len(doc)
}
