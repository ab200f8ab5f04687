package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitegauge/sitegauge/internal/analyzer"
)

func resp(status int, body string) analyzer.FetchResponse {
	return analyzer.FetchResponse{StatusCode: status, Body: []byte(body)}
}

func TestHeuristic_PromotesEmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.True(t, h.ShouldPromote(resp(200, "")))
}

func TestHeuristic_PromotesSPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.True(t, h.ShouldPromote(resp(200, `<html><body><div id="root"></div></body></html>`)))
	require.True(t, h.ShouldPromote(resp(200, `<html><body><div data-reactroot></div></body></html>`)))
}

func TestHeuristic_PromotesScriptHeavyShells(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(2048)
	shell := `<html><body><script>` + strings.Repeat("window.x=1;", 50) + `</script><p>a</p></body></html>`
	require.True(t, h.ShouldPromote(resp(200, shell)))
}

func TestHeuristic_IgnoresContentfulPages(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	page := `<html><body>` + strings.Repeat("<p>real content here</p>", 200) + `</body></html>`
	require.False(t, h.ShouldPromote(resp(200, page)))
}

func TestHeuristic_IgnoresNon200AndRendered(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.False(t, h.ShouldPromote(resp(404, "")))

	rendered := resp(200, "")
	rendered.UsedHeadless = true
	require.False(t, h.ShouldPromote(rendered))
}
