package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

type stubFetcher struct {
	resp  FetchResponse
	err   error
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, _ FetchRequest) (FetchResponse, error) {
	f.calls++
	return f.resp, f.err
}

type stubDetector struct {
	promote bool
}

func (d stubDetector) ShouldPromote(FetchResponse) bool { return d.promote }

func analysisRequest(renderJS bool) analysis.AnalysisRequest {
	return analysis.AnalysisRequest{
		JobID:    "job-1",
		URL:      "https://example.com",
		RenderJS: renderJS,
	}
}

func TestAnalyzer_ScoresFetchedPage(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: respFor(goodPage)}
	a := New(probe, nil, nil, Config{}, zaptest.NewLogger(t))

	result, err := a.Analyze(context.Background(), analysisRequest(false))
	require.NoError(t, err)
	require.True(t, result.Complete())
	require.Equal(t, 100, result.OverallScore)
	require.Equal(t, "Example Store", result.PageTitle)
	require.NotEmpty(t, result.HTML)
	require.Equal(t, 1, probe.calls)
}

func TestAnalyzer_RenderJSUsesHeadlessFetcher(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: respFor(goodPage)}
	rendered := respFor(goodPage)
	rendered.UsedHeadless = true
	headless := &stubFetcher{resp: rendered}
	a := New(probe, headless, nil, Config{}, zaptest.NewLogger(t))

	_, err := a.Analyze(context.Background(), analysisRequest(true))
	require.NoError(t, err)
	require.Zero(t, probe.calls)
	require.Equal(t, 1, headless.calls)
}

func TestAnalyzer_DetectorPromotesToHeadless(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: respFor("<div id=\"root\"></div>")}
	rendered := respFor(goodPage)
	rendered.UsedHeadless = true
	headless := &stubFetcher{resp: rendered}
	a := New(probe, headless, stubDetector{promote: true}, Config{}, zaptest.NewLogger(t))

	result, err := a.Analyze(context.Background(), analysisRequest(false))
	require.NoError(t, err)
	require.Equal(t, 1, probe.calls)
	require.Equal(t, 1, headless.calls)
	require.Equal(t, "Example Store", result.PageTitle)
}

func TestAnalyzer_PromotionFailureFallsBackToPlainResponse(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: respFor(goodPage)}
	headless := &stubFetcher{err: errors.New("browser crashed")}
	a := New(probe, headless, stubDetector{promote: true}, Config{}, zaptest.NewLogger(t))

	result, err := a.Analyze(context.Background(), analysisRequest(false))
	require.NoError(t, err)
	require.Equal(t, "Example Store", result.PageTitle)
}

func TestAnalyzer_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: FetchResponse{URL: "https://example.com", StatusCode: 503}}
	a := New(probe, nil, nil, Config{}, zaptest.NewLogger(t))

	_, err := a.Analyze(context.Background(), analysisRequest(false))
	require.Error(t, err)
	require.Equal(t, analysis.ClassTransient, analysis.Classify(err))
}

func TestAnalyzer_ClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: FetchResponse{URL: "https://example.com", StatusCode: 404}}
	a := New(probe, nil, nil, Config{}, zaptest.NewLogger(t))

	_, err := a.Analyze(context.Background(), analysisRequest(false))
	require.Error(t, err)
	require.Equal(t, analysis.ClassFatal, analysis.Classify(err))
}

func TestAnalyzer_FetchErrorPassesThrough(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{err: errors.New("connection refused")}
	a := New(probe, nil, nil, Config{}, zaptest.NewLogger(t))

	_, err := a.Analyze(context.Background(), analysisRequest(false))
	require.Error(t, err)
	require.Equal(t, analysis.ClassTransient, analysis.Classify(err))
}
