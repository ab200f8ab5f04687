// Package analyzer turns a fetched page into scores, issues, and
// recommendations.
package analyzer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the raw fetch outcome handed to scoring.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves one page. Implementations must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RenderDetector decides whether a plain fetch needs to be redone with a
// JavaScript-capable renderer.
type RenderDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Config controls Analyzer behavior.
type Config struct {
	UserAgent string
}

// Analyzer implements the page analysis operation: fetch the page (promoting
// to a headless render when requested or detected), then run the scoring
// checks over the resulting DOM.
type Analyzer struct {
	probe    Fetcher
	headless Fetcher
	detector RenderDetector
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Analyzer. The headless fetcher and detector are optional;
// without them every page is analyzed from the plain HTTP response.
func New(probe Fetcher, headless Fetcher, detector RenderDetector, cfg Config, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		probe:    probe,
		headless: headless,
		detector: detector,
		cfg:      cfg,
		logger:   logger,
	}
}

// Analyze fetches and scores the requested page.
func (a *Analyzer) Analyze(ctx context.Context, req analysis.AnalysisRequest) (analysis.Result, error) {
	resp, err := a.fetch(ctx, req)
	if err != nil {
		return analysis.Result{}, err
	}
	if err := statusError(resp.StatusCode); err != nil {
		return analysis.Result{}, err
	}

	report, err := Score(resp)
	if err != nil {
		return analysis.Result{}, analysis.NewFailure(analysis.ClassFatal, fmt.Errorf("score page: %w", err))
	}

	return analysis.Result{
		OverallScore: report.Overall,
		Scores:       report.Scores,
		Issues:       report.Issues,
		PageTitle:    report.Title,
		Duration:     resp.Duration,
		HTML:         resp.Body,
	}, nil
}

func (a *Analyzer) fetch(ctx context.Context, req analysis.AnalysisRequest) (FetchResponse, error) {
	request := FetchRequest{JobID: req.JobID, URL: req.URL}
	if a.cfg.UserAgent != "" {
		request.Headers = http.Header{"User-Agent": []string{a.cfg.UserAgent}}
	}

	if req.RenderJS && a.headless != nil {
		return a.headless.Fetch(ctx, request)
	}

	resp, err := a.probe.Fetch(ctx, request)
	if err != nil {
		return FetchResponse{}, err
	}
	if a.headless != nil && a.detector != nil && a.detector.ShouldPromote(resp) {
		a.logger.Debug("promoting fetch to headless render",
			zap.String("job_id", req.JobID), zap.String("url", req.URL))
		rendered, rerr := a.headless.Fetch(ctx, request)
		if rerr != nil {
			// The plain response is still scoreable; keep it.
			a.logger.Warn("headless promotion failed, using plain response",
				zap.String("job_id", req.JobID), zap.Error(rerr))
			return resp, nil
		}
		return rendered, nil
	}
	return resp, nil
}

// statusError maps HTTP status codes onto the failure taxonomy: server-side
// errors may resolve on retry, client-side errors will not.
func statusError(status int) error {
	switch {
	case status >= 500:
		return analysis.NewFailure(analysis.ClassTransient,
			fmt.Errorf("target returned status %d", status))
	case status >= 400:
		return analysis.NewFailure(analysis.ClassFatal,
			fmt.Errorf("target returned status %d", status))
	default:
		return nil
	}
}
