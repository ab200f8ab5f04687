// Package headless renders pages in a real browser so client-side content is
// present before scoring.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/sitegauge/sitegauge/internal/analyzer"
)

const (
	defaultNavTimeout = 45 * time.Second
	// settleDelay gives late-mounting frameworks a beat after body-ready
	// before the DOM is captured.
	settleDelay = 500 * time.Millisecond
)

// Config controls the chromedp fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher drives headless Chrome through chromedp. One shared exec allocator
// backs all fetches; MaxParallel bounds how many tabs run at once.
type Fetcher struct {
	cfg       Config
	slots     chan struct{}
	allocCtx  context.Context
	stopAlloc context.CancelFunc
}

// NewChromedp builds the fetcher and its browser allocator. MaxParallel of
// zero means unbounded.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocCtx, f.stopAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close tears down the browser allocator.
func (f *Fetcher) Close() {
	f.stopAlloc()
}

// Fetch renders the requested page and returns the post-JavaScript DOM.
func (f *Fetcher) Fetch(ctx context.Context, request analyzer.FetchRequest) (analyzer.FetchResponse, error) {
	if f.slots != nil {
		select {
		case f.slots <- struct{}{}:
			defer func() { <-f.slots }()
		case <-ctx.Done():
			return analyzer.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
		}
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocCtx)
	defer closeTab()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	// The tab context is not derived from ctx, so propagate the caller's
	// cancellation by hand.
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.handle)

	var (
		html     string
		finalURL string
	)
	start := time.Now()
	err := chromedp.Run(tabCtx,
		f.prepareNetwork(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return analyzer.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", context.Cause(ctx))
		}
		return analyzer.FetchResponse{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	return analyzer.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// prepareNetwork enables the network domain and applies the user agent and
// any extra request headers before navigation.
func (f *Fetcher) prepareNetwork(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta collects status, headers, and URL of the main document from
// CDP network events while the page loads.
type responseMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) handle(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = fromNetworkHeaders(resp.Response.Headers)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

// snapshotWithFallbacks returns the captured document metadata, substituting
// the navigated URL (or the requested one) and a 200 status when no document
// response event was observed.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.Lock()
	status, headers, url := m.status, cloneHeader(m.headers), m.url
	m.mu.Unlock()

	if url == "" {
		url = finalURL
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

// fromNetworkHeaders normalizes the loosely-typed CDP header map.
func fromNetworkHeaders(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

// toNetworkHeaders converts to the CDP representation, keeping single-valued
// headers as plain strings.
func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
