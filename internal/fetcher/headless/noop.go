package headless

import (
	"context"
	"errors"

	"github.com/sitegauge/sitegauge/internal/analyzer"
)

// ErrUnavailable is returned by Noop for every fetch.
var ErrUnavailable = errors.New("headless rendering is not enabled")

// Noop stands in for the renderer when headless support is switched off.
// Every fetch fails with ErrUnavailable: promotions fall back to the static
// snapshot, explicit render requests surface the error.
type Noop struct{}

// NewNoop returns a Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrUnavailable.
func (*Noop) Fetch(context.Context, analyzer.FetchRequest) (analyzer.FetchResponse, error) {
	return analyzer.FetchResponse{}, ErrUnavailable
}
