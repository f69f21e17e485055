package tuffnells

import (
	"context"
	"net/url"
)

// Gateway defines the authenticated transport boundary against the Tuffnells
// eezlink portal. This abstraction allows for mock implementations during
// testing and the real HTTP implementation in production.
//
// The portal has no API: every operation is a fetch of a rendered page or a
// simulated form post, and outcomes are communicated through 302 redirects.
// Implementations must therefore never follow redirects; callers read the raw
// status and Location from the Response.
type Gateway interface {
	// Get fetches a portal page relative to the portal base URL.
	Get(ctx context.Context, path string) (*Response, error)

	// PostForm submits a form-encoded body to a portal page.
	PostForm(ctx context.Context, path string, form url.Values) (*Response, error)
}

// Response is a portal reply with redirects left unfollowed.
type Response struct {
	StatusCode int
	Location   string // Location header, set on 3xx responses
	Body       string
}

// Recorder receives portal round-trip outcomes. internal/telemetry.Metrics
// satisfies it.
type Recorder interface {
	RecordRequest(operation, carrier, status string, duration float64)
	RecordError(carrier, errorType string)
}
