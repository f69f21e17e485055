package tuffnells

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// DefaultLabelaryEndpoint renders 4x6 inch labels at 8 dots per millimetre,
// matching the portal's Zebra printer output.
const DefaultLabelaryEndpoint = "http://api.labelary.com/v1/printers/8dpmm/labels/4x6/0/"

// Renderer converts raw ZPL printer markup into a viewable document.
type Renderer interface {
	Render(ctx context.Context, urn, zpl, contentType string) ([]byte, error)
}

// Label is a consignment's printable label. The underlying format is ZPL;
// PNG and PDF renditions go through the attached renderer.
type Label struct {
	urn      string
	zpl      string
	renderer Renderer
}

// NewLabel wraps raw ZPL markup for a consignment.
func NewLabel(urn, zpl string, renderer Renderer) *Label {
	return &Label{urn: urn, zpl: zpl, renderer: renderer}
}

// ZPL returns the raw printer markup.
func (l *Label) ZPL() string { return l.zpl }

// PNG renders the label as a PNG image.
func (l *Label) PNG(ctx context.Context) ([]byte, error) {
	return l.renderer.Render(ctx, l.urn, l.zpl, "image/png")
}

// PDF renders the label as a PDF document.
func (l *Label) PDF(ctx context.Context) ([]byte, error) {
	return l.renderer.Render(ctx, l.urn, l.zpl, "application/pdf")
}

// LabelaryRenderer renders ZPL through the Labelary web service.
type LabelaryRenderer struct {
	endpoint   string
	httpClient *http.Client
}

// NewLabelaryRenderer creates a renderer against the public Labelary
// endpoint.
func NewLabelaryRenderer() *LabelaryRenderer {
	return &LabelaryRenderer{
		endpoint:   DefaultLabelaryEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewLabelaryRendererWithEndpoint creates a renderer against a custom
// Labelary-compatible endpoint.
func NewLabelaryRendererWithEndpoint(endpoint string) *LabelaryRenderer {
	r := NewLabelaryRenderer()
	r.endpoint = endpoint
	return r
}

// Render submits the ZPL as a multipart upload and returns the rendered
// bytes in the requested content type.
func (r *LabelaryRenderer) Render(ctx context.Context, urn, zpl, contentType string) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", urn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendering, err)
	}
	if _, err := part.Write([]byte(zpl)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendering, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendering, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendering, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", contentType)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendering, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: renderer returned status %d", ErrRendering, resp.StatusCode)
	}

	rendered, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendering, err)
	}
	return rendered, nil
}
