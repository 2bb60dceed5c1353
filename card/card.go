// Package card obtains rendered share-card images for dynamic feed items
// from an external renderer service. Rendering failures are expected; the
// content tracker falls back to a raw image URL.
package card

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"bililive-notifier/pkg/notifier"
)

// ErrDisabled is returned when no renderer service is configured.
var ErrDisabled = errors.New("card renderer disabled")

// maxImageSize bounds a rendered card; anything larger is a renderer bug.
const maxImageSize = 8 << 20

// Renderer produces a composite image for a feed item.
type Renderer interface {
	Render(ctx context.Context, item *notifier.ContentItem) ([]byte, error)
}

// Disabled is a Renderer that always reports the service as unconfigured.
type Disabled struct{}

// Render always returns ErrDisabled.
func (Disabled) Render(context.Context, *notifier.ContentItem) ([]byte, error) {
	return nil, ErrDisabled
}

// HTTPRenderer posts items to a card-renderer service and returns the
// image bytes it produces.
type HTTPRenderer struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPRenderer creates a renderer client for the given service URL.
func NewHTTPRenderer(url string, client *http.Client, logger *slog.Logger) *HTTPRenderer {
	return &HTTPRenderer{url: url, client: client, logger: logger}
}

// Render posts the item and returns the rendered image.
func (r *HTTPRenderer) Render(ctx context.Context, item *notifier.ContentItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render card: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close renderer response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("render card: HTTP %d", resp.StatusCode)
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("read rendered card: %w", err)
	}
	if len(img) == 0 {
		return nil, errors.New("render card: empty response")
	}
	if len(img) > maxImageSize {
		return nil, errors.New("render card: image too large")
	}
	return img, nil
}
