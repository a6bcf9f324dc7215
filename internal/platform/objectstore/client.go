// Package objectstore fetches uploaded audio objects over HTTP.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"resty.dev/v3"

	"github.com/voxnote/voxnote-api/internal/config"
)

// Client implements store.ObjectStore against an HTTP object storage
// service. A missing object is not an error: the pipeline reports it as
// a business failure, while an unreachable store must surface as an
// error so the message is redelivered.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a Client from the object store configuration.
func New(cfg config.ObjectStoreConfig, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("object store base URL cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:   client,
		logger: logger.With(slog.String("component", "objectstore")),
	}, nil
}

// Get fetches the object's bytes, or nil when the object does not exist.
func (c *Client) Get(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, errors.New("object ref cannot be empty")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get("/" + ref)
	if err != nil {
		return nil, fmt.Errorf("object store request failed: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		c.logger.WarnContext(ctx, "object not found", slog.String("object_ref", ref))
		return nil, nil
	case resp.IsError():
		return nil, fmt.Errorf("object store returned status %d for %q", resp.StatusCode(), ref)
	}

	body := resp.Bytes()
	c.logger.DebugContext(ctx, "fetched object",
		slog.String("object_ref", ref),
		slog.Int("size_bytes", len(body)))
	return body, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}
