// Package volume talks to the volume servers that hold object bytes.
// Volume servers are addressed by host:port and store each object at the
// content-addressed path produced by placement.Path.
package volume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/placement"
)

// DefaultTimeout bounds a single volume request when none is configured.
const DefaultTimeout = time.Second

// StatusError is returned when a volume answers with an unexpected status.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}

// Client issues requests to volume servers.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client whose requests are bounded by timeout.
func NewClient(timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects from a volume are never followed; the directory owns placement.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With().Str("component", "volume-client").Logger(),
	}
}

// URL returns the address of key on volume. volume may carry a /svXX suffix.
func URL(volume string, key []byte) string {
	return "http://" + volume + placement.Path(key)
}

// Delete removes key from volume. A volume that no longer has the object
// answers 404, which counts as success.
func (c *Client) Delete(ctx context.Context, volume string, key []byte) error {
	url := URL(volume, key)
	status, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return &StatusError{Method: http.MethodDelete, URL: url, Status: status}
	}
	return nil
}

// Put writes body for key on volume.
func (c *Client) Put(ctx context.Context, volume string, key []byte, body []byte) error {
	url := URL(volume, key)
	status, err := c.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusNoContent && status != http.StatusOK {
		return &StatusError{Method: http.MethodPut, URL: url, Status: status}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (int, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Msg("volume request")

	return resp.StatusCode, nil
}

// Entry is one item of a volume directory listing (nginx autoindex json).
type Entry struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	MTime string `json:"mtime"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Type == "directory" }

// List fetches the JSON listing at url. A missing directory yields no entries.
func (c *Client) List(ctx context.Context, url string) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodGet, URL: url, Status: resp.StatusCode}
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode listing %s: %w", url, err)
	}
	return entries, nil
}
