// Package objcache talks to the remote optimization cache over HTTP. Keys
// are "{book_id}/{format}"; every object carries the source ETag and the
// optimizer version that produced it as metadata headers.
package objcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Metadata header names on cached objects.
const (
	metaEtagHeader      = "X-Meta-Etag"
	metaOptimizerHeader = "X-Meta-Optimizer-Version"
)

// Meta is the validation metadata stored alongside a cached object.
type Meta struct {
	Etag             string
	OptimizerVersion string
}

// Client implements the object-cache protocol against a remote endpoint.
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// New creates a Client for the given cache endpoint.
func New(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect verifies the endpoint URL is well formed.
func (c *Client) Connect() error {
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("invalid object cache URL: %w", err)
	}
	return nil
}

func (c *Client) objectURL(key string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid object cache URL: %w", err)
	}
	u.Path = path.Join(u.Path, key)
	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	objURL, err := c.objectURL(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, objURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	return req, nil
}

// Has reports whether an object exists for the key.
func (c *Client) Has(ctx context.Context, key string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to stat cache object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK, nil
}

// StatMeta returns the validation metadata of a cached object.
func (c *Client) StatMeta(ctx context.Context, key string) (Meta, error) {
	req, err := c.newRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		return Meta{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to stat cache object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Meta{}, fmt.Errorf("cache object %s: HTTP %d", key, resp.StatusCode)
	}
	return Meta{
		Etag:             resp.Header.Get(metaEtagHeader),
		OptimizerVersion: resp.Header.Get(metaOptimizerHeader),
	}, nil
}

// Get downloads a cached object into dest.
func (c *Client) Get(ctx context.Context, key, dest string) error {
	req, err := c.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch cache object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cache object %s: HTTP %d", key, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write cache object: %w", err)
	}
	return nil
}

// Put uploads a local file under the key with its validation metadata.
func (c *Client) Put(ctx context.Context, key, localPath string, meta Meta) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open upload source: %w", err)
	}
	defer func() { _ = f.Close() }()

	req, err := c.newRequest(ctx, http.MethodPut, key, f)
	if err != nil {
		return err
	}
	req.Header.Set(metaEtagHeader, meta.Etag)
	req.Header.Set(metaOptimizerHeader, meta.OptimizerVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload cache object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("cache upload %s: HTTP %d", key, resp.StatusCode)
	}
	return nil
}
