// Package registry talks to the container registry's package API: listing
// stored image versions and deleting them, plus the cleanup policy applied
// after a successful push.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PackageType is the only package type kiln manages.
const PackageType = "container"

// ErrVersionNotFound is returned when deleting a version that does not exist.
var ErrVersionNotFound = errors.New("package version not found")

// Version is a stored image revision. A version with no tags is eligible for
// untagged cleanup.
type Version struct {
	ID        int64     `json:"id"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Tagged reports whether the version carries at least one tag.
func (v Version) Tagged() bool {
	return len(v.Tags) > 0
}

// Client is the registry package API surface the cleanup step needs.
type Client interface {
	ListVersions(ctx context.Context, pkg string) ([]Version, error)
	DeleteVersion(ctx context.Context, pkg string, id int64) error
}

// HTTPClient implements Client against a packages HTTP API with bearer-token
// authentication.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a registry client for the given base URL.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ListVersions fetches all versions of a package.
func (c *HTTPClient) ListVersions(ctx context.Context, pkg string) ([]Version, error) {
	u := fmt.Sprintf("%s/packages/%s/%s/versions", c.baseURL, PackageType, url.PathEscape(pkg))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list versions: unexpected status %d", resp.StatusCode)
	}

	var versions []Version
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, fmt.Errorf("decode versions: %w", err)
	}
	return versions, nil
}

// DeleteVersion deletes a single package version by id.
func (c *HTTPClient) DeleteVersion(ctx context.Context, pkg string, id int64) error {
	u := fmt.Sprintf("%s/packages/%s/%s/versions/%s",
		c.baseURL, PackageType, url.PathEscape(pkg), strconv.FormatInt(id, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete version %d: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %d", ErrVersionNotFound, id)
	default:
		return fmt.Errorf("delete version %d: unexpected status %d", id, resp.StatusCode)
	}
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}
