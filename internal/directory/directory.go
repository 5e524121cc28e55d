// Package directory looks up the display names of the events and communities rooms are attached to.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the directory service. With an empty base URL Name returns "".
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Name fetches GET {base}/api/{kind}/{refID} and returns its name field.
func (c *Client) Name(ctx context.Context, kind, refID string) (string, error) {
	if c.baseURL == "" {
		return "", nil
	}
	u := c.baseURL + "/api/" + url.PathEscape(kind) + "/" + url.PathEscape(refID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory %s/%s: %w", kind, refID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory %s/%s: status %d", kind, refID, resp.StatusCode)
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("directory %s/%s decode: %w", kind, refID, err)
	}
	return out.Name, nil
}
