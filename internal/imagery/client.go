package imagery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable means the service has no imagery for the address. Not a
// billing event; the caller fails the submission before charging anything.
var ErrUnavailable = errors.New("imagery unavailable")

// Client fetches aerial/street imagery for a property address, used as the
// render input when the user did not upload a photo.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Fetch returns the image bytes and content type for an address.
func (c *Client) Fetch(ctx context.Context, address string) ([]byte, string, error) {
	if strings.TrimSpace(address) == "" {
		return nil, "", fmt.Errorf("address is required")
	}

	q := url.Values{}
	q.Set("address", address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/imagery?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch imagery: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, "", fmt.Errorf("%w: no imagery for address", ErrUnavailable)
	case resp.StatusCode >= 500:
		return nil, "", fmt.Errorf("%w: upstream status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, "", fmt.Errorf("fetch imagery: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read imagery: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}
