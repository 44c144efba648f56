package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRenderFailed is the permanent per-job failure reported by the provider.
var ErrRenderFailed = errors.New("render failed")

// Spec describes one area render job sent to the provider.
type Spec struct {
	AreaType     string
	Style        string
	Prompt       string
	BaseImageURL string
}

// Image is a finished render. Bytes is populated when the download succeeded;
// URL always points at the provider-hosted result.
type Image struct {
	URL   string
	Bytes []byte
	Mime  string
}

type Options struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Client talks to the render provider's asynchronous job API: create a task,
// then poll until it reaches a terminal state.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	log          *slog.Logger
	pollInterval time.Duration
}

func NewClient(opts Options, log *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Client{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:          log,
		pollInterval: pollInterval,
	}
}

// Generate runs one render job to completion. onProgress, when non-nil, is
// called with 0-100 values as the provider reports them. Cancellation of ctx
// (including the caller's per-area deadline) aborts the poll loop.
func (c *Client) Generate(ctx context.Context, spec Spec, onProgress func(int)) (*Image, error) {
	taskID, err := c.createTask(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create render task: %w", err)
	}
	return c.pollTask(ctx, taskID, onProgress)
}

func (c *Client) createTask(ctx context.Context, spec Spec) (string, error) {
	input := map[string]any{
		"area":   spec.AreaType,
		"style":  spec.Style,
		"prompt": spec.Prompt,
	}
	if spec.BaseImageURL != "" {
		input["image_url"] = spec.BaseImageURL
	}
	payload := map[string]any{
		"model": "landscape-v2",
		"input": input,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/renders", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post render: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("render create task failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return "", fmt.Errorf("render error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var createResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("decode create response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if createResp.ID == "" {
		return "", fmt.Errorf("empty render id in response")
	}

	if c.log != nil {
		c.log.Info("render task created", "task_id", createResp.ID, "area", spec.AreaType)
	}
	return createResp.ID, nil
}

func (c *Client) pollTask(ctx context.Context, taskID string, onProgress func(int)) (*Image, error) {
	pollURL := c.baseURL + "/v1/renders/" + url.PathEscape(taskID)

	for attempt := 0; ; attempt++ {
		status, err := c.fetchStatus(ctx, pollURL)
		if err != nil {
			return nil, err
		}

		switch status.State {
		case "succeeded":
			if status.Result.URL == "" {
				return nil, fmt.Errorf("succeeded render %s has no result url", taskID)
			}
			if onProgress != nil {
				onProgress(100)
			}
			img := &Image{URL: status.Result.URL}
			// Best effort: download so the caller can re-host the image on
			// durable storage. The provider URL still works if this fails.
			if data, mime, err := c.download(ctx, status.Result.URL); err == nil {
				img.Bytes = data
				img.Mime = mime
			} else if c.log != nil {
				c.log.Warn("render result download failed", "task_id", taskID, "err", err)
			}
			if c.log != nil {
				c.log.Info("render task completed", "task_id", taskID, "attempt", attempt+1)
			}
			return img, nil

		case "failed":
			msg := status.Error
			if msg == "" {
				msg = "unknown error"
			}
			if c.log != nil {
				c.log.Error("render task failed", "task_id", taskID, "err", msg)
			}
			return nil, fmt.Errorf("%w: %s", ErrRenderFailed, msg)

		case "queued", "processing":
			if onProgress != nil && status.Progress > 0 {
				onProgress(status.Progress)
			}
			if c.log != nil && attempt%10 == 0 {
				c.log.Debug("render task pending", "task_id", taskID, "state", status.State, "attempt", attempt+1)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pollInterval):
			}

		default:
			return nil, fmt.Errorf("unknown render state: %s", status.State)
		}
	}
}

type taskStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
	Error    string `json:"error"`
	Result   struct {
		URL string `json:"url"`
	} `json:"result"`
}

func (c *Client) fetchStatus(ctx context.Context, pollURL string) (*taskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get render status: %w", err)
	}
	rawBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("render poll failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("render error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var status taskStatus
	if err := json.Unmarshal(rawBody, &status); err != nil {
		return nil, fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(rawBody))
	}
	return &status, nil
}

func (c *Client) download(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
