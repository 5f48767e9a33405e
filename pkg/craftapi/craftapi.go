// Package craftapi is a thin client for the Craftora resource services
// (projects, imports, search, profiles). Their persistence and validation
// live behind this API; the chat core only calls them as tool handlers.
package craftapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	BaseURL string        `split_words:"true" required:"true"`
	Token   string        `split_words:"true" required:"true"`
	Timeout time.Duration `split_words:"true" default:"15s"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("craftapi base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid craftapi url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type Project struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
}

type ImportedContent struct {
	ID     int64  `json:"id"`
	Source string `json:"source"`
	Title  string `json:"title"`
}

type SearchHit struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Kind  string `json:"kind"`
}

// CreateProject is idempotent under retry: the same idempotency key never
// creates a second project.
func (c *Client) CreateProject(ctx context.Context, title, description, idempotencyKey string) (*Project, error) {
	var out Project
	err := c.post(ctx, "/v1/projects", map[string]any{
		"title":       title,
		"description": description,
	}, idempotencyKey, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ImportContent(ctx context.Context, source, madeWith, idempotencyKey string) (*ImportedContent, error) {
	var out ImportedContent
	err := c.post(ctx, "/v1/imports", map[string]any{
		"source":    source,
		"made_with": madeWith,
	}, idempotencyKey, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SearchResources(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	var out struct {
		Hits []SearchHit `json:"hits"`
	}
	err := c.post(ctx, "/v1/search", map[string]any{
		"query": query,
		"limit": limit,
	}, "", &out)
	if err != nil {
		return nil, err
	}
	return out.Hits, nil
}

func (c *Client) SavePreference(ctx context.Context, key, value string) error {
	return c.post(ctx, "/v1/profile/preferences", map[string]any{
		"key":   key,
		"value": value,
	}, "", nil)
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any, idempotencyKey string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal craftapi payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build craftapi request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute craftapi request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read craftapi response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("craftapi %s status=%d body=%s", path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode craftapi response: %w", err)
	}
	return nil
}
