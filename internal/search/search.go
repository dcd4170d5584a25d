// Package search wraps a Serper style web search endpoint.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultResults = 5
	MaxResults     = 10
)

var ErrDisabled = errors.New("web search is not configured")

type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type Client struct {
	apiKey     string
	url        string
	httpClient *http.Client
}

func NewClient(apiKey, url string, timeout time.Duration) *Client {
	return &Client{apiKey: apiKey, url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Search returns at most n ranked results for query.
func (c *Client) Search(ctx context.Context, query string, n int) ([]Result, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = DefaultResults
	}
	n = min(n, MaxResults)

	payload, err := json.Marshal(map[string]any{"q": query, "num": n})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider returned status %d: %s", resp.StatusCode, string(body))
	}
	return parseResults(body, n), nil
}

func parseResults(body []byte, n int) []Result {
	var out []Result
	gjson.GetBytes(body, "organic").ForEach(func(_, v gjson.Result) bool {
		r := Result{
			Title:   v.Get("title").String(),
			Link:    v.Get("link").String(),
			Snippet: v.Get("snippet").String(),
		}
		if r.Link != "" {
			out = append(out, r)
		}
		return len(out) < n
	})
	return out
}
