package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

// WebSearchTool queries the Brave search API. Parallel-safe and cacheable
// with a short TTL, since identical queries within one turn are common.
type WebSearchTool struct {
	apiKey string
	client *http.Client
}

func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{
		apiKey: apiKey,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs and snippets"
}
func (t *WebSearchTool) ParallelSafe() bool       { return true }
func (t *WebSearchTool) CacheTTL() time.Duration  { return 5 * time.Minute }

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
				"minLength":   1,
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (1-10)",
				"minimum":     1,
				"maximum":     10,
			},
		},
		"required": []any{"query"},
	}
}

func (t *WebSearchTool) CacheKey(args map[string]any) string {
	query, _ := args["query"].(string)
	count := intArg(args, "count", 5)
	return fmt.Sprintf("%s|%d", strings.ToLower(strings.TrimSpace(query)), count)
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) string {
	if t.apiKey == "" {
		return Errorf("web_search is not configured: missing required Brave API key")
	}
	query, _ := args["query"].(string)
	count := intArg(args, "count", 5)

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Errorf("creating search request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return Warnf("search request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Warnf("reading search response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Warnf("search API returned %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return Warnf("parsing search response: %v", err)
	}
	if len(braveResp.Web.Results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range braveResp.Web.Results {
		if i >= count {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return b.String()
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
