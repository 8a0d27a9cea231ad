package qiniu

import (
	"context"
	"net/http"

	"github.com/Anipaleja/cdn-defender/pkg/token"
)

// RefreshResult reports a cache refresh submission and the remaining quota.
type RefreshResult struct {
	BaseResponse
	RequestID     string            `json:"requestId"`
	TaskIDs       map[string]string `json:"taskIds"`
	InvalidURLs   []string          `json:"invalidUrls"`
	InvalidDirs   []string          `json:"invalidDirs"`
	URLQuotaDay   int64             `json:"urlQuotaDay"`
	URLSurplusDay int64             `json:"urlSurplusDay"`
	DirQuotaDay   int64             `json:"dirQuotaDay"`
	DirSurplusDay int64             `json:"dirSurplusDay"`
}

// PrefetchResult reports a prefetch submission and the remaining quota.
type PrefetchResult struct {
	BaseResponse
	RequestID   string   `json:"requestId"`
	InvalidURLs []string `json:"invalidUrls"`
	QuotaDay    int64    `json:"quotaDay"`
	SurplusDay  int64    `json:"surplusDay"`
}

type refreshRequest struct {
	URLs []string `json:"urls"`
	Dirs []string `json:"dirs"`
}

type prefetchRequest struct {
	URLs []string `json:"urls"`
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Refresh purges cached copies of urls and of everything under dirs.
func (c *Client) Refresh(ctx context.Context, urls, dirs []string) (*RefreshResult, error) {
	u := c.FusionURL("/v2/tune/refresh")

	var resp RefreshResult
	err := c.Do(ctx, token.GenerationTwo, http.MethodPost, u, refreshRequest{URLs: orEmpty(urls), Dirs: orEmpty(dirs)}, &resp)
	if err != nil {
		return nil, err
	}
	if err := CheckCode(http.MethodPost, u, resp.BaseResponse); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Prefetch warms the edge cache with urls.
func (c *Client) Prefetch(ctx context.Context, urls []string) (*PrefetchResult, error) {
	u := c.FusionURL("/v2/tune/prefetch")

	var resp PrefetchResult
	if err := c.Do(ctx, token.GenerationTwo, http.MethodPost, u, prefetchRequest{URLs: orEmpty(urls)}, &resp); err != nil {
		return nil, err
	}
	if err := CheckCode(http.MethodPost, u, resp.BaseResponse); err != nil {
		return nil, err
	}
	return &resp, nil
}
