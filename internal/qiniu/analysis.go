package qiniu

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Anipaleja/cdn-defender/pkg/token"
)

const (
	dayLayout     = "2006-01-02"
	topPathPrefix = "/v2/tune/loganalyze/top"

	// RegionGlobal covers every edge region.
	RegionGlobal = "global"
)

// TopMetric selects the ranking used by the top endpoints.
type TopMetric string

const (
	TopTraffic TopMetric = "traffic"
	TopCount   TopMetric = "count"
)

// TopRequest is the body shared by the top IP and top URL endpoints.
type TopRequest struct {
	Domains   []string `json:"domains"`
	Region    string   `json:"region"`
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
}

// TopIPData holds parallel arrays; Traffic is in bytes.
type TopIPData struct {
	IPs     []string `json:"ips"`
	Count   []int64  `json:"count"`
	Traffic []int64  `json:"traffic"`
}

// TopURLData holds parallel arrays; Traffic is in bytes.
type TopURLData struct {
	URLs    []string `json:"urls"`
	Count   []int64  `json:"count"`
	Traffic []int64  `json:"traffic"`
}

type topIPResponse struct {
	BaseResponse
	Data *TopIPData `json:"data"`
}

type topURLResponse struct {
	BaseResponse
	Data *TopURLData `json:"data"`
}

func newTopRequest(region string, start, end time.Time, domains []string) TopRequest {
	if region == "" {
		region = RegionGlobal
	}
	if domains == nil {
		domains = []string{}
	}
	return TopRequest{
		Domains:   domains,
		Region:    region,
		StartDate: start.Format(dayLayout),
		EndDate:   end.Format(dayLayout),
	}
}

func validMetric(metric TopMetric) error {
	if metric != TopTraffic && metric != TopCount {
		return fmt.Errorf("unknown top metric: %q", metric)
	}
	return nil
}

// TopIP returns the top client IPs by metric for [start, end]. A nil result
// with a nil error means the service has no data for the window.
func (c *Client) TopIP(ctx context.Context, metric TopMetric, region string, start, end time.Time, domains []string) (*TopIPData, error) {
	if err := validMetric(metric); err != nil {
		return nil, err
	}
	url := c.FusionURL(topPathPrefix + string(metric) + "ip")

	var resp topIPResponse
	if err := c.Do(ctx, token.GenerationOne, http.MethodPost, url, newTopRequest(region, start, end, domains), &resp); err != nil {
		return nil, err
	}
	if err := CheckCode(http.MethodPost, url, resp.BaseResponse); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// TopURL returns the most requested URLs by metric for [start, end].
func (c *Client) TopURL(ctx context.Context, metric TopMetric, region string, start, end time.Time, domains []string) (*TopURLData, error) {
	if err := validMetric(metric); err != nil {
		return nil, err
	}
	url := c.FusionURL(topPathPrefix + string(metric) + "url")

	var resp topURLResponse
	if err := c.Do(ctx, token.GenerationOne, http.MethodPost, url, newTopRequest(region, start, end, domains), &resp); err != nil {
		return nil, err
	}
	if err := CheckCode(http.MethodPost, url, resp.BaseResponse); err != nil {
		return nil, err
	}
	return resp.Data, nil
}
