package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/qiniu"
)

const bytesPerMB = 1024 * 1024

// AnalyticsLookup answers MetricLookup from the CDN top-IP analytics API.
// Traffic is converted from bytes to MB; counts are returned as is.
type AnalyticsLookup struct {
	client *qiniu.Client
	region string
}

// NewAnalyticsLookup creates a lookup over the global region.
func NewAnalyticsLookup(client *qiniu.Client) *AnalyticsLookup {
	return &AnalyticsLookup{client: client, region: qiniu.RegionGlobal}
}

func (a *AnalyticsLookup) TopIPs(ctx context.Context, metric Metric, start, end time.Time, domain string) ([]IPMetric, error) {
	var top qiniu.TopMetric
	switch metric {
	case MetricTraffic:
		top = qiniu.TopTraffic
	case MetricRequestCount:
		top = qiniu.TopCount
	default:
		return nil, fmt.Errorf("unknown metric %d", metric)
	}

	data, err := a.client.TopIP(ctx, top, a.region, start, end, []string{domain})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	values := data.Count
	scale := 1.0
	if metric == MetricTraffic {
		values = data.Traffic
		scale = bytesPerMB
	}
	if len(values) != len(data.IPs) {
		return nil, fmt.Errorf("%w: top %s response has %d ips but %d values",
			errdefs.ErrTransport, metric.Name(), len(data.IPs), len(values))
	}

	result := make([]IPMetric, len(values))
	for i, v := range values {
		result[i] = IPMetric{IP: data.IPs[i], Value: float64(v) / scale}
	}
	return result, nil
}
