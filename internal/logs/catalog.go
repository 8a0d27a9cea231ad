// Package logs retrieves CDN access-log archives: per-day manifests, cached
// object downloads, and the merged line stream built from them.
package logs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/Anipaleja/cdn-defender/internal/qiniu"
	"github.com/Anipaleja/cdn-defender/pkg/token"
	"github.com/sirupsen/logrus"
)

// DayLayout is the date format used on the wire and on the command line.
const DayLayout = "2006-01-02"

const listPath = "/v2/tune/log/list"

// Descriptor identifies one downloadable log object for one day.
type Descriptor struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifyTime int64  `json:"mtime"`
	URL        string `json:"url"`
	Checksum   string `json:"md5"`
}

type listRequest struct {
	Day     string `json:"day"`
	Domains string `json:"domains"`
}

type listResponse struct {
	qiniu.BaseResponse
	Data map[string][]Descriptor `json:"data"`
}

// Catalog lists the log objects available for a day.
type Catalog struct {
	client  *qiniu.Client
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewCatalog creates a Catalog backed by client.
func NewCatalog(client *qiniu.Client, collector *metrics.Collector, logger *logrus.Logger) *Catalog {
	return &Catalog{
		client:  client,
		metrics: collector,
		logger:  logger,
	}
}

// List returns the descriptors for domain on day. A domain missing from the
// response means no logs exist yet and yields an empty slice.
func (c *Catalog) List(ctx context.Context, day time.Time, domain string) ([]Descriptor, error) {
	date := day.Format(DayLayout)
	url := c.client.FusionURL(listPath)

	var resp listResponse
	err := c.client.Do(ctx, token.GenerationTwo, http.MethodPost, url,
		listRequest{Day: date, Domains: domain}, &resp)
	if err == nil {
		err = qiniu.CheckCode(http.MethodPost, url, resp.BaseResponse)
	}
	c.metrics.RecordCatalog(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs for %s on %s: %w", domain, date, err)
	}

	descs := resp.Data[domain]
	c.logger.WithFields(logrus.Fields{
		"domain":  domain,
		"day":     date,
		"objects": len(descs),
	}).Debug("Listed log objects")

	if descs == nil {
		return []Descriptor{}, nil
	}
	return descs, nil
}
