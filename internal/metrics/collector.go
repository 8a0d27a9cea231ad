package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector collects and exposes metrics
type Collector struct {
	config config.MetricsConfig
	logger *logrus.Logger

	// Prometheus metrics
	registry *prometheus.Registry

	// Log pipeline metrics
	catalogRequests *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	decodeErrors    prometheus.Counter
	linesFetched    prometheus.Counter
	fetchDuration   *prometheus.HistogramVec

	// Diagnostic metrics
	diagnoseRuns *prometheus.CounterVec
	diagnosedIPs *prometheus.GaugeVec

	// ACL metrics
	aclUpdates *prometheus.CounterVec
	aclEntries *prometheus.GaugeVec

	// Internal stats
	stats map[string]interface{}
	mutex sync.RWMutex
}

// NewCollector creates a new metrics collector
func NewCollector(cfg config.MetricsConfig, logger *logrus.Logger) *Collector {
	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:   cfg,
		logger:   logger,
		registry: registry,
		stats:    make(map[string]interface{}),
	}

	collector.initializeMetrics()
	collector.registerMetrics()

	return collector
}

// initializeMetrics initializes all Prometheus metrics
func (c *Collector) initializeMetrics() {
	c.catalogRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdn_defender_catalog_requests_total",
			Help: "Total number of log manifest requests",
		},
		[]string{"result"},
	)

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdn_defender_cache_lookups_total",
			Help: "Total number of log object cache lookups",
		},
		[]string{"result"},
	)

	c.downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdn_defender_downloads_total",
			Help: "Total number of log object downloads",
		},
		[]string{"result"},
	)

	c.downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdn_defender_download_bytes_total",
			Help: "Total bytes downloaded from the log origin",
		},
	)

	c.decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdn_defender_decode_errors_total",
			Help: "Total number of log objects that failed to decompress",
		},
	)

	c.linesFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdn_defender_log_lines_total",
			Help: "Total number of log lines produced by range fetches",
		},
	)

	c.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdn_defender_fetch_duration_seconds",
			Help:    "Range fetch duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"domain"},
	)

	c.diagnoseRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdn_defender_diagnose_runs_total",
			Help: "Total number of policy evaluations",
		},
		[]string{"domain", "result"},
	)

	c.diagnosedIPs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdn_defender_diagnosed_ips",
			Help: "Number of IPs flagged by the last policy evaluation",
		},
		[]string{"domain"},
	)

	c.aclUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdn_defender_acl_updates_total",
			Help: "Total number of IP ACL updates",
		},
		[]string{"mode", "result"},
	)

	c.aclEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdn_defender_acl_entries",
			Help: "Number of entries in the IP ACL after the last update",
		},
		[]string{"domain"},
	)
}

// registerMetrics registers all metrics with the registry
func (c *Collector) registerMetrics() {
	c.registry.MustRegister(c.catalogRequests)
	c.registry.MustRegister(c.cacheLookups)
	c.registry.MustRegister(c.downloads)
	c.registry.MustRegister(c.downloadBytes)
	c.registry.MustRegister(c.decodeErrors)
	c.registry.MustRegister(c.linesFetched)
	c.registry.MustRegister(c.fetchDuration)
	c.registry.MustRegister(c.diagnoseRuns)
	c.registry.MustRegister(c.diagnosedIPs)
	c.registry.MustRegister(c.aclUpdates)
	c.registry.MustRegister(c.aclEntries)
	c.registry.MustRegister(collectors.NewGoCollector())
	c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Record methods for different types of events
func (c *Collector) RecordCatalog(err error) {
	c.catalogRequests.WithLabelValues(result(err)).Inc()
}

func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (c *Collector) RecordDownload(bytes int, err error) {
	c.downloads.WithLabelValues(result(err)).Inc()
	if err == nil {
		c.downloadBytes.Add(float64(bytes))
	}
}

func (c *Collector) RecordDecodeError() {
	c.decodeErrors.Inc()
}

func (c *Collector) RecordFetch(domain string, lines int, duration time.Duration) {
	c.linesFetched.Add(float64(lines))
	c.fetchDuration.WithLabelValues(domain).Observe(duration.Seconds())
	c.UpdateStats("last_fetch", time.Now().UTC())
}

func (c *Collector) RecordDiagnosis(domain string, flagged int, err error) {
	c.diagnoseRuns.WithLabelValues(domain, result(err)).Inc()
	if err == nil {
		c.diagnosedIPs.WithLabelValues(domain).Set(float64(flagged))
		c.UpdateStats("last_diagnosis", time.Now().UTC())
	}
}

func (c *Collector) RecordACLUpdate(domain, mode string, entries int, err error) {
	c.aclUpdates.WithLabelValues(mode, result(err)).Inc()
	if err == nil {
		c.aclEntries.WithLabelValues(domain).Set(float64(entries))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// GetStats returns current statistics
func (c *Collector) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	// Create a copy of stats
	stats := make(map[string]interface{})
	for k, v := range c.stats {
		stats[k] = v
	}

	return stats
}

// UpdateStats updates internal statistics
func (c *Collector) UpdateStats(key string, value interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats[key] = value
}

// Handler returns the Prometheus metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ExportMetrics returns the cdn_defender_* families as plain maps for the
// JSON stats endpoint.
func (c *Collector) ExportMetrics() (map[string]interface{}, error) {
	metrics := make(map[string]interface{})

	metricFamilies, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %v", err)
	}

	for _, mf := range metricFamilies {
		name := mf.GetName()
		if !strings.HasPrefix(name, "cdn_defender_") {
			continue
		}

		values := []map[string]interface{}{}
		for _, metric := range mf.GetMetric() {
			value := map[string]interface{}{}

			if len(metric.GetLabel()) > 0 {
				labels := make(map[string]string)
				for _, label := range metric.GetLabel() {
					labels[label.GetName()] = label.GetValue()
				}
				value["labels"] = labels
			}

			switch {
			case metric.GetCounter() != nil:
				value["value"] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				value["value"] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				hist := metric.GetHistogram()
				value["count"] = hist.GetSampleCount()
				value["sum"] = hist.GetSampleSum()
			}

			values = append(values, value)
		}

		metrics[name] = map[string]interface{}{
			"help":   mf.GetHelp(),
			"type":   mf.GetType().String(),
			"values": values,
		}
	}

	return metrics, nil
}
