package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const dayLayout = "2006-01-02"

// IPMetric is one IP's value for a metric over a window.
type IPMetric struct {
	IP    string
	Value float64
}

// MetricLookup returns per-IP values for metric over [start, end] (whole
// days). Traffic values must be in MB. An empty result means no data.
type MetricLookup interface {
	TopIPs(ctx context.Context, metric Metric, start, end time.Time, domain string) ([]IPMetric, error)
}

// ClauseResult describes how one clause was evaluated.
type ClauseResult struct {
	Clause     Clause    `json:"clause"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Candidates int       `json:"candidates"`
	IPs        IPSet     `json:"ips"`
}

// Diagnosis is the outcome of evaluating a policy for one domain.
type Diagnosis struct {
	ID        string         `json:"id"`
	Domain    string         `json:"domain"`
	Policy    *Policy        `json:"policy"`
	Rule      string         `json:"rule"`
	End       time.Time      `json:"end"`
	Clauses   []ClauseResult `json:"clauses"`
	IPs       IPSet          `json:"ips"`
	Timestamp time.Time      `json:"timestamp"`
}

// Engine evaluates diagnostic policies against a metric source.
type Engine struct {
	lookup  MetricLookup
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewEngine creates a new diagnostic engine
func NewEngine(lookup MetricLookup, collector *metrics.Collector, logger *logrus.Logger) *Engine {
	return &Engine{
		lookup:  lookup,
		metrics: collector,
		logger:  logger,
	}
}

// Diagnose parses policy and evaluates it for domain with windows ending on
// end. A malformed policy fails before any lookup is made.
func (e *Engine) Diagnose(ctx context.Context, policy string, end time.Time, domain string) (*Diagnosis, error) {
	p, err := ParsePolicy(policy)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, p, end, domain)
}

// Evaluate runs an already parsed policy.
func (e *Engine) Evaluate(ctx context.Context, p *Policy, end time.Time, domain string) (*Diagnosis, error) {
	end = truncateDay(end)
	d := &Diagnosis{
		ID:        uuid.New().String(),
		Domain:    domain,
		Policy:    p,
		Rule:      p.String(),
		End:       end,
		Timestamp: time.Now().UTC(),
	}

	for _, clause := range p.Clauses {
		result, err := e.evaluateClause(ctx, clause, end, domain)
		if err != nil {
			e.metrics.RecordDiagnosis(domain, 0, err)
			return nil, err
		}
		d.Clauses = append(d.Clauses, *result)
	}

	d.IPs = d.Clauses[0].IPs
	for _, c := range d.Clauses[1:] {
		if p.Join == JoinOr {
			d.IPs = d.IPs.Union(c.IPs)
		} else {
			d.IPs = d.IPs.Intersect(c.IPs)
		}
	}

	e.metrics.RecordDiagnosis(domain, len(d.IPs), nil)
	e.logger.WithFields(logrus.Fields{
		"id":      d.ID,
		"domain":  domain,
		"policy":  d.Rule,
		"end":     end.Format(dayLayout),
		"flagged": len(d.IPs),
	}).Info("Diagnosis complete")

	return d, nil
}

func (e *Engine) evaluateClause(ctx context.Context, clause Clause, end time.Time, domain string) (*ClauseResult, error) {
	start := end.AddDate(0, 0, -(clause.WindowDays - 1))

	values, err := e.lookup.TopIPs(ctx, clause.Metric, start, end, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s for %s from %s to %s: %w",
			clause.Metric.Name(), domain, start.Format(dayLayout), end.Format(dayLayout), err)
	}

	result := &ClauseResult{
		Clause:     clause,
		Start:      start,
		End:        end,
		Candidates: len(values),
		IPs:        make(IPSet),
	}
	for _, v := range values {
		if v.Value >= clause.Threshold {
			result.IPs.Add(v.IP)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"clause":     clause.String(),
		"start":      start.Format(dayLayout),
		"candidates": len(values),
		"matched":    len(result.IPs),
	}).Debug("Clause evaluated")

	return result, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
