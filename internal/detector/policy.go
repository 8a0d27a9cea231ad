package detector

import (
	"math"
	"strconv"
	"strings"

	"github.com/Anipaleja/cdn-defender/internal/errdefs"
)

// Metric is the per-IP quantity a clause thresholds.
type Metric int

const (
	// MetricTraffic is bytes served, compared in MB.
	MetricTraffic Metric = iota
	// MetricRequestCount is the number of requests.
	MetricRequestCount
)

func (m Metric) String() string {
	switch m {
	case MetricTraffic:
		return "T"
	case MetricRequestCount:
		return "C"
	default:
		return "?"
	}
}

// MarshalText encodes the metric as its policy letter.
func (m Metric) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts a policy letter.
func (m *Metric) UnmarshalText(text []byte) error {
	switch string(text) {
	case "T":
		*m = MetricTraffic
	case "C":
		*m = MetricRequestCount
	default:
		return errdefs.Configf("unknown metric %q", text)
	}
	return nil
}

// Name returns a human readable metric name.
func (m Metric) Name() string {
	switch m {
	case MetricTraffic:
		return "traffic"
	case MetricRequestCount:
		return "count"
	default:
		return "unknown"
	}
}

// Join combines the sets of a two-clause policy.
type Join int

const (
	JoinAnd Join = iota
	JoinOr
)

const (
	andDelimiter = "&&"
	orDelimiter  = "||"
	maxClauses   = 2
)

func (j Join) String() string {
	if j == JoinOr {
		return orDelimiter
	}
	return andDelimiter
}

func (j Join) MarshalText() ([]byte, error) {
	if j == JoinOr {
		return []byte("or"), nil
	}
	return []byte("and"), nil
}

func (j *Join) UnmarshalText(text []byte) error {
	switch string(text) {
	case "and":
		*j = JoinAnd
	case "or":
		*j = JoinOr
	default:
		return errdefs.Configf("unknown join %q", text)
	}
	return nil
}

// Clause is one threshold test: Metric over the last WindowDays days must
// reach Threshold.
type Clause struct {
	Metric     Metric  `json:"metric"`
	WindowDays int     `json:"window_days"`
	Threshold  float64 `json:"threshold"`
}

func (c Clause) String() string {
	return c.Metric.String() + ":" + strconv.Itoa(c.WindowDays) + ":" +
		strconv.FormatFloat(c.Threshold, 'f', -1, 64)
}

// Policy is one or two clauses and how their IP sets combine.
type Policy struct {
	Clauses []Clause `json:"clauses"`
	Join    Join     `json:"join"`
}

func (p *Policy) String() string {
	parts := make([]string, len(p.Clauses))
	for i, c := range p.Clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, p.Join.String())
}

// ParsePolicy parses expressions such as "C:1:1000", "T:3:500||C:1:100" or
// "C:1:100&&T:1:50". A clause is kind:days:threshold where kind is T
// (traffic, MB) or C (request count). At most two clauses are allowed and
// "&&" and "||" cannot be mixed.
func ParsePolicy(s string) (*Policy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errdefs.Configf("policy is empty")
	}

	policy := &Policy{Join: JoinAnd}
	segments := strings.Split(s, orDelimiter)
	if len(segments) > 1 {
		policy.Join = JoinOr
		for _, seg := range segments {
			if strings.Contains(seg, andDelimiter) {
				return nil, errdefs.Configf("policy %q mixes %s and %s", s, andDelimiter, orDelimiter)
			}
		}
	} else {
		segments = strings.Split(s, andDelimiter)
	}

	if len(segments) > maxClauses {
		return nil, errdefs.Configf("policy %q has %d clauses, at most %d are allowed", s, len(segments), maxClauses)
	}

	for _, seg := range segments {
		clause, err := parseClause(seg)
		if err != nil {
			return nil, err
		}
		policy.Clauses = append(policy.Clauses, clause)
	}

	return policy, nil
}

func parseClause(s string) (Clause, error) {
	s = strings.TrimSpace(s)
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return Clause{}, errdefs.Configf("clause %q must be kind:days:threshold", s)
	}

	var clause Clause
	switch strings.TrimSpace(fields[0]) {
	case "T":
		clause.Metric = MetricTraffic
	case "C":
		clause.Metric = MetricRequestCount
	default:
		return Clause{}, errdefs.Configf("clause %q: kind must be T or C", s)
	}

	days, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil || days < 1 {
		return Clause{}, errdefs.Configf("clause %q: days must be a positive integer", s)
	}
	clause.WindowDays = days

	threshold, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return Clause{}, errdefs.Configf("clause %q: threshold must be a number", s)
	}
	clause.Threshold = threshold

	return clause, nil
}
