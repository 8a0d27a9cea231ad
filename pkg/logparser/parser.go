package logparser

import (
	"bufio"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LogEntry represents a parsed CDN access log entry
type LogEntry struct {
	IP           string    `json:"ip"`
	HitMiss      string    `json:"hit_miss,omitempty"`
	ResponseTime int       `json:"response_time_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	Host         string    `json:"host,omitempty"`
	Path         string    `json:"path"`
	QueryString  string    `json:"query_string,omitempty"`
	Protocol     string    `json:"protocol"`
	ResponseCode int       `json:"response_code"`
	ResponseSize int64     `json:"response_size"`
	Referer      string    `json:"referer"`
	UserAgent    string    `json:"user_agent"`
}

// Parser handles parsing of different log formats
type Parser struct {
	format string
	regex  *regexp.Regexp
}

var (
	// CDN edge format:
	// ip hit/miss response_ms [time] "METHOD url proto" status size "referer" "ua"
	cdnPattern = `^(\S+) (\S+) (\S+) \[([^\]]+)\] "(\S+) (\S+) ([^"]*)" (\d+) (\d+) "([^"]*)" "([^"]*)"`

	// Nginx combined log format, for logs pulled from an origin
	nginxCombinedPattern = `^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+) ([^"]*)" (\d+) (\d+) "([^"]*)" "([^"]*)"`
)

// NewParser creates a new log parser. Supported formats are "cdn" (the
// default) and "nginx_combined".
func NewParser(format string) *Parser {
	var pattern string

	switch format {
	case "nginx_combined":
		pattern = nginxCombinedPattern
	default:
		format = "cdn"
		pattern = cdnPattern
	}

	return &Parser{
		format: format,
		regex:  regexp.MustCompile(pattern),
	}
}

// ParseLine parses a single log line. Blank lines yield (nil, nil).
func (p *Parser) ParseLine(line string) (*LogEntry, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	matches := p.regex.FindStringSubmatch(line)
	if matches == nil {
		return nil, fmt.Errorf("failed to parse log line: %s", line)
	}

	if p.format == "nginx_combined" {
		// Pad to the cdn layout: no hit/miss or response time columns.
		matches = append([]string{matches[0], matches[1], "", ""}, matches[2:]...)
	}

	entry := &LogEntry{
		IP:      matches[1],
		HitMiss: matches[2],
		Method:  matches[5],
		URL:     matches[6],
	}

	if matches[3] != "" {
		if ms, err := strconv.Atoi(matches[3]); err == nil {
			entry.ResponseTime = ms
		}
	}

	timestamp, err := parseTimestamp(matches[4])
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %v", err)
	}
	entry.Timestamp = timestamp

	entry.Protocol = matches[7]
	entry.Host, entry.Path, entry.QueryString = splitRequestURL(entry.URL)

	if responseCode, err := strconv.Atoi(matches[8]); err == nil {
		entry.ResponseCode = responseCode
	}

	if responseSize, err := strconv.ParseInt(matches[9], 10, 64); err == nil {
		entry.ResponseSize = responseSize
	}

	entry.Referer = matches[10]
	entry.UserAgent = matches[11]

	return entry, nil
}

// ExtractIP returns the first field of a log line.
func ExtractIP(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}

// ExtractURL returns the second token of the first quoted section, which is
// the request URL in both supported formats. It returns "" when the line has
// no quoted request.
func ExtractURL(line string) string {
	parts := strings.SplitN(line, `"`, 3)
	if len(parts) < 2 {
		return ""
	}
	fields := strings.Split(parts[1], " ")
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func splitRequestURL(raw string) (host, path, query string) {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host, u.Path, u.RawQuery
	}
	if i := strings.Index(raw, "?"); i >= 0 {
		return "", raw[:i], raw[i+1:]
	}
	return "", raw, ""
}

// parseTimestamp parses various timestamp formats
func parseTimestamp(timeStr string) (time.Time, error) {
	layouts := []string{
		"02/Jan/2006:15:04:05 -0700",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, timeStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", timeStr)
}

// ParseFile parses an entire log file
func (p *Parser) ParseFile(scanner *bufio.Scanner, callback func(*LogEntry) error) error {
	for scanner.Scan() {
		entry, err := p.ParseLine(scanner.Text())
		if err != nil {
			continue // Skip invalid lines
		}
		if entry == nil {
			continue // Skip empty lines
		}

		if err := callback(entry); err != nil {
			return err
		}
	}

	return scanner.Err()
}
