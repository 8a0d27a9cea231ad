package logparser

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cdnLine = `101.226.66.179 HIT 12 [16/Jul/2024:08:41:46 +0800] "GET http://static.example.com/img/a.png?w=100 HTTP/1.1" 200 12345 "-" "Mozilla/5.0"`

func TestParseCDNLine(t *testing.T) {
	p := NewParser("cdn")
	entry, err := p.ParseLine(cdnLine)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, "101.226.66.179", entry.IP)
	assert.Equal(t, "HIT", entry.HitMiss)
	assert.Equal(t, 12, entry.ResponseTime)
	assert.Equal(t, "GET", entry.Method)
	assert.Equal(t, "http://static.example.com/img/a.png?w=100", entry.URL)
	assert.Equal(t, "static.example.com", entry.Host)
	assert.Equal(t, "/img/a.png", entry.Path)
	assert.Equal(t, "w=100", entry.QueryString)
	assert.Equal(t, "HTTP/1.1", entry.Protocol)
	assert.Equal(t, 200, entry.ResponseCode)
	assert.Equal(t, int64(12345), entry.ResponseSize)
	assert.Equal(t, "-", entry.Referer)
	assert.Equal(t, "Mozilla/5.0", entry.UserAgent)
	assert.True(t, entry.Timestamp.Equal(time.Date(2024, 7, 16, 0, 41, 46, 0, time.UTC)))
}

func TestParseNginxCombined(t *testing.T) {
	p := NewParser("nginx_combined")
	entry, err := p.ParseLine(`10.0.0.1 - - [16/Jul/2024:08:41:46 +0800] "POST /api/login HTTP/1.1" 401 52 "https://example.com/" "curl/8.0"`)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", entry.IP)
	assert.Empty(t, entry.HitMiss)
	assert.Equal(t, "POST", entry.Method)
	assert.Equal(t, "/api/login", entry.Path)
	assert.Equal(t, 401, entry.ResponseCode)
	assert.Equal(t, "curl/8.0", entry.UserAgent)
}

func TestParseLineInvalid(t *testing.T) {
	p := NewParser("")

	entry, err := p.ParseLine("   ")
	assert.NoError(t, err)
	assert.Nil(t, entry)

	_, err = p.ParseLine("not a log line")
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	assert.Equal(t, "101.226.66.179", ExtractIP(cdnLine))
	assert.Equal(t, "http://static.example.com/img/a.png?w=100", ExtractURL(cdnLine))

	assert.Equal(t, "", ExtractURL("no quotes here"))
	assert.Equal(t, "", ExtractURL(`1.1.1.1 "GET"`))
	assert.Equal(t, "1.1.1.1", ExtractIP("1.1.1.1"))
}

func TestParseFile(t *testing.T) {
	input := strings.Join([]string{cdnLine, "garbage", "", cdnLine}, "\n")

	var count int
	err := NewParser("cdn").ParseFile(bufio.NewScanner(strings.NewReader(input)), func(e *LogEntry) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
