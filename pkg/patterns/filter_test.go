package patterns

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(lines ...string) <-chan string {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

func TestFilterMatch(t *testing.T) {
	f := NewFilter([]string{"error", "!!timeout"})

	tests := []struct {
		line string
		want bool
	}{
		{"an error occurred", true},
		{"error: timeout reached", false},
		{"timeout only", false},
		{"all good", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.line))
		})
	}
}

func TestFilterTerms(t *testing.T) {
	f := NewFilter([]string{"GET", "!!.png", "!!"})
	assert.Equal(t, []Term{
		{Value: "GET"},
		{Value: ".png", Exclude: true},
		{Value: "", Exclude: true},
	}, f.Terms())

	// An empty exclude rejects everything.
	assert.False(t, f.Match("GET /a.js"))

	assert.True(t, NewFilter(nil).Match("anything"))
}

func TestFilterBareExcludeRejectsAll(t *testing.T) {
	f := NewFilter([]string{"!!"})
	require.Equal(t, []Term{{Value: "", Exclude: true}}, f.Terms())

	for _, line := range []string{"", "GET /a.js", "!!"} {
		assert.False(t, f.Match(line), line)
	}

	var buf bytes.Buffer
	n, err := f.Print(feed("a", "b"), &buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, buf.String())
	assert.Empty(t, f.Collect(feed("a", "b")))
}

func TestFilterModesAgree(t *testing.T) {
	lines := []string{
		"GET /a.js 200",
		"GET /b.png 200",
		"POST /a.js 500",
		"GET /c.js 404",
	}
	f := NewFilter([]string{"GET", "!!.png"})

	var out bytes.Buffer
	count, err := f.Print(feed(lines...), &out)
	require.NoError(t, err)

	collected := f.Collect(feed(lines...))
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"GET /a.js 200", "GET /c.js 404"}, collected)
	assert.Equal(t, "GET /a.js 200\nGET /c.js 404\n", out.String())
}

func TestOutputName(t *testing.T) {
	f := NewFilter([]string{"1.2.3.4", "!!bot"})
	assert.Equal(t, "static.example.com.1.2.3.4-2024-07-01-2024-07-02.log",
		f.OutputName("static.example.com", "2024-07-01", "2024-07-02"))

	f = NewFilter([]string{"/img/"})
	assert.Equal(t, "d._img_-a-b.log", f.OutputName("d", "a", "b"))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	require.NoError(t, WriteFile(path, []string{"one", "two"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", string(data))

	assert.Error(t, WriteFile(filepath.Join(t.TempDir(), "missing", "out.log"), nil))
}
