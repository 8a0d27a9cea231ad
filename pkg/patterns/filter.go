package patterns

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ExcludePrefix marks a term whose presence rejects a line.
const ExcludePrefix = "!!"

// Term is one substring predicate.
type Term struct {
	Value   string `json:"value"`
	Exclude bool   `json:"exclude"`
}

func (t Term) String() string {
	if t.Exclude {
		return ExcludePrefix + t.Value
	}
	return t.Value
}

// Filter selects log lines by substring. A line matches when it contains
// every include term and none of the exclude terms.
type Filter struct {
	terms []Term
}

// NewFilter builds a Filter from raw terms. Terms starting with "!!" are
// excludes; the rest are includes. A bare "!!" is an empty exclude and
// rejects every line.
func NewFilter(raw []string) *Filter {
	f := &Filter{terms: make([]Term, 0, len(raw))}
	for _, r := range raw {
		if strings.HasPrefix(r, ExcludePrefix) {
			f.terms = append(f.terms, Term{Value: strings.TrimPrefix(r, ExcludePrefix), Exclude: true})
		} else {
			f.terms = append(f.terms, Term{Value: r})
		}
	}
	return f
}

// Terms returns the parsed terms in input order.
func (f *Filter) Terms() []Term {
	return f.terms
}

// Match reports whether line passes every term.
func (f *Filter) Match(line string) bool {
	for _, t := range f.terms {
		if strings.Contains(line, t.Value) == t.Exclude {
			return false
		}
	}
	return true
}

// Print writes each matching line to w as it arrives and returns how many
// matched.
func (f *Filter) Print(lines <-chan string, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	total := 0
	for line := range lines {
		if !f.Match(line) {
			continue
		}
		total++
		if _, err := fmt.Fprintln(bw, line); err != nil {
			drain(lines)
			return total, err
		}
	}
	return total, bw.Flush()
}

// Collect returns every matching line.
func (f *Filter) Collect(lines <-chan string) []string {
	var matched []string
	for line := range lines {
		if f.Match(line) {
			matched = append(matched, line)
		}
	}
	return matched
}

// OutputName is the file name used when matched lines are persisted:
// <domain>.<first term>-<start>-<end>.log
func (f *Filter) OutputName(domain, start, end string) string {
	first := ""
	if len(f.terms) > 0 {
		first = f.terms[0].String()
	}
	first = strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(first)
	return fmt.Sprintf("%s.%s-%s-%s.log", domain, first, start, end)
}

// WriteFile persists matched lines joined by newlines.
func WriteFile(path string, matched []string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	if _, err := io.WriteString(file, strings.Join(matched, "\n")); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Sync()
}

func drain(lines <-chan string) {
	for range lines {
	}
}
