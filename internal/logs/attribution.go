package logs

import (
	"sort"

	"github.com/Anipaleja/cdn-defender/pkg/logparser"
)

// URLCount is the number of requests one IP made for one URL.
type URLCount struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// CountURLs tallies the request URLs of lines whose client IP equals ip.
// Results are ordered by count descending, then URL.
func CountURLs(lines <-chan string, ip string) []URLCount {
	counts := make(map[string]int)
	for line := range lines {
		if logparser.ExtractIP(line) != ip {
			continue
		}
		if u := logparser.ExtractURL(line); u != "" {
			counts[u]++
		}
	}

	result := make([]URLCount, 0, len(counts))
	for u, c := range counts {
		result = append(result, URLCount{URL: u, Count: c})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].URL < result[j].URL
	})
	return result
}
