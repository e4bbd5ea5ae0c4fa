package join

import (
	"sort"
	"sync"
)

// TagCount is the total number of subjects in Region near a POI named Tag.
type TagCount struct {
	Region string `json:"region"`
	Tag    string `json:"tag"`
	Count  int    `json:"count"`
}

type regionTag struct {
	region, tag string
}

// Counter sums Phase 2 emissions. Emit is safe for concurrent use.
type Counter struct {
	mu     sync.Mutex
	totals map[regionTag]int
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{totals: make(map[regionTag]int)}
}

// Emit adds n to (region, tag). It satisfies CountEmitter.
func (c *Counter) Emit(region, tag string, n int) error {
	c.mu.Lock()
	c.totals[regionTag{region, tag}] += n
	c.mu.Unlock()
	return nil
}

// Counts returns the unfiltered totals in no particular order.
func (c *Counter) Counts() []TagCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TagCount, 0, len(c.totals))
	for k, n := range c.totals {
		out = append(out, TagCount{Region: k.region, Tag: k.tag, Count: n})
	}
	return out
}

// Aggregate sums counts per (region, tag) and keeps totals of at least
// minCount. The result is ordered by region, then descending count, then tag.
func Aggregate(counts []TagCount, minCount int) []TagCount {
	totals := make(map[regionTag]int, len(counts))
	for _, c := range counts {
		totals[regionTag{c.Region, c.Tag}] += c.Count
	}

	out := make([]TagCount, 0, len(totals))
	for k, n := range totals {
		if n < minCount {
			continue
		}
		out = append(out, TagCount{Region: k.region, Tag: k.tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}
