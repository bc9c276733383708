// Package observability provides logging, metrics and filter usage tracking
// for the offsync cache.
package observability

import (
	"sort"
	"sync"
	"time"
)

// FilterStats tracks how often each table column is used in a read filter.
// The store consults it to index columns that are filtered on repeatedly.
type FilterStats struct {
	mu     sync.RWMutex
	freq   map[string]*ColumnStats
	window time.Duration
}

// ColumnStats holds usage statistics for one table column.
type ColumnStats struct {
	Table     string
	Column    string
	Frequency int64
	LastSeen  time.Time
	Operators map[string]int // operator → count (e.g., "eq" → 5, "gt" → 2)
}

// NewFilterStats creates a new filter statistics tracker.
// window: entries unseen for longer than this are dropped by Prune
func NewFilterStats(window time.Duration) *FilterStats {
	return &FilterStats{
		freq:   make(map[string]*ColumnStats),
		window: window,
	}
}

func statsKey(table, column string) string {
	return table + "\x00" + column
}

// Record notes a filter on table.column with the given operator and returns
// the updated frequency.
func (f *FilterStats) Record(table, column, operator string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := statsKey(table, column)
	stats, exists := f.freq[key]
	if !exists {
		stats = &ColumnStats{
			Table:     table,
			Column:    column,
			Operators: make(map[string]int),
		}
		f.freq[key] = stats
	}

	stats.Frequency++
	stats.LastSeen = time.Now()
	stats.Operators[operator]++
	return stats.Frequency
}

// Top returns copies of the n most frequently filtered columns.
func (f *FilterStats) Top(n int) []ColumnStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || len(f.freq) == 0 {
		return []ColumnStats{}
	}

	stats := make([]ColumnStats, 0, len(f.freq))
	for _, s := range f.freq {
		cp := *s
		cp.Operators = make(map[string]int, len(s.Operators))
		for op, count := range s.Operators {
			cp.Operators[op] = count
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return statsKey(stats[i].Table, stats[i].Column) < statsKey(stats[j].Table, stats[j].Column)
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Forget drops every entry for table. Used when a table is purged.
func (f *FilterStats) Forget(table string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.freq {
		if s.Table == table {
			delete(f.freq, key)
		}
	}
}

// Prune removes entries where time.Since(LastSeen) > window.
func (f *FilterStats) Prune() {
	f.mu.Lock()
	defer f.mu.Unlock()

	threshold := time.Now().Add(-f.window)
	for key, stats := range f.freq {
		if stats.LastSeen.Before(threshold) {
			delete(f.freq, key)
		}
	}
}
