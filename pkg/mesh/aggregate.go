package mesh

import (
	"math"
	"sync"
	"time"

	"github.com/trackguard/trackmesh/pkg/anonymize"
)

// CommunityStats is the locally computed aggregate over every anonymized
// record received from the mesh. It is derived state, recomputed on demand
// from the rolling aggregate.
type CommunityStats struct {
	ConnectedPeers    int                `json:"connectedPeers"`
	RecordCount       int                `json:"recordCount"`
	AverageScore      float64            `json:"averageScore"`
	ScoreStdDev       float64            `json:"scoreStdDev"`
	ScoreDistribution map[string]float64 `json:"scoreDistribution"`
	RegionalData      map[string]int     `json:"regionalData"`
	TopCategories     []string           `json:"topCategories,omitempty"`
	LastUpdated       time.Time          `json:"lastUpdated"`
	DataFreshness     string             `json:"dataFreshness"`
}

// Freshness buckets for CommunityStats.DataFreshness.
const (
	FreshnessNone   = "none"
	FreshnessLive   = "live"
	FreshnessRecent = "recent"
	FreshnessStale  = "stale"
)

// statsAggregator folds received records into a running aggregate using
// Welford's online mean/variance, plus grade and category counts.
type statsAggregator struct {
	mu         sync.Mutex
	count      int
	mean       float64
	m2         float64
	grades     map[string]int
	categories map[string]int
	lastRecord time.Time
}

func newStatsAggregator() *statsAggregator {
	return &statsAggregator{
		grades:     make(map[string]int),
		categories: make(map[string]int),
	}
}

// Observe folds one record into the aggregate.
func (a *statsAggregator) Observe(rec anonymize.AnonymousPrivacyRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	delta := float64(rec.PrivacyScore) - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (float64(rec.PrivacyScore) - a.mean)

	a.grades[rec.Grade]++
	for _, c := range rec.WebsiteCategories {
		a.categories[c]++
	}
	a.lastRecord = time.Now()
}

// Snapshot renders the current aggregate. connected is the caller's view
// of how many peer channels are open right now.
func (a *statsAggregator) Snapshot(connected int) CommunityStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := CommunityStats{
		ConnectedPeers:    connected,
		RecordCount:       a.count,
		ScoreDistribution: make(map[string]float64, len(a.grades)),
		// Records carry no region, so there is nothing to aggregate
		// here; the field stays for UI consumers.
		RegionalData:  make(map[string]int),
		LastUpdated:   time.Now(),
		DataFreshness: FreshnessNone,
	}
	if a.count == 0 {
		return stats
	}

	stats.AverageScore = a.mean
	if a.count > 1 {
		stats.ScoreStdDev = math.Sqrt(a.m2 / float64(a.count-1))
	}
	for grade, n := range a.grades {
		stats.ScoreDistribution[grade] = float64(n) / float64(a.count)
	}
	stats.TopCategories = topCounted(a.categories, 3)
	stats.DataFreshness = freshness(time.Since(a.lastRecord))
	return stats
}

// Reset discards the aggregate. Used on shutdown.
func (a *statsAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count = 0
	a.mean = 0
	a.m2 = 0
	a.grades = make(map[string]int)
	a.categories = make(map[string]int)
	a.lastRecord = time.Time{}
}

func freshness(since time.Duration) string {
	switch {
	case since < time.Minute:
		return FreshnessLive
	case since < 10*time.Minute:
		return FreshnessRecent
	default:
		return FreshnessStale
	}
}

// topCounted returns up to n keys ranked by count, ties broken
// lexicographically so snapshots are deterministic.
func topCounted(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0; j-- {
			a, b := keys[j], keys[j-1]
			if counts[a] > counts[b] || (counts[a] == counts[b] && a < b) {
				keys[j], keys[j-1] = keys[j-1], keys[j]
			} else {
				break
			}
		}
	}
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
