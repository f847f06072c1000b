// Package anonymize turns raw per-user privacy data into coarse,
// k-anonymized records that are safe to place on the wire. It is the only
// producer of AnonymousPrivacyRecord values; nothing else in the module
// constructs them.
package anonymize

import (
	"time"
)

const (
	// ScoreStep is the rounding granularity for privacy scores.
	ScoreStep = 5
	// MaxTrackerCount caps the reported tracker count.
	MaxTrackerCount = 50
	// MaxCategories caps how many website categories a record may carry.
	MaxCategories = 3
	// MaxRiskTierCount caps each individual risk-tier counter.
	MaxRiskTierCount = 20
	// MinCategoryFrequency suppresses categories seen fewer times than
	// this; a category observed once could identify a user's browsing.
	MinCategoryFrequency = 2
)

// RawReport is the unprocessed input produced by the scoring engine. Its
// values are untrusted: anything out of range is clamped, never rejected.
type RawReport struct {
	PrivacyScore int            `json:"privacyScore"`
	TrackerCount int            `json:"trackerCount"`
	RiskCounts   map[string]int `json:"riskCounts"`
	Categories   []string       `json:"categories"`
	ObservedAt   time.Time      `json:"observedAt"`
}

// AnonymousPrivacyRecord is the only payload ever transmitted for
// privacy-data messages. Every field satisfies its bound before the record
// leaves this package.
type AnonymousPrivacyRecord struct {
	PrivacyScore      int            `json:"privacyScore"`
	Grade             string         `json:"grade"`
	TrackerCount      int            `json:"trackerCount"`
	RiskDistribution  map[string]int `json:"riskDistribution"`
	WebsiteCategories []string       `json:"websiteCategories"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Anonymize converts a raw report into an anonymized record. It is total
// and side-effect free: out-of-range inputs are clamped, a zero ObservedAt
// is replaced with the current time. Timestamps are truncated in UTC so
// the hour boundary does not depend on the local zone offset.
func Anonymize(raw RawReport) AnonymousPrivacyRecord {
	score := roundScore(clamp(raw.PrivacyScore, 0, 100))

	observed := raw.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	return AnonymousPrivacyRecord{
		PrivacyScore:      score,
		Grade:             GradeForScore(score),
		TrackerCount:      clamp(raw.TrackerCount, 0, MaxTrackerCount),
		RiskDistribution:  capRiskCounts(raw.RiskCounts),
		WebsiteCategories: topCategories(raw.Categories),
		Timestamp:         observed.UTC().Truncate(time.Hour),
	}
}

// Validate re-checks every bound Anonymize guarantees. Callers run it
// before any network send; a record failing it is dropped, not
// transmitted.
func Validate(rec AnonymousPrivacyRecord) bool {
	if rec.PrivacyScore < 0 || rec.PrivacyScore > 100 || rec.PrivacyScore%ScoreStep != 0 {
		return false
	}
	if rec.Grade != GradeForScore(rec.PrivacyScore) {
		return false
	}
	if rec.TrackerCount < 0 || rec.TrackerCount > MaxTrackerCount {
		return false
	}
	for _, n := range rec.RiskDistribution {
		if n < 0 || n > MaxRiskTierCount {
			return false
		}
	}
	if len(rec.WebsiteCategories) > MaxCategories {
		return false
	}
	if !rec.Timestamp.Equal(rec.Timestamp.Truncate(time.Hour)) {
		return false
	}
	return true
}

// GradeForScore maps a score to its coarse letter bucket.
func GradeForScore(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// roundScore rounds to the nearest multiple of ScoreStep, ties rounding up.
func roundScore(score int) int {
	return (score + ScoreStep/2) / ScoreStep * ScoreStep
}

func capRiskCounts(counts map[string]int) map[string]int {
	capped := make(map[string]int, len(counts))
	for tier, n := range counts {
		capped[tier] = clamp(n, 0, MaxRiskTierCount)
	}
	return capped
}

// topCategories ranks category labels by observed frequency and keeps the
// top MaxCategories. Labels seen fewer than MinCategoryFrequency times are
// suppressed entirely. Ties keep the input's first-appearance order.
func topCategories(observed []string) []string {
	counts := make(map[string]int, len(observed))
	var order []string
	for _, c := range observed {
		if counts[c] == 0 {
			order = append(order, c)
		}
		counts[c]++
	}

	var kept []string
	for _, c := range order {
		if counts[c] >= MinCategoryFrequency {
			kept = append(kept, c)
		}
	}

	// Insertion sort by descending frequency; stable, so ties preserve
	// first-appearance order. The input is tiny.
	for i := 1; i < len(kept); i++ {
		for j := i; j > 0 && counts[kept[j]] > counts[kept[j-1]]; j-- {
			kept[j], kept[j-1] = kept[j-1], kept[j]
		}
	}

	if len(kept) > MaxCategories {
		kept = kept[:MaxCategories]
	}
	return kept
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
