package sentiment

import (
	"time"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/store"
)

// Aggregate computes per-dimension means and the valence and engagement
// trends of records, which must be in message order.
func Aggregate(records []domain.SentimentRecord) domain.SentimentAggregate {
	n := len(records)
	agg := domain.SentimentAggregate{MessageCount: n}
	if n == 0 {
		return agg
	}

	valence := make([]float64, n)
	engagement := make([]float64, n)
	for i, r := range records {
		agg.AvgValence += r.Valence
		agg.AvgArousal += r.Arousal
		agg.AvgDominance += r.Dominance
		agg.AvgTrust += r.Trust
		agg.AvgEngagement += r.Engagement
		agg.AvgOverall += r.Overall
		valence[i] = r.Valence
		engagement[i] = r.Engagement
	}
	fn := float64(n)
	agg.AvgValence /= fn
	agg.AvgArousal /= fn
	agg.AvgDominance /= fn
	agg.AvgTrust /= fn
	agg.AvgEngagement /= fn
	agg.AvgOverall /= fn

	agg.ValenceTrend = Slope(valence)
	agg.EngagementTrend = Slope(engagement)
	return agg
}

// Slope is the least-squares slope of ys against their index. It is nil for
// fewer than two points.
func Slope(ys []float64) *float64 {
	n := len(ys)
	if n < 2 {
		return nil
	}
	meanX := float64(n-1) / 2
	var meanY float64
	for _, y := range ys {
		meanY += y
	}
	meanY /= float64(n)

	var num, den float64
	for i, y := range ys {
		dx := float64(i) - meanX
		num += dx * (y - meanY)
		den += dx * dx
	}
	slope := num / den
	return &slope
}

// Windows returns the aggregation windows a record at t falls into. The
// session window is always included and starts at session creation.
func Windows(sessionStart, t time.Time, extra []domain.WindowType) []store.WindowSpan {
	spans := []store.WindowSpan{{Type: domain.WindowSession, Start: sessionStart.UTC()}}
	t = t.UTC()
	for _, w := range extra {
		switch w {
		case domain.WindowHourly:
			start := t.Truncate(time.Hour)
			spans = append(spans, store.WindowSpan{Type: w, Start: start, End: start.Add(time.Hour)})
		case domain.WindowDaily:
			start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			spans = append(spans, store.WindowSpan{Type: w, Start: start, End: start.AddDate(0, 0, 1)})
		}
	}
	return spans
}
