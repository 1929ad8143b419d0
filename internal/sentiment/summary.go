package sentiment

import (
	"strings"

	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/domain"
)

// Thresholds bucketing a [0,1] dimension into low and high descriptors.
const (
	LowThreshold  = 0.3
	HighThreshold = 0.7
)

// Neutral is the summary when no dimension crosses a threshold.
const Neutral = "[User sentiment: neutral]"

// Summarize renders an aggregate as a qualitative phrase. A nil aggregate
// yields the empty string. Valence is mapped onto [0,1] before bucketing.
func Summarize(agg *domain.SentimentAggregate, phrases config.AffectPhrases) string {
	if agg == nil || agg.MessageCount == 0 {
		return ""
	}

	dims := []struct {
		v    float64
		pair config.PhrasePair
	}{
		{(agg.AvgValence + 1) / 2, phrases.Valence},
		{agg.AvgArousal, phrases.Arousal},
		{agg.AvgDominance, phrases.Dominance},
		{agg.AvgTrust, phrases.Trust},
		{agg.AvgEngagement, phrases.Engagement},
	}

	var parts []string
	for _, d := range dims {
		switch {
		case d.v < LowThreshold && d.pair.Low != "":
			parts = append(parts, d.pair.Low)
		case d.v > HighThreshold && d.pair.High != "":
			parts = append(parts, d.pair.High)
		}
	}
	if len(parts) == 0 {
		return Neutral
	}
	return "[User sentiment: " + strings.Join(parts, ", ") + "]"
}
