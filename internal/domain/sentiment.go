package domain

import (
	"fmt"
	"time"
)

// Weights of the composite affect score.
const (
	WeightValence    = 0.2
	WeightArousal    = 0.1
	WeightDominance  = 0.1
	WeightTrust      = 0.3
	WeightEngagement = 0.3
)

// AffectVector is a five-dimensional affect estimate for one message.
type AffectVector struct {
	Valence    float64 `json:"valence"`
	Arousal    float64 `json:"arousal"`
	Dominance  float64 `json:"dominance"`
	Trust      float64 `json:"trust"`
	Engagement float64 `json:"engagement"`
	Confidence float64 `json:"confidence"`
}

// Overall is the fixed weighted composite of the five dimensions.
func (a AffectVector) Overall() float64 {
	return WeightValence*a.Valence +
		WeightArousal*a.Arousal +
		WeightDominance*a.Dominance +
		WeightTrust*a.Trust +
		WeightEngagement*a.Engagement
}

// Validate checks every dimension against its declared range.
func (a AffectVector) Validate() error {
	if err := inRange("valence", a.Valence, -1, 1); err != nil {
		return err
	}
	for _, d := range []struct {
		name string
		v    float64
	}{
		{"arousal", a.Arousal},
		{"dominance", a.Dominance},
		{"trust", a.Trust},
		{"engagement", a.Engagement},
		{"confidence", a.Confidence},
	} {
		if err := inRange(d.name, d.v, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

func inRange(name string, v, lo, hi float64) error {
	// NaN fails both comparisons.
	if !(v >= lo && v <= hi) {
		return NewError(KindValidation, CodeMalformedAffectOutput,
			fmt.Sprintf("%s=%v outside [%v, %v]", name, v, lo, hi))
	}
	return nil
}

// SentimentRecord is the persisted affect estimate for one user message.
type SentimentRecord struct {
	MessageID  int64     `json:"message_id"`
	SessionID  string    `json:"session_id"`
	Valence    float64   `json:"valence"`
	Arousal    float64   `json:"arousal"`
	Dominance  float64   `json:"dominance"`
	Trust      float64   `json:"trust"`
	Engagement float64   `json:"engagement"`
	Overall    float64   `json:"overall"`
	Confidence float64   `json:"confidence"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewSentimentRecord derives a record from a validated vector.
func NewSentimentRecord(messageID int64, sessionID string, a AffectVector, model string, at time.Time) SentimentRecord {
	return SentimentRecord{
		MessageID:  messageID,
		SessionID:  sessionID,
		Valence:    a.Valence,
		Arousal:    a.Arousal,
		Dominance:  a.Dominance,
		Trust:      a.Trust,
		Engagement: a.Engagement,
		Overall:    a.Overall(),
		Confidence: a.Confidence,
		Model:      model,
		CreatedAt:  at,
	}
}

// WindowType names an aggregation window.
type WindowType string

const (
	WindowSession WindowType = "session"
	WindowHourly  WindowType = "hourly"
	WindowDaily   WindowType = "daily"
)

// SentimentAggregate summarises the records of one session in one window.
type SentimentAggregate struct {
	SessionID       string     `json:"session_id"`
	WindowType      WindowType `json:"window_type"`
	WindowStart     time.Time  `json:"window_start"`
	AvgValence      float64    `json:"avg_valence"`
	AvgArousal      float64    `json:"avg_arousal"`
	AvgDominance    float64    `json:"avg_dominance"`
	AvgTrust        float64    `json:"avg_trust"`
	AvgEngagement   float64    `json:"avg_engagement"`
	AvgOverall      float64    `json:"avg_overall"`
	ValenceTrend    *float64   `json:"valence_trend,omitempty"`
	EngagementTrend *float64   `json:"engagement_trend,omitempty"`
	MessageCount    int        `json:"message_count"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
