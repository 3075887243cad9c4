package models

import (
	"sort"
	"time"
)

// Quality markers carried on readings. The mock marker must never appear
// on data that originated from the real API.
const (
	QualityGood      = "good"
	QualityEstimated = "estimated"
	QualityMock      = "mock"
)

// Reading represents a single 15-minute energy delta measurement.
// Timestamps are normalized to UTC at construction time.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	ValueKWh  float64   `json:"delta"`
	Quality   string    `json:"quality,omitempty"`
}

// MQTTPayload is the wire form of a single reading on the 15min topic.
type MQTTPayload struct {
	Delta     float64 `json:"delta"`
	Timestamp string  `json:"timestamp"`
	Quality   string  `json:"quality,omitempty"`
}

// ToMQTTPayload converts the reading to its MQTT wire form.
func (r Reading) ToMQTTPayload() MQTTPayload {
	return MQTTPayload{
		Delta:     r.ValueKWh,
		Timestamp: r.Timestamp.Format(time.RFC3339),
		Quality:   r.Quality,
	}
}

// ReadingSet is a dated collection of readings for one meter point.
// TotalKWh is derived from the readings and recomputed on construction,
// never set independently.
type ReadingSet struct {
	Readings    []Reading `json:"readings"`
	MeterID     string    `json:"zaehlpunkt"`
	PeriodStart time.Time `json:"date_from"`
	PeriodEnd   time.Time `json:"date_until"`
	TotalKWh    float64   `json:"total_kwh"`
}

// NewReadingSet builds a ReadingSet and computes its total.
func NewReadingSet(readings []Reading, meterID string, periodStart, periodEnd time.Time) *ReadingSet {
	set := &ReadingSet{
		Readings:    readings,
		MeterID:     meterID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	for _, r := range readings {
		set.TotalKWh += r.ValueKWh
	}
	return set
}

// Count returns the number of readings in the set.
func (s *ReadingSet) Count() int {
	return len(s.Readings)
}

// Empty reports whether the set holds no readings.
func (s *ReadingSet) Empty() bool {
	return len(s.Readings) == 0
}

// ReadingsForDay returns all readings whose timestamp falls on the given
// calendar day (UTC).
func (s *ReadingSet) ReadingsForDay(day time.Time) []Reading {
	y, m, d := day.UTC().Date()
	var out []Reading
	for _, r := range s.Readings {
		ry, rm, rd := r.Timestamp.UTC().Date()
		if ry == y && rm == m && rd == d {
			out = append(out, r)
		}
	}
	return out
}

// SortedByTimestamp returns the readings in ascending timestamp order.
// The sort is stable so readings sharing a timestamp keep their original
// relative order.
func (s *ReadingSet) SortedByTimestamp() []Reading {
	out := make([]Reading, len(s.Readings))
	copy(out, s.Readings)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
