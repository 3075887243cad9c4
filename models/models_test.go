package models

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNewReadingSetTotal(t *testing.T) {
	readings := []Reading{
		{Timestamp: ts("2025-01-15T00:15:00Z"), ValueKWh: 0.234},
		{Timestamp: ts("2025-01-15T00:30:00Z"), ValueKWh: 0.187},
	}
	set := NewReadingSet(readings, "AT0010000000000000000000000000001", ts("2025-01-15T00:00:00Z"), ts("2025-01-16T00:00:00Z"))

	if got, want := set.TotalKWh, 0.421; !almostEqual(got, want) {
		t.Fatalf("TotalKWh = %v, want %v", got, want)
	}
	if set.Count() != 2 {
		t.Errorf("Count = %d, want 2", set.Count())
	}
	if set.Empty() {
		t.Errorf("Empty = true for populated set")
	}
}

func TestNewReadingSetEmpty(t *testing.T) {
	set := NewReadingSet(nil, "zp", time.Time{}, time.Time{})
	if set.TotalKWh != 0 {
		t.Errorf("TotalKWh = %v, want 0", set.TotalKWh)
	}
	if !set.Empty() {
		t.Errorf("Empty = false for empty set")
	}
}

func TestSortedByTimestampStable(t *testing.T) {
	tie := ts("2025-01-15T00:15:00Z")
	set := NewReadingSet([]Reading{
		{Timestamp: ts("2025-01-15T01:00:00Z"), ValueKWh: 3},
		{Timestamp: tie, ValueKWh: 1},
		{Timestamp: tie, ValueKWh: 2},
	}, "zp", time.Time{}, time.Time{})

	sorted := set.SortedByTimestamp()
	if sorted[0].ValueKWh != 1 || sorted[1].ValueKWh != 2 || sorted[2].ValueKWh != 3 {
		t.Fatalf("unexpected order: %v", sorted)
	}
	// Original slice untouched
	if set.Readings[0].ValueKWh != 3 {
		t.Errorf("source slice was mutated")
	}
}

func TestReadingsForDay(t *testing.T) {
	set := NewReadingSet([]Reading{
		{Timestamp: ts("2025-01-15T23:45:00Z"), ValueKWh: 1},
		{Timestamp: ts("2025-01-16T00:00:00Z"), ValueKWh: 2},
		{Timestamp: ts("2025-01-16T00:15:00Z"), ValueKWh: 3},
	}, "zp", time.Time{}, time.Time{})

	day := set.ReadingsForDay(ts("2025-01-16T12:00:00Z"))
	if len(day) != 2 {
		t.Fatalf("expected 2 readings for day, got %d", len(day))
	}
}

func TestReadingToMQTTPayload(t *testing.T) {
	r := Reading{Timestamp: ts("2025-01-15T00:15:00Z"), ValueKWh: 0.234, Quality: QualityGood}
	p := r.ToMQTTPayload()
	if p.Delta != 0.234 {
		t.Errorf("Delta = %v", p.Delta)
	}
	if p.Timestamp != "2025-01-15T00:15:00Z" {
		t.Errorf("Timestamp = %q", p.Timestamp)
	}
	if p.Quality != QualityGood {
		t.Errorf("Quality = %q", p.Quality)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
