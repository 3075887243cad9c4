package processor

import (
	"math/rand"
	"testing"
	"time"

	"metersync/models"
)

func TestToCumulativeOrderAndSum(t *testing.T) {
	base := mustTime(t, "2025-01-15T00:15:00Z")
	set := models.NewReadingSet([]models.Reading{
		{Timestamp: base.Add(15 * time.Minute), ValueKWh: 0.187},
		{Timestamp: base, ValueKWh: 0.234},
	}, "zp1", base, base.Add(30*time.Minute))

	out := ToCumulative(set)
	if len(out) != 2 {
		t.Fatalf("expected 2 cumulative readings, got %d", len(out))
	}
	if !almostEqual(out[0].CumulativeKWh, 0.234) {
		t.Errorf("first cumulative = %v, want 0.234", out[0].CumulativeKWh)
	}
	if !almostEqual(out[1].CumulativeKWh, 0.421) {
		t.Errorf("second cumulative = %v, want 0.421", out[1].CumulativeKWh)
	}
	if !out[0].Timestamp.Before(out[1].Timestamp) {
		t.Errorf("output not ordered by timestamp")
	}
}

// Monotonicity holds for any non-negative input, regardless of input
// order, and the final cumulative equals the set total.
func TestToCumulativeMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := mustTime(t, "2025-01-15T00:00:00Z")

	readings := make([]models.Reading, 200)
	for i := range readings {
		readings[i] = models.Reading{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			ValueKWh:  rng.Float64(),
		}
	}
	rng.Shuffle(len(readings), func(i, j int) {
		readings[i], readings[j] = readings[j], readings[i]
	})
	set := models.NewReadingSet(readings, "zp1", base, base.Add(50*time.Hour))

	out := ToCumulative(set)
	for i := 1; i < len(out); i++ {
		if out[i].CumulativeKWh < out[i-1].CumulativeKWh {
			t.Fatalf("cumulative decreased at %d: %v < %v", i, out[i].CumulativeKWh, out[i-1].CumulativeKWh)
		}
		if out[i].Timestamp.Before(out[i-1].Timestamp) {
			t.Fatalf("timestamps out of order at %d", i)
		}
	}
	if !almostEqual(out[len(out)-1].CumulativeKWh, set.TotalKWh) {
		t.Errorf("final cumulative %v != set total %v", out[len(out)-1].CumulativeKWh, set.TotalKWh)
	}
}

func TestToCumulativeEmpty(t *testing.T) {
	set := models.NewReadingSet(nil, "zp1", time.Time{}, time.Time{})
	if out := ToCumulative(set); len(out) != 0 {
		t.Fatalf("expected empty output, got %d", len(out))
	}
	if out := ToCumulative(nil); len(out) != 0 {
		t.Fatalf("expected empty output for nil set, got %d", len(out))
	}
}

func TestToCumulativeCarriesQuality(t *testing.T) {
	base := mustTime(t, "2025-01-15T00:00:00Z")
	set := models.NewReadingSet([]models.Reading{
		{Timestamp: base, ValueKWh: 0.1, Quality: models.QualityMock},
	}, "zp1", base, base)

	out := ToCumulative(set)
	if out[0].Quality != models.QualityMock {
		t.Errorf("quality = %q, want mock", out[0].Quality)
	}
}
