package processor

import (
	"metersync/models"
)

// ToCumulative turns a set of delta readings into a monotonically
// increasing series suitable for total_increasing consumers. Readings
// are sorted by timestamp (stable, ties keep their original order) and
// summed; the running total starts at the first element of the batch.
// Anchoring against previously stored totals is the backfill engine's
// concern, not handled here.
func ToCumulative(set *models.ReadingSet) []models.CumulativeReading {
	if set == nil || set.Empty() {
		return nil
	}

	sorted := set.SortedByTimestamp()
	out := make([]models.CumulativeReading, 0, len(sorted))
	var total float64
	for _, r := range sorted {
		total += r.ValueKWh
		out = append(out, models.CumulativeReading{
			Timestamp:     r.Timestamp,
			CumulativeKWh: total,
			Quality:       r.Quality,
		})
	}
	return out
}
