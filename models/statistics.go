package models

import "time"

// CumulativeReading is one point in a monotonically increasing series.
// CumulativeKWh is the running sum of all deltas up to and including this
// point, scoped to the conversion batch.
type CumulativeReading struct {
	Timestamp     time.Time `json:"timestamp"`
	CumulativeKWh float64   `json:"cumulative_kwh"`
	Quality       string    `json:"quality,omitempty"`
}

// StatisticRow models one row of the recorder's statistics and
// statistics_short_term tables. The schema is owned by Home Assistant;
// this process writes rows but never alters the tables.
type StatisticRow struct {
	Created    time.Time `db:"created"`
	Start      time.Time `db:"start"`
	State      float64   `db:"state"`
	Sum        float64   `db:"sum"`
	MetadataID int64     `db:"metadata_id"`
}

// SensorInfo describes one series in the recorder's statistics_meta table.
type SensorInfo struct {
	MetadataID  int64  `db:"id"`
	StatisticID string `db:"statistic_id"`
	Source      string `db:"source"`
	Unit        string `db:"unit_of_measurement"`
	Name        string `db:"name"`
}

// DailyTotalPayload is published on the daily_total topic.
type DailyTotalPayload struct {
	Total        float64 `json:"total"`
	Date         string  `json:"date"`
	ReadingCount int     `json:"reading_count"`
}

// StatusPayload is published retained on the status topic after every
// cycle, regardless of outcome.
type StatusPayload struct {
	Status   string `json:"status"`
	CycleID  string `json:"cycle_id"`
	LastSync string `json:"last_sync"`
	NextSync string `json:"next_sync"`
	Error    string `json:"error,omitempty"`
}

// Sync status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Availability payload values.
const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)
