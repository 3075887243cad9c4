package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"metersync/logger"
	"metersync/models"
)

const csvHeader = "#date,time,IMP,EXP,GEN-T"

// CSVExporter writes cumulative readings as import/export/generation
// CSV files. Only the import column carries data; this system has no
// export or generation telemetry.
type CSVExporter struct {
	outputDir string
	keepDays  int
	now       func() time.Time
	log       *logger.Entry
}

func NewCSVExporter(outputDir string, keepDays int) *CSVExporter {
	return &CSVExporter{
		outputDir: outputDir,
		keepDays:  keepDays,
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("csv_exporter"),
	}
}

// Export writes one CSV file covering the given cumulative series and
// returns its path. The filename encodes the covered date range so
// overlapping re-runs overwrite their own earlier output instead of
// accumulating near-duplicates.
func (e *CSVExporter) Export(readings []models.CumulativeReading, meterID string) (string, error) {
	if len(readings) == 0 {
		return "", fmt.Errorf("no cumulative readings to export")
	}
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create csv output dir: %w", err)
	}

	first := readings[0].Timestamp.UTC()
	last := readings[len(readings)-1].Timestamp.UTC()
	name := fmt.Sprintf("wnsm_%s_%s_%s.csv",
		meterSuffix(meterID),
		first.Format("20060102"),
		last.Format("20060102"))
	path := filepath.Join(e.outputDir, name)

	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteByte('\n')
	for _, r := range readings {
		t := r.Timestamp.UTC()
		fmt.Fprintf(&b, "%s,%s,%.3f,0.000,0.000\n",
			t.Format("2006-01-02"),
			t.Format("15:04"),
			r.CumulativeKWh)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write csv file: %w", err)
	}

	e.log.WithFields(logger.Fields{
		"path": path,
		"rows": len(readings),
	}).Info("exported csv")
	return path, nil
}

// CleanupOldFiles removes exported CSV files older than the retention
// period. Files not produced by the exporter are left alone.
func (e *CSVExporter) CleanupOldFiles() error {
	if e.keepDays <= 0 {
		return nil
	}
	cutoff := e.now().Add(-time.Duration(e.keepDays) * 24 * time.Hour)

	entries, err := os.ReadDir(e.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read csv output dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "wnsm_") || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(e.outputDir, entry.Name())); err != nil {
				e.log.WithError(err).WithFields(logger.Fields{"file": entry.Name()}).Warn("failed to remove old csv")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		e.log.WithFields(logger.Fields{"removed": removed}).Info("cleaned up old csv exports")
	}
	return nil
}
