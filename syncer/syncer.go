package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"metersync/logger"
	"metersync/models"
	"metersync/processor"
	"metersync/reader/wienernetze"
	"metersync/retry"
)

// Publisher is the MQTT surface the syncer drives.
type Publisher interface {
	PublishReadings(ctx context.Context, set *models.ReadingSet) error
	PublishDailyTotal(payload models.DailyTotalPayload) error
	PublishStatus(status models.StatusPayload) error
	PublishAvailability(online bool) error
}

// Backfiller writes cumulative series into the statistics store.
type Backfiller interface {
	Backfill(ctx context.Context, readings []models.CumulativeReading, metadataID int64) error
}

// CSVWriter exports cumulative series as files.
type CSVWriter interface {
	Export(readings []models.CumulativeReading, meterID string) (string, error)
	CleanupOldFiles() error
}

// Options configure the sync loop.
type Options struct {
	Zaehlpunkt     string
	HistoryDays    int
	UpdateInterval time.Duration
	Retry          retry.Policy
	// MetadataID is the resolved statistics series id; only consulted
	// when a Backfiller is wired.
	MetadataID int64
}

// Syncer runs the periodic fetch, normalize, publish, backfill cycle.
// Backfiller and CSVWriter are optional; a nil value disables the
// stage.
type Syncer struct {
	provider   Provider
	publisher  Publisher
	backfiller Backfiller
	csv        CSVWriter
	opts       Options
	now        func() time.Time
	log        *logger.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSyncer(provider Provider, publisher Publisher, backfiller Backfiller, csv CSVWriter, opts Options) *Syncer {
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 1
	}
	return &Syncer{
		provider:   provider,
		publisher:  publisher,
		backfiller: backfiller,
		csv:        csv,
		opts:       opts,
		now:        time.Now,
		log:        logger.GetLogger().WithComponent("syncer"),
	}
}

// Start launches the sync loop. The first cycle runs immediately,
// subsequent cycles at the configured interval.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer is already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.publisher.PublishAvailability(true); err != nil {
		s.log.WithError(err).Warn("failed to publish online availability")
	}

	s.log.WithFields(logger.Fields{
		"zaehlpunkt":      s.opts.Zaehlpunkt,
		"update_interval": s.opts.UpdateInterval,
		"history_days":    s.opts.HistoryDays,
	}).Info("starting syncer")

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop, waits for an in-flight cycle to finish and
// marks the integration offline.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.publisher.PublishAvailability(false); err != nil {
		s.log.WithError(err).Warn("failed to publish offline availability")
	}
	s.log.Info("syncer stopped")
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.UpdateInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full sync cycle. It never panics the loop;
// every failure ends in an error status on the status topic.
func (s *Syncer) RunCycle(ctx context.Context) error {
	cycleID := uuid.New().String()
	started := s.now().UTC()
	log := s.log.WithFields(logger.Fields{"cycle_id": cycleID})

	s.publishStatus(models.StatusPayload{
		Status:   models.StatusRunning,
		CycleID:  cycleID,
		LastSync: started.Format(time.RFC3339),
	})

	until := started
	from := until.AddDate(0, 0, -s.opts.HistoryDays)
	log.WithFields(logger.Fields{"from": from, "until": until}).Info("cycle started")

	var set *models.ReadingSet
	err := retry.Do(ctx, s.opts.Retry, "fetch readings", func() error {
		fetched, ferr := s.provider.Fetch(ctx, from, until)
		if ferr != nil {
			if errors.Is(ferr, wienernetze.ErrAuthentication) {
				log.Warn("authentication failed, resetting session")
				if r, ok := s.provider.(sessionResetter); ok {
					r.Reset()
				}
			}
			return ferr
		}
		set = fetched
		return nil
	})
	if err != nil {
		return s.finishCycle(log, cycleID, started, fmt.Errorf("fetch stage: %w", err))
	}

	// An empty window is a soft failure: nothing to publish or
	// backfill, but the status topic must not report success.
	if set.Empty() {
		return s.finishCycle(log, cycleID, started, errors.New("no data fetched"))
	}
	log.WithFields(logger.Fields{
		"readings":  set.Count(),
		"total_kwh": set.TotalKWh,
	}).Info("fetched readings")
	log.LogMetric("syncer", "readings_fetched", set.Count(), "counter", nil)

	if err := s.publisher.PublishReadings(ctx, set); err != nil {
		return s.finishCycle(log, cycleID, started, fmt.Errorf("publish stage: %w", err))
	}
	if err := s.publisher.PublishDailyTotal(s.dailyTotal(set)); err != nil {
		return s.finishCycle(log, cycleID, started, fmt.Errorf("publish stage: %w", err))
	}

	cumulative := processor.ToCumulative(set)

	if s.csv != nil {
		if _, err := s.csv.Export(cumulative, set.MeterID); err != nil {
			log.WithError(err).Warn("csv export failed")
		}
		if err := s.csv.CleanupOldFiles(); err != nil {
			log.WithError(err).Warn("csv cleanup failed")
		}
	}

	if s.backfiller != nil {
		if err := s.backfiller.Backfill(ctx, cumulative, s.opts.MetadataID); err != nil {
			return s.finishCycle(log, cycleID, started, fmt.Errorf("backfill stage: %w", err))
		}
	}

	return s.finishCycle(log, cycleID, started, nil)
}

// dailyTotal aggregates the most recent calendar day in the set.
func (s *Syncer) dailyTotal(set *models.ReadingSet) models.DailyTotalPayload {
	sorted := set.SortedByTimestamp()
	lastDay := sorted[len(sorted)-1].Timestamp.UTC()

	dayReadings := set.ReadingsForDay(lastDay)
	var total float64
	for _, r := range dayReadings {
		total += r.ValueKWh
	}
	return models.DailyTotalPayload{
		Total:        math.Round(total*1000) / 1000,
		Date:         lastDay.Format("2006-01-02"),
		ReadingCount: len(dayReadings),
	}
}

func (s *Syncer) finishCycle(log *logger.Entry, cycleID string, started time.Time, cycleErr error) error {
	status := models.StatusPayload{
		Status:   models.StatusSuccess,
		CycleID:  cycleID,
		LastSync: started.Format(time.RFC3339),
		NextSync: started.Add(s.opts.UpdateInterval).Format(time.RFC3339),
	}
	if cycleErr != nil {
		status.Status = models.StatusError
		status.Error = cycleErr.Error()
		log.WithError(cycleErr).Error("cycle failed")
	} else {
		duration := s.now().UTC().Sub(started)
		log.WithFields(logger.Fields{"duration": duration}).Info("cycle finished")
		log.LogMetric("syncer", "cycle_duration_seconds", duration.Seconds(), "gauge", nil)
	}
	s.publishStatus(status)
	return cycleErr
}

func (s *Syncer) publishStatus(status models.StatusPayload) {
	if err := s.publisher.PublishStatus(status); err != nil {
		s.log.WithError(err).Warn("failed to publish status")
	}
}
