package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"metersync/models"
	"metersync/reader/wienernetze"
	"metersync/retry"
)

type fakeProvider struct {
	set    *models.ReadingSet
	err    error
	calls  int
	resets int
	// failFirst makes only the first call fail.
	failFirst bool
}

func (p *fakeProvider) Fetch(context.Context, time.Time, time.Time) (*models.ReadingSet, error) {
	p.calls++
	if p.err != nil && (!p.failFirst || p.calls == 1) {
		return nil, p.err
	}
	return p.set, nil
}

func (p *fakeProvider) Reset() { p.resets++ }

type fakePublisher struct {
	mu           sync.Mutex
	statuses     []models.StatusPayload
	availability []bool
	readingSets  []*models.ReadingSet
	dailyTotals  []models.DailyTotalPayload
	publishErr   error
}

func (p *fakePublisher) PublishReadings(_ context.Context, set *models.ReadingSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.readingSets = append(p.readingSets, set)
	return nil
}

func (p *fakePublisher) PublishDailyTotal(payload models.DailyTotalPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dailyTotals = append(p.dailyTotals, payload)
	return nil
}

func (p *fakePublisher) PublishStatus(status models.StatusPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
	return nil
}

func (p *fakePublisher) PublishAvailability(online bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availability = append(p.availability, online)
	return nil
}

type fakeBackfiller struct {
	readings   []models.CumulativeReading
	metadataID int64
	err        error
	calls      int
}

func (b *fakeBackfiller) Backfill(_ context.Context, readings []models.CumulativeReading, metadataID int64) error {
	b.calls++
	b.readings = readings
	b.metadataID = metadataID
	return b.err
}

type fakeCSV struct {
	exported int
	cleaned  int
	err      error
}

func (c *fakeCSV) Export([]models.CumulativeReading, string) (string, error) {
	c.exported++
	return "/tmp/out.csv", c.err
}

func (c *fakeCSV) CleanupOldFiles() error {
	c.cleaned++
	return nil
}

func testSet(t *testing.T) *models.ReadingSet {
	t.Helper()
	base := time.Date(2025, 1, 15, 0, 15, 0, 0, time.UTC)
	return models.NewReadingSet([]models.Reading{
		{Timestamp: base, ValueKWh: 0.234, Quality: models.QualityGood},
		{Timestamp: base.Add(15 * time.Minute), ValueKWh: 0.187, Quality: models.QualityGood},
	}, "AT0010000000000000000000000000001", base, base.Add(30*time.Minute))
}

func testOptions() Options {
	return Options{
		Zaehlpunkt:     "AT0010000000000000000000000000001",
		HistoryDays:    1,
		UpdateInterval: time.Hour,
		Retry:          retry.Policy{Attempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
		MetadataID:     7,
	}
}

func TestRunCycleSuccess(t *testing.T) {
	provider := &fakeProvider{set: testSet(t)}
	publisher := &fakePublisher{}
	backfiller := &fakeBackfiller{}
	csv := &fakeCSV{}

	s := NewSyncer(provider, publisher, backfiller, csv, testOptions())
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(publisher.statuses) != 2 {
		t.Fatalf("expected 2 status messages, got %d", len(publisher.statuses))
	}
	if publisher.statuses[0].Status != models.StatusRunning {
		t.Errorf("first status = %q", publisher.statuses[0].Status)
	}
	final := publisher.statuses[1]
	if final.Status != models.StatusSuccess {
		t.Errorf("final status = %q, error = %q", final.Status, final.Error)
	}
	if final.CycleID == "" || final.NextSync == "" {
		t.Errorf("final status incomplete: %+v", final)
	}

	if len(publisher.readingSets) != 1 {
		t.Fatalf("expected 1 published set, got %d", len(publisher.readingSets))
	}
	if len(publisher.dailyTotals) != 1 {
		t.Fatalf("expected 1 daily total, got %d", len(publisher.dailyTotals))
	}
	daily := publisher.dailyTotals[0]
	if daily.Total != 0.421 || daily.Date != "2025-01-15" || daily.ReadingCount != 2 {
		t.Errorf("daily total = %+v", daily)
	}

	if backfiller.calls != 1 {
		t.Fatalf("backfiller called %d times, want 1", backfiller.calls)
	}
	if backfiller.metadataID != 7 {
		t.Errorf("metadata id = %d", backfiller.metadataID)
	}
	last := backfiller.readings[len(backfiller.readings)-1]
	if diff := last.CumulativeKWh - 0.421; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("final cumulative = %v, want 0.421", last.CumulativeKWh)
	}

	if csv.exported != 1 || csv.cleaned != 1 {
		t.Errorf("csv exported=%d cleaned=%d", csv.exported, csv.cleaned)
	}
}

func TestRunCycleFetchFailure(t *testing.T) {
	provider := &fakeProvider{err: errors.New("api down")}
	publisher := &fakePublisher{}

	s := NewSyncer(provider, publisher, nil, nil, testOptions())
	if err := s.RunCycle(context.Background()); err == nil {
		t.Fatalf("expected cycle error")
	}

	// One retry per policy before giving up.
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
	final := publisher.statuses[len(publisher.statuses)-1]
	if final.Status != models.StatusError {
		t.Errorf("final status = %q", final.Status)
	}
	if final.Error == "" {
		t.Errorf("error status carries no message")
	}
	if len(publisher.readingSets) != 0 {
		t.Errorf("readings published despite fetch failure")
	}
}

func TestRunCycleAuthFailureResetsSession(t *testing.T) {
	provider := &fakeProvider{
		set:       testSet(t),
		err:       wienernetze.ErrAuthentication,
		failFirst: true,
	}
	publisher := &fakePublisher{}

	s := NewSyncer(provider, publisher, nil, nil, testOptions())
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if provider.resets != 1 {
		t.Errorf("session resets = %d, want 1", provider.resets)
	}
	// Second attempt succeeded.
	if len(publisher.readingSets) != 1 {
		t.Errorf("published sets = %d, want 1", len(publisher.readingSets))
	}
}

// An empty fetch window skips publishing and backfill but must still
// surface as a failed cycle on the status topic.
func TestRunCycleEmptySet(t *testing.T) {
	empty := models.NewReadingSet(nil, "AT0010000000000000000000000000001", time.Now(), time.Now())
	provider := &fakeProvider{set: empty}
	publisher := &fakePublisher{}
	backfiller := &fakeBackfiller{}

	s := NewSyncer(provider, publisher, backfiller, nil, testOptions())
	if err := s.RunCycle(context.Background()); err == nil {
		t.Fatalf("expected cycle error for empty window")
	}
	final := publisher.statuses[len(publisher.statuses)-1]
	if final.Status != models.StatusError {
		t.Errorf("final status = %q, want %q", final.Status, models.StatusError)
	}
	if final.Error != "no data fetched" {
		t.Errorf("final error = %q, want %q", final.Error, "no data fetched")
	}
	if len(publisher.readingSets) != 0 || backfiller.calls != 0 {
		t.Errorf("empty set must not publish or backfill")
	}
}

func TestRunCycleBackfillFailure(t *testing.T) {
	provider := &fakeProvider{set: testSet(t)}
	publisher := &fakePublisher{}
	backfiller := &fakeBackfiller{err: errors.New("database locked")}

	s := NewSyncer(provider, publisher, backfiller, nil, testOptions())
	if err := s.RunCycle(context.Background()); err == nil {
		t.Fatalf("expected cycle error")
	}
	// Publishes happened before the backfill stage failed.
	if len(publisher.readingSets) != 1 {
		t.Errorf("published sets = %d, want 1", len(publisher.readingSets))
	}
	final := publisher.statuses[len(publisher.statuses)-1]
	if final.Status != models.StatusError {
		t.Errorf("final status = %q", final.Status)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	provider := &fakeProvider{set: testSet(t)}
	publisher := &fakePublisher{}

	opts := testOptions()
	s := NewSyncer(provider, publisher, nil, nil, opts)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Errorf("second Start should fail")
	}

	// The first cycle runs immediately.
	deadline := time.After(2 * time.Second)
	for {
		publisher.mu.Lock()
		done := len(publisher.readingSets) > 0
		publisher.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first cycle did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.Stop()
	s.Stop() // idempotent

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.availability) < 2 {
		t.Fatalf("availability messages = %d, want at least 2", len(publisher.availability))
	}
	if publisher.availability[0] != true {
		t.Errorf("first availability must be online")
	}
	if publisher.availability[len(publisher.availability)-1] != false {
		t.Errorf("last availability must be offline")
	}
}
