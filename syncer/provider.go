package syncer

import (
	"context"
	"fmt"
	"time"

	"metersync/models"
	"metersync/processor"
	"metersync/reader/wienernetze"
)

// Provider supplies readings for one fetch window. The syncer picks an
// implementation once at startup; mock and real data are never mixed
// within a process lifetime.
type Provider interface {
	Fetch(ctx context.Context, from, until time.Time) (*models.ReadingSet, error)
}

// sessionResetter is implemented by providers holding revocable
// credentials.
type sessionResetter interface {
	Reset()
}

// APIProvider fetches raw measurement payloads from the utility API and
// normalizes them.
type APIProvider struct {
	client     *wienernetze.Client
	normalizer *processor.Normalizer
	zaehlpunkt string
}

func NewAPIProvider(client *wienernetze.Client, zaehlpunkt string) *APIProvider {
	return &APIProvider{
		client:     client,
		normalizer: processor.NewNormalizer(),
		zaehlpunkt: zaehlpunkt,
	}
}

func (p *APIProvider) Fetch(ctx context.Context, from, until time.Time) (*models.ReadingSet, error) {
	raw, err := p.client.Bewegungsdaten(ctx, p.zaehlpunkt, from, until)
	if err != nil {
		return nil, fmt.Errorf("fetch bewegungsdaten: %w", err)
	}
	return p.normalizer.Normalize(raw, p.zaehlpunkt), nil
}

// Reset drops the client's session so the next fetch re-authenticates.
func (p *APIProvider) Reset() {
	p.client.Reset()
}

// MockProvider generates synthetic readings for broker and dashboard
// testing without utility credentials.
type MockProvider struct {
	gen        *processor.MockGenerator
	zaehlpunkt string
}

func NewMockProvider(zaehlpunkt string) *MockProvider {
	return &MockProvider{gen: processor.NewMockGenerator(), zaehlpunkt: zaehlpunkt}
}

func (p *MockProvider) Fetch(_ context.Context, from, until time.Time) (*models.ReadingSet, error) {
	return p.gen.Generate(from, until, p.zaehlpunkt), nil
}
