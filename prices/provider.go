package prices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devskill-org/heat-capacitor/capacitor"
)

// Provider delivers the current price schedule snapshot.
type Provider interface {
	Schedule(ctx context.Context) (capacitor.PriceSchedule, error)
}

// Fees are added to every unit price, e.g. grid operator and delivery fees
// on top of the spot price.
type Fees struct {
	OperatorFee float64
	DeliveryFee float64
}

// Apply returns a copy of schedule with the fees added.
func (f Fees) Apply(schedule capacitor.PriceSchedule) capacitor.PriceSchedule {
	out := capacitor.PriceSchedule{
		Points: make([]capacitor.PricePoint, len(schedule.Points)),
		End:    schedule.End,
	}
	for i, p := range schedule.Points {
		p.UnitPrice += f.OperatorFee + f.DeliveryFee
		out.Points[i] = p
	}
	return out
}

// FileProvider reads the schedule from a local file on every call. Files
// ending in .xml are ENTSO-E documents, everything else is PriceData JSON.
type FileProvider struct {
	Path string
	Fees Fees
}

// Schedule implements Provider.
func (p *FileProvider) Schedule(_ context.Context) (capacitor.PriceSchedule, error) {
	schedule, err := LoadFile(p.Path)
	if err != nil {
		return capacitor.PriceSchedule{}, err
	}
	return p.Fees.Apply(schedule), nil
}

// LoadFile decodes a price file into a schedule.
func LoadFile(path string) (capacitor.PriceSchedule, error) {
	f, err := os.Open(path)
	if err != nil {
		return capacitor.PriceSchedule{}, fmt.Errorf("failed to open price file: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".xml") {
		doc, err := DecodeEnergyPricesXML(f)
		if err != nil {
			return capacitor.PriceSchedule{}, err
		}
		return doc.Schedule()
	}

	data, err := DecodePriceDataJSON(f)
	if err != nil {
		return capacitor.PriceSchedule{}, err
	}
	return data.Schedule(), nil
}

// ENTSOEProvider downloads day-ahead prices from the ENTSO-E transparency platform.
type ENTSOEProvider struct {
	Client        *APIClient
	SecurityToken string
	URLFormat     string
	Location      *time.Location
	Fees          Fees

	now func() time.Time
}

// Schedule implements Provider.
func (p *ENTSOEProvider) Schedule(ctx context.Context) (capacitor.PriceSchedule, error) {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	doc, err := p.Client.DownloadDayAhead(ctx, p.SecurityToken, p.URLFormat, now().In(loc))
	if err != nil {
		return capacitor.PriceSchedule{}, fmt.Errorf("failed to download market document: %w", err)
	}
	schedule, err := doc.Schedule()
	if err != nil {
		return capacitor.PriceSchedule{}, err
	}
	return p.Fees.Apply(schedule), nil
}

// CachedProvider wraps a Provider and refreshes it when the cached snapshot
// is older than TTL or no longer covers the current time. Each refresh
// replaces the snapshot, callers never see a schedule change under them.
type CachedProvider struct {
	source Provider
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	cached    *capacitor.PriceSchedule
	fetchedAt time.Time
	lastErr   error
}

// NewCachedProvider creates a caching provider over source.
func NewCachedProvider(source Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{source: source, ttl: ttl, now: time.Now}
}

// Schedule implements Provider. When a refresh fails but the cached snapshot
// still covers now, the stale snapshot is returned and the error is kept for
// LastError.
func (p *CachedProvider) Schedule(ctx context.Context) (capacitor.PriceSchedule, error) {
	now := p.now()

	p.mu.RLock()
	cached, fetchedAt := p.cached, p.fetchedAt
	p.mu.RUnlock()

	if cached != nil && now.Sub(fetchedAt) < p.ttl && covers(*cached, now) {
		return *cached, nil
	}

	fresh, err := p.source.Schedule(ctx)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		if cached != nil && covers(*cached, now) {
			return *cached, nil
		}
		return capacitor.PriceSchedule{}, err
	}

	p.mu.Lock()
	p.cached = &fresh
	p.fetchedAt = now
	p.lastErr = nil
	p.mu.Unlock()

	return fresh, nil
}

// FetchedAt returns when the cached snapshot was downloaded.
func (p *CachedProvider) FetchedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fetchedAt
}

// LastError returns the error of the last failed refresh, nil after a success.
func (p *CachedProvider) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func covers(s capacitor.PriceSchedule, t time.Time) bool {
	if len(s.Points) == 0 || t.Before(s.Points[0].Start) {
		return false
	}
	return !s.Bounded() || t.Before(s.End)
}
