// Package sim provides a simulated market: a reference price oracle and
// venues that quote around it with bounded random spread and latency.
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// SettlementPrefix marks settlement ids produced by simulated venues.
const SettlementPrefix = "MOCK_TX_"

// Random is the source of uniform numbers in [0, 1). *rand.Rand satisfies it.
type Random interface {
	Float64() float64
}

// lockedRandom serialises access to a non-concurrent Random.
type lockedRandom struct {
	mu  sync.Mutex
	src Random
}

func (l *lockedRandom) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// NewRandom returns a goroutine-safe Random seeded from seed. A zero seed
// uses a time-based seed.
func NewRandom(seed uint64) Random {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedRandom{src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Oracle produces a base price of BasePrice ± Deviation for every pair.
type Oracle struct {
	BasePrice float64
	Deviation float64
	Rand      Random
}

// ReferencePrice implements router.ReferencePricer.
func (o *Oracle) ReferencePrice(_ context.Context, _, _ string) (float64, error) {
	return o.BasePrice + (o.Rand.Float64()*2-1)*o.Deviation, nil
}

// VenueConfig parameterises a simulated venue.
type VenueConfig struct {
	Name string
	// MaxSpread bounds the relative deviation from the reference price,
	// e.g. 0.025 for ±2.5%.
	MaxSpread float64
	// MinLatency and MaxLatency bound the simulated quote round trip.
	MinLatency time.Duration
	MaxLatency time.Duration
	// ExecLatency is the simulated submission time.
	ExecLatency time.Duration
	// FailureRate is the probability in [0, 1] that a quote reports the
	// venue as unavailable.
	FailureRate float64
	// FallbackPrice is used when the request carries no reference price.
	FallbackPrice float64
}

// Venue is a simulated execution counterparty.
type Venue struct {
	cfg   VenueConfig
	rand  Random
	sleep func(ctx context.Context, d time.Duration) error
}

// NewVenue creates a simulated venue drawing randomness from r.
func NewVenue(cfg VenueConfig, r Random) *Venue {
	if cfg.FallbackPrice <= 0 {
		cfg.FallbackPrice = 100
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Venue{cfg: cfg, rand: r, sleep: sleepCtx}
}

// Name returns the venue name.
func (v *Venue) Name() string { return v.cfg.Name }

// Quote prices req at reference × (1 ± spread) after the simulated latency.
func (v *Venue) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	latency := v.cfg.MinLatency
	if span := v.cfg.MaxLatency - v.cfg.MinLatency; span > 0 {
		latency += time.Duration(v.rand.Float64() * float64(span))
	}
	if err := v.sleep(ctx, latency); err != nil {
		return domain.Quote{}, err
	}

	if v.cfg.FailureRate > 0 && v.rand.Float64() < v.cfg.FailureRate {
		return domain.Quote{}, fmt.Errorf("sim: %s: %w", v.cfg.Name, domain.ErrVenueUnavailable)
	}

	base := req.ReferencePrice
	if base <= 0 {
		base = v.cfg.FallbackPrice
	}
	price := base * (1 + (v.rand.Float64()*2-1)*v.cfg.MaxSpread)

	return domain.Quote{
		Venue:           v.cfg.Name,
		Price:           price,
		EstimatedOutput: req.Amount * price,
	}, nil
}

// Execute simulates submission latency and returns a settlement id.
func (v *Venue) Execute(ctx context.Context, _ domain.Quote) (string, error) {
	if err := v.sleep(ctx, v.cfg.ExecLatency); err != nil {
		return "", err
	}
	return NewSettlementID(), nil
}

// NewSettlementID returns an id of the form MOCK_TX_<12 upper-case hex>.
func NewSettlementID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return SettlementPrefix + strings.ToUpper(raw[:12])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
