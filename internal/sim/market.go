package sim

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// snapshotTTL is how long a cached quote stays fresh before the next
// request synthesizes a new one.
const defaultSnapshotTTL = 5 * time.Second

// seedPrices anchor synthesis for common symbols. Anything else gets a
// price derived from a hash of the symbol.
var seedPrices = map[string]float64{
	"ES": 4500, "NQ": 15500, "YM": 34000, "RTY": 1900,
	"MES": 4500, "MNQ": 15500, "MYM": 34000, "M2K": 1900,
	"GC": 1950, "SI": 24, "CL": 75, "NG": 2.5, "MGC": 1950, "MCL": 75,
	"AAPL": 175, "MSFT": 370, "SPY": 450, "QQQ": 380, "TSLA": 240, "NVDA": 480,
	"BTCUSD": 43000, "ETHUSD": 2300,
}

// spread in basis points by asset kind.
func spreadBps(kind types.AssetKind) float64 {
	switch kind {
	case types.KindFuture:
		return 1
	case types.KindOption:
		return 100
	case types.KindCrypto:
		return 10
	case types.KindForex:
		return 1
	default: // stock
		return 5
	}
}

type snapshot struct {
	quote types.Quote
	mid   float64 // unrounded midpoint, carried between perturbations
}

// MarketData is the simulator's quote cache. Snapshots older than the
// TTL are replaced on demand; a background task perturbs every cached
// price at a fixed cadence so positions mark to a moving market.
type MarketData struct {
	ttl      time.Duration
	interval time.Duration
	loc      *time.Location
	logger   *slog.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	cache map[string]*snapshot

	now func() time.Time
}

func NewMarketData(ttl, perturbInterval time.Duration, loc *time.Location, logger *slog.Logger) *MarketData {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	if perturbInterval <= 0 {
		perturbInterval = time.Second
	}
	return &MarketData{
		ttl:      ttl,
		interval: perturbInterval,
		loc:      loc,
		logger:   logger.With("component", "sim_market"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:    make(map[string]*snapshot),
		now:      time.Now,
	}
}

// Conditions reports the current market conditions.
func (m *MarketData) Conditions() Conditions {
	return conditionsAt(m.now(), m.loc)
}

// Quote returns the cached snapshot for the symbol, synthesizing a new
// one when absent or stale.
func (m *MarketData) Quote(symbol string) types.Quote {
	now := m.now()
	cond := conditionsAt(now, m.loc)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[symbol]; ok && now.Sub(s.quote.Timestamp) < m.ttl {
		return s.quote
	}

	s := m.synthesize(symbol, cond, now)
	m.cache[symbol] = s
	return s.quote
}

// synthesize builds a fresh snapshot: seed price, uniform return within
// ±2% × volatility, spread by asset kind, everything snapped to tick.
// Caller holds the lock.
func (m *MarketData) synthesize(symbol string, cond Conditions, now time.Time) *snapshot {
	spec := types.SpecFor(symbol)

	mid := seedPrice(symbol)
	if prev, ok := m.cache[symbol]; ok {
		mid = prev.mid
	}
	v := 0.02 * cond.VolatilityMultiplier
	mid *= 1 + (m.rng.Float64()*2-1)*v

	return m.snapshotFrom(symbol, spec, mid, now)
}

func (m *MarketData) snapshotFrom(symbol string, spec types.SymbolSpec, mid float64, now time.Time) *snapshot {
	half := mid * spreadBps(spec.Kind) / 10_000 / 2

	tick := spec.Tick
	bid := types.RoundToTick(decimal.NewFromFloat(mid-half), tick)
	ask := types.RoundToTick(decimal.NewFromFloat(mid+half), tick)
	last := types.RoundToTick(decimal.NewFromFloat(mid), tick)
	if ask.LessThanOrEqual(bid) {
		ask = bid.Add(tick)
	}

	return &snapshot{
		mid: mid,
		quote: types.Quote{
			Symbol:    symbol,
			Bid:       bid,
			Ask:       ask,
			Last:      last,
			Volume:    1000 + m.rng.Int63n(100_000),
			Timestamp: now,
		},
	}
}

// Run perturbs all cached snapshots until the context ends. Each tick
// applies a uniform return in ±0.001 × volatility and re-rounds.
func (m *MarketData) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.perturb()
		}
	}
}

func (m *MarketData) perturb() {
	now := m.now()
	cond := conditionsAt(now, m.loc)

	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, s := range m.cache {
		mid := s.mid * (1 + (m.rng.Float64()*2-1)*0.001*cond.VolatilityMultiplier)
		m.cache[symbol] = m.snapshotFrom(symbol, types.SpecFor(symbol), mid, now)
	}
}

// Symbols lists the currently cached symbols.
func (m *MarketData) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.cache))
	for s := range m.cache {
		out = append(out, s)
	}
	return out
}

func seedPrice(symbol string) float64 {
	if p, ok := seedPrices[symbol]; ok {
		return p
	}
	if root := types.FuturesRoot(symbol); root != "" {
		if p, ok := seedPrices[root]; ok {
			return p
		}
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 50 + float64(h.Sum32()%4500)/10 // 50.0 .. 499.9
}
