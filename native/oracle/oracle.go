package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// PriceQuote captures a USD price for an asset along with the timestamp
// reported by the upstream feed and the feed identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// PriceOracle resolves a USD price for one whole unit of the supplied asset.
type PriceOracle interface {
	GetPrice(asset string) (PriceQuote, error)
}

// FairLPOracle prices LP-token collateral from the underlying reserves so a
// flash-skewed pool ratio cannot distort the quote. Implementations carry
// their own manipulation resistance; consumers only see the resulting quote.
type FairLPOracle interface {
	PriceOracle
	FairLPPrice(pool string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that the aggregator could not retrieve a quote
// within the configured freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// Aggregator consults a list of registered feeds in priority order until a
// fresh, positive quote is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
	nowFn    func() time.Time
}

// NewAggregator constructs an aggregator with the provided priority and
// freshness window. A nil priority starts empty; Register appends feeds as
// they arrive.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
		nowFn:    time.Now,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier.
// Identifiers are stored in lowercase so lookups are casing independent.
func (a *Aggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetPrice fetches a price from the registered feeds respecting the
// priority ordering. Stale and non-positive quotes are skipped; the last
// failure is surfaced when no feed produces a usable quote.
func (a *Aggregator) GetPrice(asset string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("oracle aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	now := a.nowFn
	a.mu.RUnlock()

	symbol := normalizeSymbol(asset)
	if symbol == "" {
		return PriceQuote{}, fmt.Errorf("oracle: asset required")
	}

	var lastErr error
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now().Add(-maxAge)
	}

	for _, name := range priority {
		a.mu.RLock()
		feed := a.oracles[name]
		a.mu.RUnlock()
		if feed == nil {
			continue
		}
		quote, err := feed.GetPrice(symbol)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid price", name)
			continue
		}
		if maxAge > 0 && quote.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

// ManualOracle provides an in-memory feed used for tests and manual
// overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual feed.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

// SetDecimal records the supplied decimal price for the asset using the
// provided timestamp.
func (m *ManualOracle) SetDecimal(asset, price string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("manual oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual oracle: invalid price %q", price)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual oracle: price must be positive")
	}
	m.Set(asset, rat, ts)
	return nil
}

// Set stores the provided rational price for the asset.
func (m *ManualOracle) Set(asset string, price *big.Rat, ts time.Time) {
	if m == nil || price == nil {
		return
	}
	symbol := normalizeSymbol(asset)
	if symbol == "" {
		return
	}
	m.mu.Lock()
	m.quotes[symbol] = PriceQuote{
		Rate:      new(big.Rat).Set(price),
		Timestamp: ts,
		Source:    "manual",
	}
	m.mu.Unlock()
}

// GetPrice retrieves the stored price for the asset.
func (m *ManualOracle) GetPrice(asset string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("manual oracle not configured")
	}
	symbol := normalizeSymbol(asset)
	m.mu.RLock()
	stored, ok := m.quotes[symbol]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("manual oracle: quote for %s not found", asset)
	}
	return stored.Clone(), nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
