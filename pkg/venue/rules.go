package venue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradedesk/pkg/models"
)

// ExchangeInfoFetcher supplies the full instrument rule list. Implemented by
// RestClient; swapped for a stub in tests.
type ExchangeInfoFetcher interface {
	ExchangeInfo(ctx context.Context) ([]models.SymbolRule, error)
}

// RuleCache holds per-instrument trading constraints and quantizes order
// parameters against them. The rule set is replaced wholesale on every
// refresh.
type RuleCache struct {
	fetch ExchangeInfoFetcher
	log   *logrus.Logger

	mu    sync.RWMutex
	rules map[string]models.SymbolRule

	retryBase time.Duration
	retryMax  time.Duration
	attempts  int
}

func NewRuleCache(fetch ExchangeInfoFetcher, log *logrus.Logger) *RuleCache {
	return &RuleCache{
		fetch:     fetch,
		log:       log,
		rules:     make(map[string]models.SymbolRule),
		retryBase: time.Second,
		retryMax:  5 * time.Second,
		attempts:  3,
	}
}

// Refresh fetches the full instrument list, retrying transient failures with
// capped exponential backoff before surfacing the error. A failed first fetch
// leaves the cache empty: there is no stale data to fall back on.
func (rc *RuleCache) Refresh(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.retryBase
	bo.Multiplier = 2
	bo.MaxInterval = rc.retryMax
	bo.RandomizationFactor = 0

	var lastErr error
	for attempt := 0; attempt < rc.attempts; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				delay = rc.retryMax
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		rules, err := rc.fetch.ExchangeInfo(ctx)
		if err != nil {
			lastErr = err
			rc.log.WithError(err).WithField("attempt", attempt+1).Warn("Exchange info fetch failed")
			continue
		}

		next := make(map[string]models.SymbolRule, len(rules))
		for _, r := range rules {
			next[r.Symbol] = r
		}
		rc.mu.Lock()
		rc.rules = next
		rc.mu.Unlock()
		rc.log.WithField("symbols", len(next)).Info("Symbol rules refreshed")
		return nil
	}
	return lastErr
}

// Rule returns the constraints for one symbol.
func (rc *RuleCache) Rule(symbol string) (models.SymbolRule, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	r, ok := rc.rules[symbol]
	return r, ok
}

// Len reports how many symbols have rules loaded.
func (rc *RuleCache) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.rules)
}

// LegalizeQuantity clamps qty to the symbol's [minQty, maxQty] and floors it
// to the nearest stepSize multiple, formatted at stepSize's decimal count.
// Unknown symbols pass through unchanged: the venue's own validation is the
// backstop, and refusing to try would be worse than a rejected order.
func (rc *RuleCache) LegalizeQuantity(symbol string, qty float64) string {
	rule, ok := rc.Rule(symbol)
	if !ok {
		rc.log.WithField("symbol", symbol).Warn("No trading rules for symbol, passing quantity through")
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	return quantize(qty, rule.MinQty, rule.MaxQty, rule.StepSize)
}

// LegalizePrice applies the same clamp-and-floor discipline against tickSize.
func (rc *RuleCache) LegalizePrice(symbol string, price float64) string {
	rule, ok := rc.Rule(symbol)
	if !ok {
		rc.log.WithField("symbol", symbol).Warn("No trading rules for symbol, passing price through")
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	return quantize(price, "", "", rule.TickSize)
}

// MeetsMinNotional reports whether qty*price clears the symbol's minimum
// notional. Unknown symbols are permissive.
func (rc *RuleCache) MeetsMinNotional(symbol string, qty, price float64) bool {
	rule, ok := rc.Rule(symbol)
	if !ok {
		return true
	}
	return qty*price >= rule.MinNotional
}

func quantize(value float64, min, max, step string) string {
	d := decimal.NewFromFloat(value)

	if min != "" {
		if lo, err := decimal.NewFromString(min); err == nil && d.LessThan(lo) {
			d = lo
		}
	}
	if max != "" {
		if hi, err := decimal.NewFromString(max); err == nil && d.GreaterThan(hi) {
			d = hi
		}
	}

	s, err := decimal.NewFromString(step)
	if err != nil || s.IsZero() {
		return d.String()
	}

	floored := d.Div(s).Floor().Mul(s)
	return floored.StringFixed(-s.Exponent())
}
