package ledger

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/maauso/genforge/internal/unit"
)

// Basis is the quantity a rate is billed on.
type Basis string

const (
	// BasisSecond bills per second of generated media.
	BasisSecond Basis = "second"
	// BasisCharacter bills per character of input text.
	BasisCharacter Basis = "character"
	// BasisArtifact bills a flat price per artifact.
	BasisArtifact Basis = "artifact"
)

// Rate is the published unit price of one (provider, variant) pair.
// An empty Variant is the provider's default rate.
type Rate struct {
	Provider string
	Variant  string
	Basis    Basis
	Price    decimal.Decimal
}

type rateKey struct {
	provider string
	variant  string
}

// RateTable prices units. New entries can be added at runtime; callers never change.
type RateTable struct {
	mu    sync.RWMutex
	rates map[rateKey]Rate
}

// NewRateTable builds a table from rates.
func NewRateTable(rates ...Rate) (*RateTable, error) {
	t := &RateTable{rates: make(map[rateKey]Rate, len(rates))}
	for _, r := range rates {
		if err := t.Add(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add inserts a rate. Redefining an existing (provider, variant) is an error.
func (t *RateTable) Add(r Rate) error {
	switch {
	case r.Provider == "":
		return fmt.Errorf("%w: provider is required", ErrInvalidRate)
	case r.Price.IsNegative():
		return fmt.Errorf("%w: %s/%s has a negative price", ErrInvalidRate, r.Provider, r.Variant)
	}
	switch r.Basis {
	case BasisSecond, BasisCharacter, BasisArtifact:
	default:
		return fmt.Errorf("%w: %s/%s has unknown basis %q", ErrInvalidRate, r.Provider, r.Variant, r.Basis)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	k := rateKey{r.Provider, r.Variant}
	if _, ok := t.rates[k]; ok {
		return fmt.Errorf("%w: duplicate rate %s/%s", ErrInvalidRate, r.Provider, r.Variant)
	}
	t.rates[k] = r
	return nil
}

// Lookup returns the rate for provider and variant, falling back to the
// provider's default variant.
func (t *RateTable) Lookup(provider, variant string) (Rate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rates[rateKey{provider, variant}]; ok {
		return r, nil
	}
	if r, ok := t.rates[rateKey{provider, ""}]; ok && variant != "" {
		return r, nil
	}
	return Rate{}, fmt.Errorf("%w: %s/%s", ErrNoRate, provider, variant)
}

// EstimateCost prices a unit. It has no side effects.
func (t *RateTable) EstimateCost(kind unit.Kind, provider string, cfg unit.Config) (decimal.Decimal, error) {
	r, err := t.Lookup(provider, cfg.Variant)
	if err != nil {
		return decimal.Zero, err
	}

	var qty int
	switch r.Basis {
	case BasisSecond:
		qty = cfg.DurationSec
	case BasisCharacter:
		qty = cfg.Characters
		if qty == 0 {
			qty = utf8.RuneCountInString(cfg.Prompt)
		}
	case BasisArtifact:
		qty = 1
	}
	if qty <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s unit on %s needs a positive %s count", ErrInvalidQuantity, kind, provider, r.Basis)
	}
	return r.Price.Mul(decimal.NewFromInt(int64(qty))), nil
}
