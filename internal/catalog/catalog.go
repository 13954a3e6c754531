// Package catalog loads the provider catalog: capability descriptors, transport
// settings and prices for every external service.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/provider"
)

//go:embed default.yaml
var defaultCatalog []byte

// Static errors for catalog loading.
var (
	// ErrInvalidCatalog is returned when the catalog cannot be used.
	ErrInvalidCatalog = errors.New("catalog: invalid catalog")
	// ErrTransportNotConfigured is returned when a provider's transport lacks an
	// endpoint or queue URL.
	ErrTransportNotConfigured = errors.New("catalog: transport not configured")
)

// Transport types.
const (
	TransportRunPod = "runpod"
	TransportBeam   = "beam"
)

// Transport says how to reach a provider.
type Transport struct {
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint,omitempty"`
	QueueURL string `yaml:"queue_url,omitempty"`
}

// Price is one rate line. Prices are decimal strings.
type Price struct {
	Variant string `yaml:"variant,omitempty"`
	Basis   string `yaml:"basis"`
	Price   string `yaml:"price"`
}

// Entry is one provider.
type Entry struct {
	provider.Capability `yaml:",inline"`

	Transport Transport `yaml:"transport"`
	Rates     []Price   `yaml:"rates"`
}

// Catalog is the parsed file.
type Catalog struct {
	Providers []Entry `yaml:"providers"`
}

// Load reads the catalog at path, or the built-in one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied catalog path
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse expands environment references in data and decodes it.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks descriptors, names and prices.
func (c *Catalog) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("%w: no providers", ErrInvalidCatalog)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, e := range c.Providers {
		if err := e.Capability.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalidCatalog, e.Name)
		}
		seen[e.Name] = true

		switch e.Transport.Type {
		case TransportRunPod, TransportBeam:
		default:
			return fmt.Errorf("%w: %s: unknown transport %q", ErrInvalidCatalog, e.Name, e.Transport.Type)
		}
		if len(e.Rates) == 0 {
			return fmt.Errorf("%w: %s has no rates", ErrInvalidCatalog, e.Name)
		}
	}
	_, err := c.RateTable()
	return err
}

// RateTable builds the pricing table.
func (c *Catalog) RateTable() (*ledger.RateTable, error) {
	rt, err := ledger.NewRateTable()
	if err != nil {
		return nil, err
	}
	for _, e := range c.Providers {
		for _, p := range e.Rates {
			price, err := decimal.NewFromString(p.Price)
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s price %q: %w", ErrInvalidCatalog, e.Name, p.Variant, p.Price, err)
			}
			rate := ledger.Rate{
				Provider: e.Name,
				Variant:  p.Variant,
				Basis:    ledger.Basis(p.Basis),
				Price:    price,
			}
			if err := rt.Add(rate); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
			}
		}
	}
	return rt, nil
}
