package catalog

import (
	"fmt"
	"log/slog"

	"github.com/maauso/genforge/internal/beam"
	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/runpod"
)

// AdapterFactory builds the adapter for one catalog entry.
type AdapterFactory func(e Entry) (provider.Adapter, error)

// Credentials holds transport secrets.
type Credentials struct {
	RunPodAPIKey string
	BeamToken    string
}

// NewAdapterFactory returns a factory that reaches providers over RunPod and Beam.
func NewAdapterFactory(creds Credentials) AdapterFactory {
	return func(e Entry) (provider.Adapter, error) {
		switch e.Transport.Type {
		case TransportRunPod:
			if e.Transport.Endpoint == "" {
				return nil, fmt.Errorf("%w: %s needs an endpoint", ErrTransportNotConfigured, e.Name)
			}
			client, err := runpod.NewClient(e.Transport.Endpoint, runpod.WithAPIKey(creds.RunPodAPIKey))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name, err)
			}
			return provider.NewRunPodAdapter(client), nil
		case TransportBeam:
			if e.Transport.QueueURL == "" {
				return nil, fmt.Errorf("%w: %s needs a queue_url", ErrTransportNotConfigured, e.Name)
			}
			client, err := beam.NewClient(e.Transport.QueueURL, beam.WithToken(creds.BeamToken))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name, err)
			}
			return provider.NewBeamAdapter(client), nil
		}
		return nil, fmt.Errorf("%w: %s: unknown transport %q", ErrInvalidCatalog, e.Name, e.Transport.Type)
	}
}

// Registry registers every provider whose adapter can be built. Providers that
// cannot be reached are skipped with a warning so one missing endpoint does not
// take the service down.
func (c *Catalog) Registry(factory AdapterFactory, logger *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, e := range c.Providers {
		adapter, err := factory(e)
		if err != nil {
			logger.Warn("provider unavailable",
				slog.String("provider", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := reg.Register(e.Capability, adapter); err != nil {
			return nil, fmt.Errorf("register %s: %w", e.Name, err)
		}
		logger.Info("provider registered",
			slog.String("provider", e.Name),
			slog.String("transport", e.Transport.Type),
			slog.Int("max_concurrency", max(e.MaxConcurrency, 1)),
		)
	}
	return reg, nil
}
