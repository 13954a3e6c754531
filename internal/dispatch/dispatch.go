// Package dispatch admits generation requests and submits units to providers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maauso/genforge/internal/duration"
	"github.com/maauso/genforge/internal/lifecycle"
	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/script"
	"github.com/maauso/genforge/internal/unit"
)

// Static errors for request validation and submission.
var (
	// ErrKindMismatch is returned when a provider cannot produce the requested kind.
	ErrKindMismatch = errors.New("dispatch: provider does not produce this kind")
	// ErrDurationTooLong is returned when a single unit exceeds the provider maximum.
	ErrDurationTooLong = errors.New("dispatch: duration exceeds provider maximum")
	// ErrUnsupportedResolution is returned for a resolution the provider lacks.
	ErrUnsupportedResolution = errors.New("dispatch: unsupported resolution")
	// ErrAudioUnsupported is returned when audio is requested from a silent provider.
	ErrAudioUnsupported = errors.New("dispatch: provider cannot generate audio")
	// ErrSubmitFailed is returned when the provider rejected a submission.
	ErrSubmitFailed = errors.New("dispatch: submission failed")
)

const cancelTimeout = 30 * time.Second

// Ledger is the admission and pricing surface of the credit ledger.
type Ledger interface {
	EstimateCost(kind unit.Kind, provider string, cfg unit.Config) (decimal.Decimal, error)
	Admit(ctx context.Context, userID string, amount decimal.Decimal) error
}

// Request is a standalone unit request.
type Request struct {
	Owner    string
	Kind     unit.Kind
	Provider string
	Config   unit.Config
}

// Report summarizes a fan-out submission.
type Report struct {
	Submitted []string          `json:"submitted"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Dispatcher validates, admits and submits units.
type Dispatcher struct {
	registry *provider.Registry
	units    unit.Repository
	machine  *lifecycle.Machine
	ledger   Ledger
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(registry *provider.Registry, units unit.Repository, machine *lifecycle.Machine, l Ledger, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		units:    units,
		machine:  machine,
		ledger:   l,
		logger:   logger,
	}
}

// Prepare validates a request against the provider's capability and returns
// the config to submit. Durations inside the provider's band are normalized;
// durations above its maximum are rejected.
func (d *Dispatcher) Prepare(req Request) (unit.Config, error) {
	c, ok := d.registry.Capability(req.Provider)
	if !ok {
		return unit.Config{}, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, req.Provider)
	}
	if req.Kind != c.Kind {
		return unit.Config{}, fmt.Errorf("%w: %s makes %s, not %s", ErrKindMismatch, c.Name, c.Kind, req.Kind)
	}
	if !c.SupportsResolution(req.Config.Resolution) {
		return unit.Config{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedResolution, req.Config.Resolution, c.Name)
	}
	if req.Config.Audio && !c.Audio {
		return unit.Config{}, fmt.Errorf("%w: %s", ErrAudioUnsupported, c.Name)
	}

	cfg := req.Config
	if c.Timed() {
		if cfg.DurationSec > c.Durations.MaxSeconds() {
			return unit.Config{}, fmt.Errorf("%w: %ds > %ds on %s", ErrDurationTooLong, cfg.DurationSec, c.Durations.MaxSeconds(), c.Name)
		}
		cfg.DurationSec = duration.Normalize(cfg.DurationSec, c.Durations)
		if cfg.DurationSec == 0 {
			return unit.Config{}, fmt.Errorf("%w: %s", duration.ErrNoLegalDuration, c.Name)
		}
	}
	return cfg, nil
}

// SubmitUnit validates and admits a standalone request, then submits it.
// Admission errors come back unwrapped from the ledger so callers can match
// ledger.ErrInsufficientCredits and ledger.ErrMonthlyLimitExceeded.
func (d *Dispatcher) SubmitUnit(ctx context.Context, req Request) (*unit.Unit, error) {
	cfg, err := d.Prepare(req)
	if err != nil {
		return nil, err
	}
	cost, err := d.ledger.EstimateCost(req.Kind, req.Provider, cfg)
	if err != nil {
		return nil, err
	}
	if err := d.ledger.Admit(ctx, req.Owner, cost); err != nil {
		return nil, err
	}

	u := unit.New(req.Owner, req.Kind, req.Provider, cfg)
	if err := d.units.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create unit: %w", err)
	}
	return d.submit(ctx, u)
}

// EstimatePlans prices a set of scene plans.
func (d *Dispatcher) EstimatePlans(plans []script.Plan) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range plans {
		cost, err := d.ledger.EstimateCost(unit.KindScene, p.Provider, unit.Config{DurationSec: p.Seconds})
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(cost)
	}
	return sum, nil
}

// AdmitPlans checks the owner can pay for every planned scene.
func (d *Dispatcher) AdmitPlans(ctx context.Context, owner string, plans []script.Plan) error {
	total, err := d.EstimatePlans(plans)
	if err != nil {
		return err
	}
	return d.ledger.Admit(ctx, owner, total)
}

// SubmitScenes submits scenes in parallel, bounded per provider. A scene that
// fails to submit goes straight to error; its siblings are unaffected.
func (d *Dispatcher) SubmitScenes(ctx context.Context, scenes []*unit.Unit) Report {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report = Report{Submitted: []string{}, Failed: map[string]string{}}
	)
	for _, u := range scenes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.submit(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[u.ID] = err.Error()
				return
			}
			report.Submitted = append(report.Submitted, u.ID)
		}()
	}
	wg.Wait()
	return report
}

// submit sends a pending unit to its provider and records the outcome. A
// unit never stays pending after submit returns, unless the store itself is
// unreachable.
func (d *Dispatcher) submit(ctx context.Context, u *unit.Unit) (*unit.Unit, error) {
	c := u.Clone()
	logger := d.logger.With(slog.String("unit_id", c.ID), slog.String("provider", c.Provider))

	externalID, err := d.send(ctx, c)
	if err != nil {
		logger.Warn("submission failed", slog.String("error", err.Error()))
		return d.abandon(ctx, logger, c, "submit: "+err.Error(), fmt.Errorf("%w: %w", ErrSubmitFailed, err))
	}

	started, err := d.machine.Start(ctx, c.ID, externalID)
	if err != nil {
		// The provider has the job but we could not record it; stop it rather
		// than leave work nobody will poll.
		logger.Error("failed to record submission",
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
		d.cancelRemote(ctx, logger, c.Provider, externalID)
		return d.abandon(ctx, logger, c, "record submission: "+err.Error(), fmt.Errorf("%w: %w", ErrSubmitFailed, err))
	}
	return started, nil
}

// abandon moves c to error and returns its stored state with cause.
func (d *Dispatcher) abandon(ctx context.Context, logger *slog.Logger, c *unit.Unit, reason string, cause error) (*unit.Unit, error) {
	saveCtx := context.WithoutCancel(ctx)
	if err := d.machine.Fail(saveCtx, c.ID, reason); err != nil {
		logger.Error("failed to record submission failure", slog.String("error", err.Error()))
		return c, errors.Join(cause, err)
	}
	failed, err := d.units.FindByID(saveCtx, c.ID)
	if err != nil {
		logger.Error("failed to reload unit", slog.String("error", err.Error()))
		return c, errors.Join(cause, err)
	}
	return failed, cause
}

func (d *Dispatcher) cancelRemote(ctx context.Context, logger *slog.Logger, name, externalID string) {
	adapter, err := d.registry.Adapter(name)
	if err != nil {
		return
	}
	canceler, ok := adapter.(provider.Canceler)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := canceler.Cancel(cctx, externalID); err != nil {
		logger.Warn("failed to cancel provider job",
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) send(ctx context.Context, u *unit.Unit) (string, error) {
	adapter, err := d.registry.Adapter(u.Provider)
	if err != nil {
		return "", err
	}
	release, err := d.registry.Acquire(ctx, u.Provider)
	if err != nil {
		return "", err
	}
	defer release()
	return adapter.Submit(ctx, provider.NewRequest(u))
}
