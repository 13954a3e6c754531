// Package orchestrator drives processing units to a terminal state by polling
// their providers on a fixed interval with a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/lifecycle"
	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/script"
	"github.com/maauso/genforge/internal/unit"
)

// Default tuning.
const (
	DefaultInterval    = 5 * time.Second
	DefaultWorkers     = 4
	DefaultPollTimeout = 30 * time.Second
)

// DefaultPendingTimeout is how long a unit may sit unsubmitted, e.g. after a
// crash between create and submit.
const DefaultPendingTimeout = 10 * time.Minute

// Machine applies state changes. lifecycle.Machine implements it.
type Machine interface {
	CompleteAndCharge(ctx context.Context, unitID, resultRef string) (lifecycle.Outcome, error)
	Fail(ctx context.Context, unitID, reason string) error
	Reconcile(ctx context.Context) (lifecycle.ReconcileReport, error)
}

// AdapterSource resolves a unit's provider adapter.
type AdapterSource interface {
	Adapter(name string) (provider.Adapter, error)
}

// Resetter rolls monthly usage over. ledger.Service implements it.
type Resetter interface {
	ResetDue(ctx context.Context, dryRun bool) (ledger.ResetReport, error)
}

// Composer joins scripts whose scenes are done. compose.Engine implements it.
type Composer interface {
	Ready(ctx context.Context, scriptID string) (bool, error)
	Compose(ctx context.Context, scriptID string) (*script.Script, error)
}

// Report summarizes one sweep.
type Report struct {
	InFlight  int
	Completed int
	Failed    int
	TimedOut  int
	Retried   int
	Skipped   int
	Abandoned int
	Reconcile lifecycle.ReconcileReport
	Reset     ledger.ResetReport
	Composed  []string
}

// Orchestrator runs polling sweeps.
type Orchestrator struct {
	units    unit.Repository
	adapters AdapterSource
	machine  Machine
	resetter Resetter
	scripts  script.Repository
	composer Composer

	// locks is separate from the machine's own: a sweep holds a unit here while
	// calling into the machine, which takes its lock again.
	locks       *lifecycle.Locks
	interval    time.Duration
	workers     int
	pollTimeout time.Duration
	pendingTTL  time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPollTimeout bounds a single provider poll.
func WithPollTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithPendingTimeout sets how old a pending unit must be before a sweep
// gives up on it.
func WithPendingTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pendingTTL = d
		}
	}
}

// WithResetter enables the monthly usage rollover after each sweep.
func WithResetter(r Resetter) Option {
	return func(o *Orchestrator) { o.resetter = r }
}

// WithAutoCompose composes decomposed scripts as soon as their scenes are done.
func WithAutoCompose(scripts script.Repository, c Composer) Option {
	return func(o *Orchestrator) {
		o.scripts = scripts
		o.composer = c
	}
}

// WithMetrics records sweep metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator.
func New(units unit.Repository, adapters AdapterSource, machine Machine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		units:       units,
		adapters:    adapters,
		machine:     machine,
		locks:       lifecycle.NewLocks(),
		interval:    DefaultInterval,
		workers:     DefaultWorkers,
		pollTimeout: DefaultPollTimeout,
		pendingTTL:  DefaultPendingTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunForever sweeps until ctx is cancelled.
func (o *Orchestrator) RunForever(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("orchestrator started",
		slog.Duration("interval", o.interval),
		slog.Int("workers", o.workers),
	)
	for {
		if _, err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("sweep failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce polls every processing unit once, then reconciles charges, rolls
// monthly usage over and composes finished scripts. A failure on one unit never
// stops the others.
func (o *Orchestrator) RunOnce(ctx context.Context) (Report, error) {
	start := o.now()
	var report Report

	pending, err := o.units.List(ctx, unit.Filter{Status: unit.StatusProcessing})
	if err != nil {
		return report, fmt.Errorf("list processing units: %w", err)
	}
	report.InFlight = len(pending)
	o.pollAll(ctx, pending, &report)
	report.Abandoned = o.expirePending(ctx)

	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	report.Reconcile, err = o.machine.Reconcile(ctx)
	if err != nil {
		o.logger.Error("reconciliation failed", slog.String("error", err.Error()))
	}
	if o.resetter != nil {
		report.Reset, err = o.resetter.ResetDue(ctx, false)
		if err != nil {
			o.logger.Error("monthly reset failed", slog.String("error", err.Error()))
		}
	}
	if o.composer != nil {
		report.Composed = o.composeReady(ctx)
	}

	o.metrics.observeSweep(o.now().Sub(start), report.InFlight)
	return report, nil
}

// expirePending fails units that were created but never reached a provider.
// No provider job exists for them, so there is nothing to cancel or charge.
func (o *Orchestrator) expirePending(ctx context.Context) int {
	units, err := o.units.List(ctx, unit.Filter{Status: unit.StatusPending})
	if err != nil {
		o.logger.Error("list pending units", slog.String("error", err.Error()))
		return 0
	}
	cutoff := o.now().Add(-o.pendingTTL)
	n := 0
	for _, u := range units {
		if ctx.Err() != nil || !u.CreatedAt.Before(cutoff) {
			continue
		}
		unlock, ok := o.locks.TryLock(u.ID)
		if !ok {
			continue
		}
		reason := fmt.Sprintf("never submitted: pending since %s", u.CreatedAt.UTC().Format(time.RFC3339))
		err := o.machine.Fail(ctx, u.ID, reason)
		unlock()
		if err != nil {
			o.logger.Error("failed to expire pending unit", slog.String("unit_id", u.ID), slog.String("error", err.Error()))
			continue
		}
		o.metrics.observeTransition(string(unit.StatusError))
		n++
	}
	return n
}

func (o *Orchestrator) pollAll(ctx context.Context, units []*unit.Unit, report *Report) {
	if len(units) == 0 {
		return
	}
	queue := make(chan *unit.Unit, len(units))
	for _, u := range units {
		queue <- u
	}
	close(queue)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for range min(o.workers, len(units)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range queue {
				if ctx.Err() != nil {
					return
				}
				outcome := o.handle(ctx, u)
				mu.Lock()
				report.count(outcome)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func (r *Report) count(outcome string) {
	switch outcome {
	case outcomeCompleted:
		r.Completed++
	case outcomeError:
		r.Failed++
	case outcomeTimeout:
		r.TimedOut++
	case outcomeTransient:
		r.Retried++
	case outcomeSkipped:
		r.Skipped++
	}
}

// handle moves one unit forward and returns the poll outcome.
func (o *Orchestrator) handle(ctx context.Context, u *unit.Unit) string {
	c := u.Clone()
	log := o.logger.With(slog.String("unit_id", c.ID), slog.String("provider", c.Provider))

	unlock, ok := o.locks.TryLock(c.ID)
	if !ok {
		o.metrics.observePoll(c.Provider, outcomeSkipped)
		return outcomeSkipped
	}
	defer unlock()

	now := o.now()
	if u.Expired(now) {
		reason := fmt.Sprintf("timeout: no result since %s (deadline %s)",
			c.StartedAt.UTC().Format(time.RFC3339), c.Deadline.UTC().Format(time.RFC3339))
		if err := o.machine.Fail(ctx, c.ID, reason); err != nil {
			log.Error("failed to time out unit", slog.String("error", err.Error()))
			return outcomeSkipped
		}
		o.metrics.observeTimeout()
		o.metrics.observeTransition(string(unit.StatusError))
		o.metrics.observePoll(c.Provider, outcomeTimeout)
		o.cancelRemote(ctx, log, c)
		return outcomeTimeout
	}

	adapter, err := o.adapters.Adapter(c.Provider)
	if err != nil {
		// The deadline still applies, so an unknown provider ends in a timeout.
		log.Error("no adapter for unit", slog.String("error", err.Error()))
		o.metrics.observePoll(c.Provider, outcomeTransient)
		return outcomeTransient
	}

	pctx, cancel := context.WithTimeout(ctx, o.pollTimeout)
	res, err := adapter.Poll(pctx, c.ExternalJobID)
	cancel()

	switch {
	case err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		// The per-poll timeout fired; only the unit deadline ends a silent job.
		log.Warn("poll timed out, will retry", slog.String("error", err.Error()))
		o.metrics.observePoll(c.Provider, outcomeTransient)
		return outcomeTransient
	case err != nil && errors.Is(err, provider.ErrTransient):
		log.Warn("transient poll error, will retry", slog.String("error", err.Error()))
		o.metrics.observePoll(c.Provider, outcomeTransient)
		return outcomeTransient
	case err != nil && ctx.Err() != nil:
		return outcomeSkipped
	case err != nil:
		return o.fail(ctx, log, c, "poll: "+err.Error())
	}

	switch res.State {
	case provider.StateCompleted:
		out, err := o.machine.CompleteAndCharge(ctx, c.ID, res.ResultRef)
		if err != nil {
			log.Error("failed to complete unit", slog.String("error", err.Error()))
			return outcomeSkipped
		}
		if out.Transitioned {
			o.metrics.observeTransition(string(unit.StatusCompleted))
			o.metrics.observeCharge(out.Charged)
		}
		o.metrics.observePoll(c.Provider, outcomeCompleted)
		return outcomeCompleted
	case provider.StateError:
		reason := res.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		return o.fail(ctx, log, c, reason)
	default:
		o.metrics.observePoll(c.Provider, outcomeProcessing)
		return outcomeProcessing
	}
}

// cancelRemote asks the provider to drop a timed-out job. Failures are logged
// only; the unit is already terminal and uncharged.
func (o *Orchestrator) cancelRemote(ctx context.Context, log *slog.Logger, c *unit.Unit) {
	adapter, err := o.adapters.Adapter(c.Provider)
	if err != nil {
		return
	}
	canceler, ok := adapter.(provider.Canceler)
	if !ok || c.ExternalJobID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, o.pollTimeout)
	defer cancel()
	if err := canceler.Cancel(cctx, c.ExternalJobID); err != nil {
		log.Warn("failed to cancel timed-out job", slog.String("external_id", c.ExternalJobID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, c *unit.Unit, reason string) string {
	if err := o.machine.Fail(ctx, c.ID, reason); err != nil {
		log.Error("failed to record unit failure", slog.String("error", err.Error()))
		return outcomeSkipped
	}
	o.metrics.observeTransition(string(unit.StatusError))
	o.metrics.observePoll(c.Provider, outcomeError)
	return outcomeError
}

// composeReady composes every decomposed script whose included scenes are done.
func (o *Orchestrator) composeReady(ctx context.Context) []string {
	scripts, err := o.scripts.ListByStatus(ctx, script.StatusDecomposed)
	if err != nil {
		o.logger.Error("list scripts", slog.String("error", err.Error()))
		return nil
	}

	var composed []string
	for _, sc := range scripts {
		if ctx.Err() != nil {
			break
		}
		ready, err := o.composer.Ready(ctx, sc.ID)
		if err != nil {
			o.logger.Debug("script not composable",
				slog.String("script_id", sc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ready {
			continue
		}
		if _, err := o.composer.Compose(ctx, sc.ID); err != nil {
			o.logger.Error("auto-compose failed",
				slog.String("script_id", sc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		composed = append(composed, sc.ID)
	}
	return composed
}
