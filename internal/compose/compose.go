// Package compose joins the finished scenes of a script into one video.
package compose

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/maauso/genforge/internal/media"
	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/script"
	"github.com/maauso/genforge/internal/storage"
	"github.com/maauso/genforge/internal/unit"
)

// Static errors for composition.
var (
	// ErrNoScenes is returned when a script has no included scenes.
	ErrNoScenes = errors.New("compose: no included scenes")
	// ErrSceneNotTerminal is returned while an included scene is still generating.
	ErrSceneNotTerminal = errors.New("compose: scene not finished")
	// ErrSceneFailed is returned when an included scene ended in error.
	ErrSceneFailed = errors.New("compose: scene failed")
)

// AdapterSource resolves the adapter that produced a scene.
type AdapterSource interface {
	Adapter(name string) (provider.Adapter, error)
}

// Engine composes scripts.
type Engine struct {
	scripts   script.Repository
	units     unit.Repository
	adapters  AdapterSource
	processor media.Processor
	storage   storage.Storage
	logger    *slog.Logger
}

// NewEngine creates a composition engine.
func NewEngine(
	scripts script.Repository,
	units unit.Repository,
	adapters AdapterSource,
	processor media.Processor,
	store storage.Storage,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		scripts:   scripts,
		units:     units,
		adapters:  adapters,
		processor: processor,
		storage:   store,
		logger:    logger,
	}
}

// Order drops excluded scenes and sorts the rest by SceneIndex. Every remaining
// scene must be completed: a failed one yields ErrSceneFailed, an unfinished one
// ErrSceneNotTerminal.
func Order(scenes []*unit.Unit) ([]*unit.Unit, error) {
	included := make([]*unit.Unit, 0, len(scenes))
	for _, s := range scenes {
		c := s.Clone()
		if c.Included {
			included = append(included, c)
		}
	}
	if len(included) == 0 {
		return nil, ErrNoScenes
	}
	slices.SortStableFunc(included, func(a, b *unit.Unit) int {
		return cmp.Compare(a.SceneIndex, b.SceneIndex)
	})

	for _, s := range included {
		if s.Status == unit.StatusError {
			return nil, fmt.Errorf("%w: scene %d (%s): %s", ErrSceneFailed, s.SceneIndex, s.ID, s.Error)
		}
	}
	for _, s := range included {
		if s.Status != unit.StatusCompleted {
			return nil, fmt.Errorf("%w: scene %d (%s) is %s", ErrSceneNotTerminal, s.SceneIndex, s.ID, s.Status)
		}
	}
	return included, nil
}

// Ready reports whether Compose would start for the script right now.
func (e *Engine) Ready(ctx context.Context, scriptID string) (bool, error) {
	scenes, err := e.units.List(ctx, unit.Filter{ScriptID: scriptID})
	if err != nil {
		return false, fmt.Errorf("list scenes: %w", err)
	}
	_, err = Order(scenes)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSceneNotTerminal):
		return false, nil
	default:
		return false, err
	}
}

// Compose fetches every included scene and joins them in narrative order. The
// script moves to composing while this runs and ends composed with OutputRef set,
// or failed. A script whose scenes are not ready is left untouched.
func (e *Engine) Compose(ctx context.Context, scriptID string) (*script.Script, error) {
	sc, err := e.scripts.FindByID(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	switch sc.GetStatus() {
	case script.StatusComposed:
		return sc.Clone(), script.ErrAlreadyComposed
	case script.StatusComposing:
		return nil, script.ErrComposing
	}

	all, err := e.units.List(ctx, unit.Filter{ScriptID: scriptID})
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	scenes, err := Order(all)
	if err != nil {
		return nil, err
	}

	if err := sc.TransitionTo(script.StatusComposing); err != nil {
		return nil, fmt.Errorf("start composition: %w", err)
	}
	if err := e.scripts.Save(ctx, sc); err != nil {
		if errors.Is(err, script.ErrConcurrentUpdate) {
			return nil, script.ErrComposing
		}
		return nil, fmt.Errorf("save script %s: %w", scriptID, err)
	}

	log := e.logger.With(slog.String("script_id", scriptID))
	log.Info("composition started", slog.Int("scenes", len(scenes)))

	ref, runErr := e.run(ctx, scriptID, scenes)

	// The outcome must be recorded even if the caller gave up.
	saveCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		log.Error("composition failed", slog.String("error", runErr.Error()))
		if err := sc.MarkFailed(runErr.Error()); err != nil {
			return nil, err
		}
		if err := e.scripts.Save(saveCtx, sc); err != nil {
			log.Error("failed to record composition failure", slog.String("error", err.Error()))
		}
		return sc.Clone(), runErr
	}

	if err := sc.MarkComposed(ref); err != nil {
		return nil, err
	}
	if err := e.scripts.Save(saveCtx, sc); err != nil {
		return nil, fmt.Errorf("save composed script %s: %w", scriptID, err)
	}
	log.Info("composition finished", slog.String("output", ref))
	return sc.Clone(), nil
}

// run produces the final artifact in a private workspace and returns where
// it was published.
func (e *Engine) run(ctx context.Context, scriptID string, scenes []*unit.Unit) (string, error) {
	ws, err := e.storage.NewWorkspace(scriptID)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := ws.Release(); err != nil {
			e.logger.Warn("failed to release workspace", slog.String("script_id", scriptID), slog.String("error", err.Error()))
		}
	}()

	paths := make([]string, 0, len(scenes))
	for _, s := range scenes {
		adapter, err := e.adapters.Adapter(s.Provider)
		if err != nil {
			return "", fmt.Errorf("scene %d: %w", s.SceneIndex, err)
		}
		dest := ws.Path(fmt.Sprintf("scene_%03d.mp4", s.SceneIndex))
		if err := adapter.Fetch(ctx, s.ResultRef, dest); err != nil {
			return "", fmt.Errorf("fetch scene %d: %w", s.SceneIndex, err)
		}
		paths = append(paths, dest)
	}

	output := ws.Path("final.mp4")
	if err := e.processor.JoinVideos(ctx, paths, output); err != nil {
		return "", fmt.Errorf("join scenes: %w", err)
	}
	e.logDuration(ctx, scriptID, output, scenes)

	ref, err := e.storage.Publish(ctx, scriptID+".mp4", output)
	if err != nil {
		return "", fmt.Errorf("publish composed video: %w", err)
	}
	return ref, nil
}

// logDuration compares the joined length with the planned one. Failing to
// read it does not fail the composition.
func (e *Engine) logDuration(ctx context.Context, scriptID, output string, scenes []*unit.Unit) {
	planned := 0
	for _, s := range scenes {
		planned += s.Config.DurationSec
	}
	log := e.logger.With(slog.String("script_id", scriptID))
	secs, err := e.processor.MediaDuration(ctx, output)
	if err != nil {
		log.Warn("failed to read composed duration", slog.String("error", err.Error()))
		return
	}
	log.Info("composed duration",
		slog.Float64("duration_sec", secs),
		slog.Int("planned_sec", planned),
	)
}
