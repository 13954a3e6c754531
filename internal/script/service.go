package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maauso/genforge/internal/unit"
)

// ErrComposing is returned when scenes change while composition runs.
var ErrComposing = errors.New("script is being composed")

const maxSaveAttempts = 3

// Service creates scripts and their scene units.
type Service struct {
	scripts Repository
	units   unit.Repository
	logger  *slog.Logger
}

// NewService creates a script service.
func NewService(scripts Repository, units unit.Repository, logger *slog.Logger) *Service {
	return &Service{scripts: scripts, units: units, logger: logger}
}

// Create stores a script and one pending scene unit per plan, in plan order.
func (s *Service) Create(ctx context.Context, scriptID, owner string, totalSec int, plans []Plan) (*Script, []*unit.Unit, error) {
	if len(plans) == 0 {
		return nil, nil, ErrEmptyScript
	}
	sc := New(scriptID, owner, totalSec)
	if _, err := s.scripts.FindByID(ctx, sc.ID); err == nil {
		return nil, nil, ErrScriptExists
	} else if !errors.Is(err, ErrScriptNotFound) {
		return nil, nil, err
	}

	scenes := make([]*unit.Unit, 0, len(plans))
	for i, p := range plans {
		u := unit.New(owner, unit.KindScene, p.Provider, unit.Config{
			DurationSec: p.Seconds,
			Prompt:      p.Visual,
		})
		u.ScriptID = sc.ID
		u.SceneIndex = i
		u.Narrative = p.Narrative
		u.Visual = p.Visual
		u.Style = p.Style
		if err := s.units.Create(ctx, u); err != nil {
			return nil, nil, fmt.Errorf("create scene %d: %w", i, err)
		}
		sc.SceneIDs = append(sc.SceneIDs, u.ID)
		scenes = append(scenes, u)
	}
	if err := s.scripts.Create(ctx, sc); err != nil {
		return nil, nil, fmt.Errorf("create script %s: %w", sc.ID, err)
	}

	s.logger.Info("script decomposed",
		slog.String("script_id", sc.ID),
		slog.String("owner", owner),
		slog.Int("scenes", len(scenes)),
		slog.Int("total_sec", totalSec),
	)
	return sc, scenes, nil
}

// Get returns the script and its scenes in narrative order.
func (s *Service) Get(ctx context.Context, scriptID string) (*Script, []*unit.Unit, error) {
	sc, err := s.scripts.FindByID(ctx, scriptID)
	if err != nil {
		return nil, nil, err
	}
	scenes, err := s.units.List(ctx, unit.Filter{ScriptID: scriptID})
	if err != nil {
		return nil, nil, fmt.Errorf("list scenes: %w", err)
	}
	return sc, scenes, nil
}

// SetIncluded includes or excludes a scene from composition. It is allowed
// until composition starts and never refunds anything.
func (s *Service) SetIncluded(ctx context.Context, scriptID, sceneID string, included bool) (*unit.Unit, error) {
	sc, err := s.scripts.FindByID(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	switch sc.GetStatus() {
	case StatusComposing:
		return nil, ErrComposing
	case StatusComposed:
		return nil, ErrAlreadyComposed
	}
	if !sc.HasScene(sceneID) {
		return nil, ErrSceneNotInScript
	}

	for range maxSaveAttempts {
		u, err := s.units.FindByID(ctx, sceneID)
		if err != nil {
			return nil, err
		}
		u.SetIncluded(included)
		err = s.units.Save(ctx, u)
		if errors.Is(err, unit.ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("scene inclusion changed",
			slog.String("script_id", scriptID),
			slog.String("scene_id", sceneID),
			slog.Bool("included", included),
		)
		return u.Clone(), nil
	}
	return nil, unit.ErrConcurrentUpdate
}
