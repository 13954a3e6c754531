package script

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genforge/internal/unit"
)

func newTestService(t *testing.T) (*Service, *MemoryRepository, *unit.MemoryRepository) {
	t.Helper()
	scripts := NewMemoryRepository()
	units := unit.NewMemoryRepository()
	return NewService(scripts, units, slog.New(slog.NewTextHandler(io.Discard, nil))), scripts, units
}

func samplePlans() []Plan {
	return []Plan{
		{Provider: "avatar", Seconds: 30, Narrative: "Hi."},
		{Provider: "cinematic", Seconds: 8, Narrative: "Waves.", Visual: "sea"},
		{Provider: "cinematic", Seconds: 4, Narrative: "Gulls."},
	}
}

func TestService_CreateAndGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sc, scenes, err := svc.Create(ctx, "script-1", "user-1", 42, samplePlans())
	require.NoError(t, err)
	require.Len(t, scenes, 3)
	assert.Equal(t, StatusDecomposed, sc.Status)

	for i, u := range scenes {
		assert.Equal(t, unit.KindScene, u.Kind)
		assert.Equal(t, unit.StatusPending, u.Status)
		assert.Equal(t, "script-1", u.ScriptID)
		assert.Equal(t, i, u.SceneIndex)
		assert.True(t, u.Included)
		assert.Equal(t, sc.SceneIDs[i], u.ID)
	}
	assert.Equal(t, "sea", scenes[1].Config.Prompt)

	got, listed, err := svc.Get(ctx, "script-1")
	require.NoError(t, err)
	assert.Equal(t, sc.SceneIDs, got.SceneIDs)
	require.Len(t, listed, 3)
	assert.Equal(t, "Gulls.", listed[2].Narrative)

	_, _, err = svc.Create(ctx, "script-1", "user-1", 42, samplePlans())
	assert.ErrorIs(t, err, ErrScriptExists)

	_, _, err = svc.Create(ctx, "script-2", "user-1", 42, nil)
	assert.ErrorIs(t, err, ErrEmptyScript)
}

func TestService_SetIncluded(t *testing.T) {
	svc, scripts, units := newTestService(t)
	ctx := context.Background()
	sc, scenes, err := svc.Create(ctx, "", "user-1", 42, samplePlans())
	require.NoError(t, err)

	u, err := svc.SetIncluded(ctx, sc.ID, scenes[1].ID, false)
	require.NoError(t, err)
	assert.False(t, u.Included)

	stored, err := units.FindByID(ctx, scenes[1].ID)
	require.NoError(t, err)
	assert.False(t, stored.Included)

	_, err = svc.SetIncluded(ctx, sc.ID, "not-a-scene", false)
	assert.ErrorIs(t, err, ErrSceneNotInScript)

	_, err = svc.SetIncluded(ctx, "missing", scenes[1].ID, false)
	assert.ErrorIs(t, err, ErrScriptNotFound)

	current, err := scripts.FindByID(ctx, sc.ID)
	require.NoError(t, err)
	require.NoError(t, current.TransitionTo(StatusComposing))
	require.NoError(t, scripts.Save(ctx, current))
	_, err = svc.SetIncluded(ctx, sc.ID, scenes[1].ID, true)
	assert.ErrorIs(t, err, ErrComposing)

	require.NoError(t, current.MarkComposed("final.mp4"))
	require.NoError(t, scripts.Save(ctx, current))
	_, err = svc.SetIncluded(ctx, sc.ID, scenes[1].ID, true)
	assert.ErrorIs(t, err, ErrAlreadyComposed)
}

func TestMemoryRepository_SaveConflict(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s := New("s", "u", 30)
	require.NoError(t, repo.Create(ctx, s))

	a, err := repo.FindByID(ctx, "s")
	require.NoError(t, err)
	b, err := repo.FindByID(ctx, "s")
	require.NoError(t, err)

	require.NoError(t, a.TransitionTo(StatusComposing))
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, b.TransitionTo(StatusComposing))
	assert.ErrorIs(t, repo.Save(ctx, b), ErrConcurrentUpdate)

	list, err := repo.ListByStatus(ctx, StatusComposing)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
