package unit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryRepository_CreateAndFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	u := New("user", KindVideo, "cinematic", Config{DurationSec: 8})

	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Version != 1 {
		t.Errorf("expected version 1, got %d", u.Version)
	}
	if err := repo.Create(ctx, u); !errors.Is(err, ErrUnitExists) {
		t.Errorf("expected ErrUnitExists, got %v", err)
	}

	saved, err := repo.FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != u.ID || saved.Config.DurationSec != 8 {
		t.Errorf("unexpected unit %+v", saved)
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.FindByID(context.Background(), "nonexistent")
	if !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestMemoryRepository_Save_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	u := New("user", KindVideo, "p", Config{})
	_ = repo.Create(ctx, u)

	_ = u.Start("ext-1", time.Time{})
	if err := repo.Save(ctx, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Version != 2 {
		t.Errorf("expected version 2, got %d", u.Version)
	}

	saved, _ := repo.FindByID(ctx, u.ID)
	if saved.Status != StatusProcessing {
		t.Errorf("expected status %s, got %s", StatusProcessing, saved.Status)
	}
	if saved.ExternalJobID != "ext-1" {
		t.Errorf("expected ext-1, got %s", saved.ExternalJobID)
	}
}

func TestMemoryRepository_Save_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	err := repo.Save(context.Background(), New("user", KindVideo, "p", Config{}))
	if !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestMemoryRepository_Save_StaleVersion(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	u := New("user", KindVideo, "p", Config{})
	_ = repo.Create(ctx, u)

	a, _ := repo.FindByID(ctx, u.ID)
	b, _ := repo.FindByID(ctx, u.ID)

	_ = a.Start("ext-a", time.Time{})
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("first writer should win: %v", err)
	}
	_ = b.Fail("late")
	if err := repo.Save(ctx, b); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}

	stored, _ := repo.FindByID(ctx, u.ID)
	if stored.Status != StatusProcessing {
		t.Errorf("stale write must not land, got %s", stored.Status)
	}
}

func TestMemoryRepository_FindByID_ReturnsClone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	u := New("user", KindVideo, "p", Config{})
	_ = repo.Create(ctx, u)

	found, _ := repo.FindByID(ctx, u.ID)
	_ = found.Start("ext", time.Time{})

	original, _ := repo.FindByID(ctx, u.ID)
	if original.Status != StatusPending {
		t.Error("modifying returned unit should not affect repository")
	}
}

func TestMemoryRepository_List(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 2; i >= 0; i-- {
		s := New("user", KindScene, "cinematic", Config{DurationSec: 4})
		s.ScriptID = "script-1"
		s.SceneIndex = i
		_ = repo.Create(ctx, s)
	}
	other := New("other", KindVideo, "motion", Config{})
	_ = repo.Create(ctx, other)
	_ = other.Start("ext", time.Time{})
	_ = repo.Save(ctx, other)

	scenes, err := repo.List(ctx, Filter{ScriptID: "script-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scenes) != 3 {
		t.Fatalf("expected 3 scenes, got %d", len(scenes))
	}
	for i, s := range scenes {
		if s.SceneIndex != i {
			t.Errorf("expected scene index %d at position %d, got %d", i, i, s.SceneIndex)
		}
	}

	processing, _ := repo.List(ctx, Filter{Status: StatusProcessing})
	if len(processing) != 1 || processing[0].ID != other.ID {
		t.Errorf("expected only %s processing, got %d units", other.ID, len(processing))
	}

	byOwner, _ := repo.List(ctx, Filter{Owner: "other", Uncharged: true})
	if len(byOwner) != 1 {
		t.Errorf("expected 1 unit for owner, got %d", len(byOwner))
	}
}

func TestMemoryRepository_ConcurrentSaves(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	u := New("user", KindVideo, "p", Config{})
	_ = repo.Create(ctx, u)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := repo.FindByID(ctx, u.ID)
			c.SetIncluded(false)
			if err := repo.Save(ctx, c); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stored, _ := repo.FindByID(ctx, u.ID)
	if int64(wins)+1 != stored.Version {
		t.Errorf("every successful save must bump the version once: wins=%d version=%d", wins, stored.Version)
	}
}
