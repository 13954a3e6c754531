package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	id := Generate("scene")

	if !strings.HasPrefix(id, "scene-") {
		t.Errorf("expected ID to start with 'scene-', got %s", id)
	}

	id2 := Generate("scene")
	if id == id2 {
		t.Error("expected different IDs for consecutive calls")
	}
}

func TestGenerate_DefaultPrefix(t *testing.T) {
	if id := Generate(""); !strings.HasPrefix(id, DefaultPrefix+"-") {
		t.Errorf("expected default prefix, got %s", id)
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate("unit")
		if seen[id] {
			t.Errorf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
