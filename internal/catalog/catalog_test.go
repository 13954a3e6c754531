package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genforge/internal/duration"
	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/unit"
)

func TestLoad_Default(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Len(t, c.Providers, 5)

	byName := map[string]Entry{}
	for _, e := range c.Providers {
		byName[e.Name] = e
	}
	avatar := byName["avatar"]
	assert.Equal(t, provider.RolePresenter, avatar.Role)
	assert.Equal(t, duration.Range(30, 60), avatar.Durations)
	assert.Equal(t, TransportRunPod, avatar.Transport.Type)

	cinematic := byName["cinematic"]
	assert.Equal(t, []int{4, 8, 12}, cinematic.Durations.Values)
	assert.True(t, cinematic.Audio)
	assert.Equal(t, TransportBeam, cinematic.Transport.Type)

	assert.Equal(t, duration.KindDiscreteRange, byName["motion"].Durations.Kind)
	assert.False(t, byName["tts"].Timed())
}

func TestCatalog_RateTable(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	rt, err := c.RateTable()
	require.NoError(t, err)

	cost, err := rt.EstimateCost(unit.KindScene, "cinematic", unit.Config{DurationSec: 8, Variant: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "8", cost.String())

	cost, err = rt.EstimateCost(unit.KindImage, "image", unit.Config{})
	require.NoError(t, err)
	assert.Equal(t, "4", cost.String())
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_AVATAR_ENDPOINT", "ep-123")
	c, err := Parse([]byte(`
providers:
  - name: avatar
    kind: video
    role: presenter
    durations: {kind: range, min: 30, max: 60}
    transport: {type: runpod, endpoint: "${TEST_AVATAR_ENDPOINT}"}
    rates: [{basis: second, price: "0.5"}]
`))
	require.NoError(t, err)
	assert.Equal(t, "ep-123", c.Providers[0].Transport.Endpoint)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty": `providers: []`,
		"bad yaml": `providers: [`,
		"bad duration": `
providers:
  - {name: a, kind: video, durations: {kind: range, min: 10, max: 5}, transport: {type: runpod}, rates: [{basis: second, price: "1"}]}`,
		"duplicate": `
providers:
  - {name: a, kind: image, transport: {type: runpod}, rates: [{basis: artifact, price: "1"}]}
  - {name: a, kind: image, transport: {type: runpod}, rates: [{basis: artifact, price: "1"}]}`,
		"bad transport": `
providers:
  - {name: a, kind: image, transport: {type: carrier-pigeon}, rates: [{basis: artifact, price: "1"}]}`,
		"no rates": `
providers:
  - {name: a, kind: image, transport: {type: runpod}}`,
		"bad price": `
providers:
  - {name: a, kind: image, transport: {type: runpod}, rates: [{basis: artifact, price: "cheap"}]}`,
		"bad basis": `
providers:
  - {name: a, kind: image, transport: {type: runpod}, rates: [{basis: minute, price: "1"}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - {name: still, kind: image, transport: {type: beam, queue_url: "https://q"}, rates: [{basis: artifact, price: "2"}]}
`), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "still", c.Providers[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type stubAdapter struct{}

func (stubAdapter) Submit(context.Context, provider.Request) (string, error) { return "id", nil }
func (stubAdapter) Poll(context.Context, string) (provider.PollResult, error) {
	return provider.PollResult{}, nil
}
func (stubAdapter) Fetch(context.Context, string, string) error { return nil }

func TestCatalog_RegistrySkipsUnavailable(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := c.Registry(func(e Entry) (provider.Adapter, error) {
		if e.Name == "motion" {
			return nil, errors.New("no endpoint")
		}
		return stubAdapter{}, nil
	}, logger)
	require.NoError(t, err)

	_, err = reg.Adapter("motion")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
	presenter, ok := reg.ForRole(provider.RolePresenter)
	require.True(t, ok)
	assert.Equal(t, "avatar", presenter.Name)
}

func TestNewAdapterFactory(t *testing.T) {
	factory := NewAdapterFactory(Credentials{RunPodAPIKey: "key", BeamToken: "token"})

	a, err := factory(Entry{Capability: provider.Capability{Name: "x"}, Transport: Transport{Type: TransportRunPod, Endpoint: "ep"}})
	require.NoError(t, err)
	assert.IsType(t, &provider.RunPodAdapter{}, a)

	a, err = factory(Entry{Capability: provider.Capability{Name: "y"}, Transport: Transport{Type: TransportBeam, QueueURL: "https://q"}})
	require.NoError(t, err)
	assert.IsType(t, &provider.BeamAdapter{}, a)

	_, err = factory(Entry{Capability: provider.Capability{Name: "z"}, Transport: Transport{Type: TransportRunPod}})
	assert.ErrorIs(t, err, ErrTransportNotConfigured)
}
