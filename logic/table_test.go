package logic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter interface{ Greet() string }

type greeterV1 struct{}

func (greeterV1) Greet() string { return "v1" }

type greeterV2 struct{}

func (greeterV2) Greet() string { return "v2" }

func moduleV(t *testing.T, version string, g func() any) *Module {
	t.Helper()
	m, err := NewModule("game", version)
	require.NoError(t, err)
	return m.Agent("inventory", g).Instance("daily", g)
}

func TestInstallAndResolve(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Install(moduleV(t, "1.0.0", func() any { return greeterV1{} })))

	agent, gen, err := table.Agent("inventory", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, "v1", agent.(greeter).Greet())
	assert.False(t, table.IsReloadInProgress())
	assert.Equal(t, []string{"inventory"}, table.Components())
}

func TestAgentNotFound(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Install(moduleV(t, "1.0.0", func() any { return greeterV1{} })))

	_, _, err := table.Agent("mailbox", 0)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestNoModule(t *testing.T) {
	_, _, err := NewTable().Agent("inventory", 0)
	assert.ErrorIs(t, err, ErrNoModule)
}

func TestReloadServesPinnedGenerationDuringDrain(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table := NewTable(WithDrainWindow(time.Minute), withClock(func() time.Time { return now }))

	require.NoError(t, table.Install(moduleV(t, "1.0.0", func() any { return greeterV1{} })))
	require.NoError(t, table.Install(moduleV(t, "1.1.0", func() any { return greeterV2{} })))

	assert.Equal(t, uint64(2), table.Generation())
	assert.True(t, table.IsReloadInProgress())

	current, gen, err := table.Agent("inventory", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.Equal(t, "v2", current.(greeter).Greet())

	pinned, gen, err := table.Agent("inventory", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, "v1", pinned.(greeter).Greet())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, table.Prune(now))
	assert.False(t, table.IsReloadInProgress())

	after, gen, err := table.Agent("inventory", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.Equal(t, "v2", after.(greeter).Greet())
}

func TestInstallRejectsOlderVersion(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Install(moduleV(t, "2.0.0", func() any { return greeterV1{} })))

	err := table.Install(moduleV(t, "1.9.9", func() any { return greeterV2{} }))
	assert.ErrorIs(t, err, ErrVersionNotNewer)

	err = table.Install(moduleV(t, "2.0.0", func() any { return greeterV2{} }))
	assert.ErrorIs(t, err, ErrVersionNotNewer)
	assert.Equal(t, uint64(1), table.Generation())
}

func TestInstallRunsValidators(t *testing.T) {
	rejected := errors.New("missing component")
	table := NewTable(WithValidator(func(m *Module) error { return rejected }))

	err := table.Install(moduleV(t, "1.0.0", func() any { return greeterV1{} }))
	assert.ErrorIs(t, err, rejected)
	assert.Nil(t, table.Current())
}

func TestDuplicateBinding(t *testing.T) {
	m := MustModule("game", "1.0.0").
		Agent("inventory", func() any { return greeterV1{} }).
		Agent("inventory", func() any { return greeterV2{} })

	assert.ErrorIs(t, m.Err(), ErrDuplicateBinding)
	assert.ErrorIs(t, NewTable().Install(m), ErrDuplicateBinding)
}

func TestInvalidVersion(t *testing.T) {
	_, err := NewModule("game", "not-a-version")
	assert.Error(t, err)
}

func TestTypedInstance(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Install(moduleV(t, "1.0.0", func() any { return greeterV1{} })))

	g, err := Instance[greeter](table, "daily")
	require.NoError(t, err)
	assert.Equal(t, "v1", g.Greet())

	_, err = Instance[greeter](table, "weekly")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = Instance[error](table, "daily")
	assert.Error(t, err)
}

func TestGenerationContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, uint64(0), GenerationFrom(ctx))
	assert.Equal(t, uint64(7), GenerationFrom(WithGeneration(ctx, 7)))
}

func TestInstallLogsModuleAttributes(t *testing.T) {
	var logs bytes.Buffer
	table := NewTable(WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	require.NoError(t, table.Install(moduleV(t, "1.2.0", func() any { return greeterV1{} })))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "logic module installed", entry["msg"])
	assert.Equal(t, "game", entry["module"])
	assert.Equal(t, "1.2.0", entry["version"])
	assert.Equal(t, float64(1), entry["generation"])
	assert.Equal(t, float64(0), entry["draining"])
}
