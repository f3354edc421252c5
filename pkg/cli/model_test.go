package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/ai-model-orchestrator/pkg/config"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/eventbus"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/fetcher"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/jguan/ai-model-orchestrator/pkg/orchestrator"
	"github.com/jguan/ai-model-orchestrator/pkg/registry"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime/local"
)

// newTestRoot wires a RootCommand against in-memory stores and a mock
// hardware provider, skipping persistentPreRunE entirely.
func newTestRoot(t *testing.T, format OutputFormat) (*RootCommand, *bytes.Buffer) {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.Config{
		General: config.GeneralConfig{
			DataDir:     dataDir,
			ArtifactDir: filepath.Join(dataDir, "artifacts"),
		},
		Fetch: config.FetchConfig{Attempts: 3},
		Memory: config.MemoryConfig{
			PressureThresholdMB: 500,
			ReliefFactor:        2.0,
			PollIntervalD:       time.Hour,
			RescanWindowD:       50 * time.Millisecond,
		},
		Recovery: config.RecoveryConfig{MaxAttempts: 3},
	}
	require.NoError(t, os.MkdirAll(cfg.General.ArtifactDir, 0o755))

	store := registry.NewMemoryStore()
	reg, err := registry.NewRegistry(context.Background(), store)
	require.NoError(t, err)

	provider := hal.NewMockProvider()
	runtimes := runtime.NewRegistry()
	runtimes.Register(local.New())

	bus := eventbus.NewInMemoryEventBus()
	t.Cleanup(func() { bus.Close() })

	orch := orchestrator.New(cfg, reg, provider, runtimes, bus,
		orchestrator.WithFetcher(fetcher.New(fetcher.WithBackoffUnit(time.Millisecond))),
		orchestrator.WithBackoffUnit(time.Millisecond),
	)

	buf := &bytes.Buffer{}
	root := &RootCommand{
		cfg:      cfg,
		store:    store,
		registry: reg,
		provider: provider,
		runtimes: runtimes,
		bus:      bus,
		orch:     orch,
		opts:     &OutputOptions{Format: format, Writer: buf},
	}
	return root, buf
}

// writeGGUF drops a minimal model file with a valid header.
func writeGGUF(t *testing.T, dir string) string {
	t.Helper()
	buf := make([]byte, 24, 64)
	copy(buf, "GGUF")
	binary.LittleEndian.PutUint32(buf[4:], 3)
	binary.LittleEndian.PutUint64(buf[8:], 12)
	binary.LittleEndian.PutUint64(buf[16:], 4)
	buf = append(buf, bytes.Repeat([]byte{0xAB}, 32)...)

	path := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func registerLocalModel(t *testing.T, root *RootCommand, id string) {
	t.Helper()
	path := writeGGUF(t, t.TempDir())
	require.NoError(t, root.registry.Register(context.Background(), &model.Descriptor{
		ID:        id,
		Name:      id,
		Format:    model.FormatGGUF,
		LocalPath: path,
	}))
}

func TestNewModelCommandStructure(t *testing.T) {
	root, _ := newTestRoot(t, OutputTable)
	cmd := NewModelCommand(root)

	assert.Equal(t, "model", cmd.Use)

	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "get", "pull", "ready", "rm"}, names)
}

func TestModelListEmpty(t *testing.T) {
	root, buf := newTestRoot(t, OutputTable)

	cmd := NewModelListCommand(root)
	require.NoError(t, cmd.RunE(cmd, nil))
	assert.Contains(t, buf.String(), "No items")
}

func TestModelListShowsState(t *testing.T) {
	root, buf := newTestRoot(t, OutputJSON)
	registerLocalModel(t, root, "m1")

	cmd := NewModelListCommand(root)
	require.NoError(t, cmd.RunE(cmd, nil))

	var rows []modelRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "m1", rows[0].ID)
	assert.Equal(t, string(model.StateUninitialized), rows[0].State)
}

func TestModelGetUnknown(t *testing.T) {
	root, _ := newTestRoot(t, OutputTable)

	cmd := NewModelGetCommand(root)
	cmd.SetContext(context.Background())
	err := cmd.RunE(cmd, []string{"ghost"})
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestModelPullUnknownWithoutFlags(t *testing.T) {
	root, _ := newTestRoot(t, OutputTable)

	err := runModelPull(context.Background(), root, "ghost", "", "", nil, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--format")
}

func TestModelReadyLoadsLocalModel(t *testing.T) {
	root, buf := newTestRoot(t, OutputJSON)
	registerLocalModel(t, root, "m1")

	require.NoError(t, runModelReady(context.Background(), root, "m1", ""))

	assert.Equal(t, model.StateReady, root.orch.Lifecycle().State("m1"))

	var row modelRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &row))
	assert.Equal(t, string(model.StateReady), row.State)
}

func TestModelReadyPinsRuntime(t *testing.T) {
	root, _ := newTestRoot(t, OutputJSON)
	registerLocalModel(t, root, "m1")

	require.NoError(t, runModelReady(context.Background(), root, "m1", local.AdapterID))

	h, ok := root.orch.Memory().Handle("m1")
	require.True(t, ok)
	assert.Equal(t, local.AdapterID, h.RuntimeID)
}

func TestModelRemoveNeverLoaded(t *testing.T) {
	root, _ := newTestRoot(t, OutputTable)
	registerLocalModel(t, root, "m1")

	require.NoError(t, runModelRemove(context.Background(), root, "m1", false))
	_, err := root.registry.Get("m1")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestModelRemoveDeregisters(t *testing.T) {
	root, _ := newTestRoot(t, OutputTable)
	registerLocalModel(t, root, "m1")

	require.NoError(t, runModelReady(context.Background(), root, "m1", ""))
	require.NoError(t, runModelRemove(context.Background(), root, "m1", false))

	_, err := root.registry.Get("m1")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
	_, ok := root.orch.Memory().Handle("m1")
	assert.False(t, ok)
}
