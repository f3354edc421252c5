package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), NewMemoryStore())
	require.NoError(t, err)
	return r
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d := &model.Descriptor{
		ID:         "tinyllama-q4",
		Name:       "TinyLlama (Q4)",
		Format:     model.FormatGGUF,
		SourceURLs: []string{"https://example.com/tinyllama.gguf"},
	}
	require.NoError(t, r.Register(ctx, d))

	got, err := r.Get("tinyllama-q4")
	require.NoError(t, err)
	assert.Equal(t, "TinyLlama (Q4)", got.Name)
	assert.NotZero(t, got.CreatedAt)

	// Returned descriptor is a copy.
	got.Name = "mutated"
	again, err := r.Get("tinyllama-q4")
	require.NoError(t, err)
	assert.Equal(t, "TinyLlama (Q4)", again.Name)
}

func TestGetUnknown(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestRegisterMergesDuplicates(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &model.Descriptor{
		ID:         "m1",
		Format:     model.FormatGGUF,
		SourceURLs: []string{"https://a.example/m1"},
	}))
	require.NoError(t, r.Register(ctx, &model.Descriptor{
		ID:         "m1",
		Name:       "Model One",
		Checksum:   "abc",
		SourceURLs: []string{"https://b.example/m1", "https://a.example/m1"},
	}))

	got, err := r.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "Model One", got.Name)
	assert.Equal(t, model.FormatGGUF, got.Format)
	assert.Equal(t, "abc", got.Checksum)
	assert.Equal(t, []string{"https://a.example/m1", "https://b.example/m1"}, got.SourceURLs)
	assert.Len(t, r.List(), 1)
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &model.Descriptor{ID: "m1"}))
	require.NoError(t, r.Deregister(ctx, "m1"))
	_, err := r.Get("m1")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
	assert.ErrorIs(t, r.Deregister(ctx, "m1"), model.ErrModelNotFound)
}

func TestSetLocalPathAndMetadata(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &model.Descriptor{ID: "m1"}))
	require.NoError(t, r.SetLocalPath(ctx, "m1", "/data/m1"))
	require.NoError(t, r.SetMetadata(ctx, "m1", map[string]any{"arch": "llama"}))

	got, err := r.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "/data/m1", got.LocalPath)
	assert.Equal(t, "llama", got.Metadata["arch"])
}

func TestRescan(t *testing.T) {
	dir := t.TempDir()

	// Known model with extracted contents.
	contents := filepath.Join(dir, "known", "contents")
	require.NoError(t, os.MkdirAll(contents, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(contents, "model.gguf"), []byte("GGUF"), 0644))

	// Unknown model, plain file layout.
	plain := filepath.Join(dir, "found-on-disk")
	require.NoError(t, os.MkdirAll(plain, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(plain, "weights.onnx"), []byte("x"), 0644))

	// Empty directory is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0755))

	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &model.Descriptor{ID: "known", Format: model.FormatGGUF}))

	touched, err := r.Rescan(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, touched)

	known, err := r.Get("known")
	require.NoError(t, err)
	assert.Equal(t, contents, known.LocalPath)

	found, err := r.Get("found-on-disk")
	require.NoError(t, err)
	assert.Equal(t, model.FormatONNX, found.Format)
	assert.Equal(t, plain, found.LocalPath)
}

func TestRescanMissingDirIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	touched, err := r.Rescan(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Zero(t, touched)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aimo.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	d := &model.Descriptor{
		ID:                 "m1",
		Name:               "Model One",
		Format:             model.FormatSafetensors,
		SourceURLs:         []string{"https://a.example/m1", "https://b.example/m1"},
		DeclaredSize:       1234,
		FootprintBytes:     5678,
		CompatibleRuntimes: []string{"llamacpp", "onnxruntime"},
		Checksum:           "deadbeef",
		Dependencies:       []string{"tokenizer.json"},
		Metadata:           map[string]any{"layers": float64(32)},
		CreatedAt:          100,
		UpdatedAt:          100,
	}
	require.NoError(t, store.Create(ctx, d))

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, d.SourceURLs, got.SourceURLs)
	assert.Equal(t, d.CompatibleRuntimes, got.CompatibleRuntimes)
	assert.Equal(t, d.Dependencies, got.Dependencies)
	assert.Equal(t, d.Metadata, got.Metadata)

	assert.ErrorIs(t, store.Create(ctx, d), model.ErrModelAlreadyExists)

	d.LocalPath = "/data/m1"
	require.NoError(t, store.Update(ctx, d))
	got, err = store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "/data/m1", got.LocalPath)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "m1"))
	_, err = store.Get(ctx, "m1")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
	assert.ErrorIs(t, store.Update(ctx, d), model.ErrModelNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "m1"), model.ErrModelNotFound)
}
