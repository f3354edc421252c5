package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

// Registry owns every known model descriptor. It is the only component
// allowed to create or delete descriptors; the fetcher and validator write
// their set-once fields through it.
type Registry struct {
	mu    sync.RWMutex
	store Store
	cache map[string]*model.Descriptor
	log   *slog.Logger
}

// NewRegistry builds a registry over the given store and warms the cache.
func NewRegistry(ctx context.Context, store Store) (*Registry, error) {
	items, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load descriptors: %w", err)
	}

	cache := make(map[string]*model.Descriptor, len(items))
	for i := range items {
		d := items[i]
		cache[d.ID] = &d
	}

	return &Registry{
		store: store,
		cache: cache,
		log:   logger.Default().With("component", "registry"),
	}, nil
}

// Register adds a new descriptor. Registering an already-known id merges
// instead of failing, so repeated discovery is idempotent.
func (r *Registry) Register(ctx context.Context, d *model.Descriptor) error {
	if d == nil || d.ID == "" {
		return model.ErrModelNotFound.WithDetails("reason", "empty descriptor id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	if existing, ok := r.cache[d.ID]; ok {
		merged := mergeDescriptors(existing, d)
		merged.UpdatedAt = now
		if err := r.store.Update(ctx, merged); err != nil {
			return err
		}
		r.cache[d.ID] = merged
		return nil
	}

	clone := d.Clone()
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	if err := r.store.Create(ctx, clone); err != nil {
		return err
	}
	r.cache[clone.ID] = clone
	r.log.Debug("descriptor registered", "model_id", clone.ID, "format", clone.Format)
	return nil
}

// Deregister removes a descriptor. This is the only way a descriptor's
// lifetime ends.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[id]; !ok {
		return model.ErrModelNotFound.WithDetails("model_id", id)
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	delete(r.cache, id)
	return nil
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (*model.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.cache[id]
	if !ok {
		return nil, model.ErrModelNotFound.WithDetails("model_id", id)
	}
	return d.Clone(), nil
}

// List returns copies of all known descriptors.
func (r *Registry) List() []model.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Descriptor, 0, len(r.cache))
	for _, d := range r.cache {
		out = append(out, *d.Clone())
	}
	return out
}

// SetLocalPath records where the fetcher materialized the artifact.
func (r *Registry) SetLocalPath(ctx context.Context, id, path string) error {
	return r.mutate(ctx, id, func(d *model.Descriptor) {
		d.LocalPath = path
	})
}

// SetMetadata records what the validator extracted.
func (r *Registry) SetMetadata(ctx context.Context, id string, md map[string]any) error {
	return r.mutate(ctx, id, func(d *model.Descriptor) {
		d.Metadata = md
	})
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*model.Descriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.cache[id]
	if !ok {
		return model.ErrModelNotFound.WithDetails("model_id", id)
	}
	clone := d.Clone()
	fn(clone)
	clone.UpdatedAt = time.Now().Unix()
	if err := r.store.Update(ctx, clone); err != nil {
		return err
	}
	r.cache[id] = clone
	return nil
}

// Rescan walks the artifact directory (one subdirectory per model id) and
// merges what it finds: unknown layouts become new descriptors, known ones
// regain their LocalPath. Returns how many descriptors were touched.
func (r *Registry) Rescan(ctx context.Context, artifactDir string) (int, error) {
	entries, err := os.ReadDir(artifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read artifact dir: %w", err)
	}

	touched := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		layout := layoutPath(artifactDir, id)
		if layout == "" {
			continue
		}

		r.mu.RLock()
		existing, known := r.cache[id]
		needsPath := known && existing.LocalPath == ""
		r.mu.RUnlock()

		switch {
		case !known:
			d := &model.Descriptor{
				ID:        id,
				Name:      id,
				Format:    sniffDirFormat(layout),
				LocalPath: layout,
			}
			if err := r.Register(ctx, d); err != nil {
				return touched, err
			}
			touched++
		case needsPath:
			if err := r.SetLocalPath(ctx, id, layout); err != nil {
				return touched, err
			}
			touched++
		}
	}

	r.log.Info("artifact rescan complete", "dir", artifactDir, "touched", touched)
	return touched, nil
}

// layoutPath returns the canonical layout for a model directory: the
// extracted contents dir when present, otherwise the directory itself if
// it holds any regular file.
func layoutPath(artifactDir, id string) string {
	contents := filepath.Join(artifactDir, id, "contents")
	if st, err := os.Stat(contents); err == nil && st.IsDir() {
		return contents
	}

	dir := filepath.Join(artifactDir, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			return dir
		}
	}
	return ""
}

// sniffDirFormat guesses a format from file extensions in the layout.
func sniffDirFormat(dir string) model.Format {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".gguf":
			return model.FormatGGUF
		case ".safetensors":
			return model.FormatSafetensors
		case ".onnx":
			return model.FormatONNX
		case ".engine", ".plan":
			return model.FormatTensorRT
		case ".pt", ".pth", ".bin":
			return model.FormatPyTorch
		}
	}
	return ""
}

// mergeDescriptors folds incoming into existing: declared fields from the
// newer side win, source URLs are unioned, set-once fields are preserved.
func mergeDescriptors(existing, incoming *model.Descriptor) *model.Descriptor {
	out := existing.Clone()

	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Format != "" {
		out.Format = incoming.Format
	}
	if incoming.DeclaredSize > 0 {
		out.DeclaredSize = incoming.DeclaredSize
	}
	if incoming.FootprintBytes > 0 {
		out.FootprintBytes = incoming.FootprintBytes
	}
	if incoming.Checksum != "" {
		out.Checksum = incoming.Checksum
	}
	if len(incoming.CompatibleRuntimes) > 0 {
		out.CompatibleRuntimes = append([]string(nil), incoming.CompatibleRuntimes...)
	}
	if len(incoming.Dependencies) > 0 {
		out.Dependencies = append([]string(nil), incoming.Dependencies...)
	}
	if out.LocalPath == "" && incoming.LocalPath != "" {
		out.LocalPath = incoming.LocalPath
	}

	seen := make(map[string]bool, len(out.SourceURLs))
	for _, u := range out.SourceURLs {
		seen[u] = true
	}
	for _, u := range incoming.SourceURLs {
		if !seen[u] {
			out.SourceURLs = append(out.SourceURLs, u)
			seen[u] = true
		}
	}

	return out
}
