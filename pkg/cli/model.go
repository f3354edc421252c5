package cli

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/fetcher"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/jguan/ai-model-orchestrator/pkg/orchestrator"
	"github.com/spf13/cobra"
)

func NewModelCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model management commands",
		Long: `Manage models known to the orchestrator.

This covers registering and fetching model artifacts, driving a model to
the Ready state and removing models again.`,
	}

	cmd.AddCommand(NewModelListCommand(root))
	cmd.AddCommand(NewModelGetCommand(root))
	cmd.AddCommand(NewModelPullCommand(root))
	cmd.AddCommand(NewModelReadyCommand(root))
	cmd.AddCommand(NewModelRemoveCommand(root))

	return cmd
}

// modelRow is the list/ready projection of a descriptor.
type modelRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Format    string `json:"format"`
	State     string `json:"state"`
	SizeMB    int64  `json:"size_mb"`
	LocalPath string `json:"local_path"`
}

func toModelRow(root *RootCommand, d *model.Descriptor) modelRow {
	return modelRow{
		ID:        d.ID,
		Name:      d.Name,
		Format:    string(d.Format),
		State:     string(root.Orchestrator().Lifecycle().State(d.ID)),
		SizeMB:    d.DeclaredSize >> 20,
		LocalPath: d.LocalPath,
	}
}

func NewModelListCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered models",
		Example: `  # List all models
  aimo model list

  # List with JSON output
  aimo model list -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			descs := root.Registry().List()
			rows := make([]modelRow, 0, len(descs))
			for i := range descs {
				rows = append(rows, toModelRow(root, &descs[i]))
			}
			return PrintOutput(rows, root.OutputOptions())
		},
	}
}

func NewModelGetCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "get <model-id>",
		Short: "Show a model descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := root.Registry().Get(args[0])
			if err != nil {
				PrintError(err, root.OutputOptions())
				return err
			}
			return PrintOutput(desc, root.OutputOptions())
		},
	}
}

func NewModelPullCommand(root *RootCommand) *cobra.Command {
	var (
		name        string
		format      string
		urls        []string
		checksum    string
		footprintMB int64
	)

	cmd := &cobra.Command{
		Use:   "pull <model-id>",
		Short: "Register a model and fetch its artifact",
		Long: `Register a model descriptor and download its artifact into the
artifact directory. Archives are extracted; the model stays unloaded.

A model that is already registered is fetched with its stored sources,
so flags can be omitted on a re-pull.`,
		Example: `  # Register and fetch a GGUF model
  aimo model pull tinyllama --format gguf \
    --url https://models.example.com/tinyllama-q4.gguf

  # Mirror sources are tried in order during download recovery
  aimo model pull tinyllama --format gguf \
    --url https://a.example/m.gguf --url https://b.example/m.gguf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelPull(cmd.Context(), root, args[0], name, format, urls, checksum, footprintMB)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human readable model name")
	cmd.Flags().StringVar(&format, "format", "", "Model format (gguf, safetensors, onnx, tensorrt, pytorch)")
	cmd.Flags().StringArrayVar(&urls, "url", nil, "Artifact source URL (repeat for mirrors)")
	cmd.Flags().StringVar(&checksum, "checksum", "", "Expected sha256 of the artifact")
	cmd.Flags().Int64Var(&footprintMB, "footprint-mb", 0, "Resident memory estimate once loaded")

	return cmd
}

func runModelPull(ctx context.Context, root *RootCommand, id, name, format string, urls []string, checksum string, footprintMB int64) error {
	opts := root.OutputOptions()
	reg := root.Registry()

	desc, err := reg.Get(id)
	if err != nil {
		if len(urls) == 0 || format == "" {
			err := fmt.Errorf("unknown model %q: --format and at least one --url are required to register it", id)
			PrintError(err, opts)
			return err
		}
		desc = &model.Descriptor{
			ID:             id,
			Name:           name,
			Format:         model.Format(format),
			SourceURLs:     urls,
			Checksum:       checksum,
			FootprintBytes: footprintMB << 20,
		}
		if err := reg.Register(ctx, desc); err != nil {
			PrintError(err, opts)
			return err
		}
	}

	if len(desc.SourceURLs) == 0 {
		err := fmt.Errorf("model %q has no source URLs", id)
		PrintError(err, opts)
		return err
	}

	cfg := root.Config()
	f := fetcher.New(
		fetcher.WithAttempts(cfg.Fetch.Attempts),
		fetcher.WithToken(cfg.Fetch.Token),
		fetcher.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.TimeoutD}),
	)

	sourceURL := desc.SourceURLs[0]
	artifactPath, err := f.Download(ctx, desc, sourceURL, cfg.General.ArtifactDir, pullProgressFn(opts))
	if err != nil {
		PrintError(err, opts)
		return err
	}
	if !opts.Quiet && opts.Format == OutputTable {
		fmt.Fprintln(opts.Writer)
	}

	localPath := artifactPath
	if fetcher.ShouldExtract(path.Base(sourceURL)) {
		if localPath, err = f.Extract(ctx, artifactPath); err != nil {
			PrintError(err, opts)
			return err
		}
	}
	if err := reg.SetLocalPath(ctx, id, localPath); err != nil {
		PrintError(err, opts)
		return err
	}

	desc, err = reg.Get(id)
	if err != nil {
		return err
	}
	return PrintOutput(toModelRow(root, desc), opts)
}

func pullProgressFn(opts *OutputOptions) func(done, total int64) {
	if opts.Quiet || opts.Format != OutputTable {
		return nil
	}
	return func(done, total int64) {
		if total > 0 {
			fmt.Fprintf(opts.Writer, "\rdownloading %3d%% (%d/%d MB)", done*100/total, done>>20, total>>20)
		} else {
			fmt.Fprintf(opts.Writer, "\rdownloading %d MB", done>>20)
		}
	}
}

func NewModelReadyCommand(root *RootCommand) *cobra.Command {
	var preferredRuntime string

	cmd := &cobra.Command{
		Use:   "ready <model-id>",
		Short: "Drive a model to the Ready state",
		Long: `Drive the full lifecycle for a model: fetch, extract and validate the
artifact if needed, pick a runtime adapter for the local hardware and
load the model. Blocks until the model is Ready or the run fails.`,
		Example: `  # Load a registered model
  aimo model ready tinyllama

  # Pin a specific runtime adapter
  aimo model ready tinyllama --runtime local`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelReady(cmd.Context(), root, args[0], preferredRuntime)
		},
	}

	cmd.Flags().StringVar(&preferredRuntime, "runtime", "", "Preferred runtime adapter id")

	return cmd
}

func runModelReady(ctx context.Context, root *RootCommand, id, preferredRuntime string) error {
	opts := root.OutputOptions()
	orch := root.Orchestrator()

	done := make(chan struct{})
	if !opts.Quiet && opts.Format == OutputTable {
		go renderProgress(orch, id, opts, done)
	} else {
		close(done)
	}

	handle, err := orch.RequestReady(ctx, id, preferredRuntime)
	<-done
	if err != nil {
		PrintError(err, opts)
		return err
	}

	desc, err := root.Registry().Get(id)
	if err != nil {
		return err
	}
	row := toModelRow(root, desc)
	row.SizeMB = handle.Footprint >> 20
	return PrintOutput(row, opts)
}

// renderProgress tails the run's progress feed onto one terminal line.
// Subscription races the run start, so it retries briefly before giving up.
func renderProgress(orch *orchestrator.Orchestrator, id string, opts *OutputOptions, done chan struct{}) {
	defer close(done)

	var (
		ch     <-chan orchestrator.Progress
		cancel func()
		err    error
	)
	for i := 0; i < 20; i++ {
		if ch, cancel, err = orch.ObserveProgress(id); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return
	}
	defer cancel()

	rendered := false
	for p := range ch {
		rendered = true
		eta := ""
		if p.ETA > 0 {
			eta = fmt.Sprintf("  eta %s", p.ETA.Round(time.Second))
		}
		fmt.Fprintf(opts.Writer, "\r%5.1f%%  %-14s%s", p.Percentage*100, p.Stage, eta)
	}
	if rendered {
		fmt.Fprintln(opts.Writer)
	}
}

func NewModelRemoveCommand(root *RootCommand) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:     "rm <model-id>",
		Aliases: []string{"remove", "delete"},
		Short:   "Unload and deregister a model",
		Example: `  # Deregister, keep the downloaded artifact
  aimo model rm tinyllama

  # Deregister and delete the artifact from disk
  aimo model rm tinyllama --purge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelRemove(cmd.Context(), root, args[0], purge)
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete downloaded artifacts")

	return cmd
}

func runModelRemove(ctx context.Context, root *RootCommand, id string, purge bool) error {
	opts := root.OutputOptions()

	desc, err := root.Registry().Get(id)
	if err != nil {
		PrintError(err, opts)
		return err
	}

	// A registered model that was never loaded has no handle to unload.
	if err := root.Orchestrator().Unload(ctx, id); err != nil && !model.IsNotFound(err) {
		PrintError(err, opts)
		return err
	}

	if purge {
		f := fetcher.New()
		if err := f.RemoveArtifacts(desc, root.Config().General.ArtifactDir); err != nil {
			PrintError(err, opts)
			return err
		}
	}

	if err := root.Registry().Deregister(ctx, id); err != nil {
		PrintError(err, opts)
		return err
	}

	PrintSuccess(fmt.Sprintf("Model %q removed", id), opts)
	return nil
}
