package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/rasterize/internal/edf"
	"github.com/joshrwolf/rasterize/internal/parallax"
	"github.com/joshrwolf/rasterize/internal/runtime"
	"github.com/joshrwolf/rasterize/internal/storage"
)

// DefaultContainerName is the name containers are started under
const DefaultContainerName = "rasterize"

// DefaultLaunchSpec returns an attached container that inherits the caller's
// environment
func DefaultLaunchSpec() runtime.LaunchSpec {
	return runtime.LaunchSpec{
		Name:        DefaultContainerName,
		Interactive: true,
		InheritEnv:  true,
	}
}

// Launch starts e's image from the run context sc and returns the engine's
// exit code unchanged. An empty command keeps the image default.
func Launch(ctx context.Context, eng runtime.Engine, e *edf.EDF, sc storage.Context, spec runtime.LaunchSpec, command []string) (int, error) {
	clog.FromContext(ctx).Info("running container", "image", e.Image, "name", spec.Name, "command", command)

	return eng.Run(ctx, runtime.RunOptions{
		Image:      e.Image,
		Command:    command,
		Entrypoint: e.Entrypoint,
		Storage:    sc,
		Container:  spec,
		WorkDir:    e.Workdir,
		Env:        e.Env,
		Mounts:     e.Mounts,
	})
}

// RunConfig configures Run
type RunConfig struct {
	// Scratch location for the run context, empty for the default
	ScratchRoot string

	Launch  runtime.LaunchSpec
	Command []string
}

// Run prepares e's image and launches it
func Run(ctx context.Context, eng runtime.Engine, m parallax.Migrator, e *edf.EDF, cfg RunConfig) (int, error) {
	contexts, err := NewContexts(ctx, eng, e, cfg.ScratchRoot)
	if err != nil {
		return 0, fmt.Errorf("generating storage contexts: %w", err)
	}

	if err := NewPipeline(eng, m, contexts).Acquire(ctx, e.Image); err != nil {
		return 0, err
	}

	return Launch(ctx, eng, e, contexts.Run, cfg.Launch, cfg.Command)
}

// Images lists images of the engine's default store together with those in
// the read-only store at imageStore
func Images(ctx context.Context, eng runtime.Engine, imageStore string, w io.Writer) error {
	if err := storage.EnsureStore(imageStore); err != nil {
		return err
	}

	graphRoot, err := DiscoverGraphRoot(ctx, eng)
	if err != nil {
		return err
	}

	return eng.Images(ctx, storage.Migrate(graphRoot, imageStore), w)
}
