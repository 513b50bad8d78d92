package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/rasterize/internal/parallax"
	"github.com/joshrwolf/rasterize/internal/runtime"
	"github.com/joshrwolf/rasterize/internal/storage"
)

// Pipeline makes images available to the run context, pulling and migrating
// only when the read-only store does not already hold them.
//
// Steps run sequentially and any failure aborts the pipeline. Nothing is
// retried or cleaned up. Concurrent pipelines for the same image are not
// coordinated and may both pull and migrate.
type Pipeline struct {
	engine   runtime.Engine
	migrator parallax.Migrator
	contexts Contexts
}

// NewPipeline creates a Pipeline
func NewPipeline(eng runtime.Engine, m parallax.Migrator, c Contexts) *Pipeline {
	return &Pipeline{
		engine:   eng,
		migrator: m,
		contexts: c,
	}
}

// Acquire ensures image is present in the run context. If the read-only
// store already has it, this is a single probe and nothing else.
func (p *Pipeline) Acquire(ctx context.Context, image string) error {
	log := clog.FromContext(ctx)

	if err := storage.EnsureStore(p.contexts.ReadOnly.GraphRoot()); err != nil {
		return err
	}

	present, err := p.engine.ImageExists(ctx, image, p.contexts.ReadOnly)
	if err != nil {
		return fmt.Errorf("checking read-only store for %s: %w", image, err)
	}
	if present {
		log.Debug("image already migrated", "image", image)
		return nil
	}

	log.Info("pulling image", "image", image)
	if err := p.engine.Pull(ctx, image, p.contexts.Default); err != nil {
		return &AcquisitionError{Image: image, Err: err}
	}

	return p.migrate(ctx, image)
}

// Import loads an image tarball into the native store, migrates it and
// verifies it is visible from the run context. It returns the loaded
// reference.
func (p *Pipeline) Import(ctx context.Context, tarPath string) (string, error) {
	log := clog.FromContext(ctx)

	if err := storage.EnsureStore(p.contexts.ReadOnly.GraphRoot()); err != nil {
		return "", err
	}

	log.Info("loading image", "path", tarPath)
	image, err := p.engine.Load(ctx, tarPath, p.contexts.Default)
	if err != nil {
		return "", &AcquisitionError{Image: tarPath, Err: err}
	}

	if err := p.migrate(ctx, image); err != nil {
		return "", err
	}
	return image, nil
}

// migrate converts image into the read-only store and checks the result
func (p *Pipeline) migrate(ctx context.Context, image string) error {
	log := clog.FromContext(ctx)

	log.Info("migrating image", "image", image)
	if err := p.migrator.Migrate(ctx, image, p.contexts.Migrate); err != nil {
		var me *parallax.MigrationError
		if !errors.As(err, &me) {
			err = &parallax.MigrationError{Image: image, Err: err}
		}
		return err
	}

	present, err := p.engine.ImageExists(ctx, image, p.contexts.Run)
	if err != nil {
		return fmt.Errorf("verifying migrated image %s: %w", image, err)
	}
	if !present {
		return &ConsistencyError{Image: image, Context: p.contexts.Run}
	}

	log.Debug("image migrated", "image", image)
	return nil
}
