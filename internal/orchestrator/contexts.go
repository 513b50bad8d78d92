package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/joshrwolf/rasterize/internal/edf"
	"github.com/joshrwolf/rasterize/internal/runtime"
	"github.com/joshrwolf/rasterize/internal/storage"
)

// GraphRootTemplate asks the engine info command for its graph root
const GraphRootTemplate = "{{.Store.GraphRoot}}"

// Contexts holds the four storage contexts used to prepare and run an image
type Contexts struct {
	// Native store, used for pulling
	Default storage.Context
	// Target of the migration tool
	Migrate storage.Context
	// Read-only store, checked before acquiring
	ReadOnly storage.Context
	// Scratch store containers are started from
	Run storage.Context
}

// DiscoverGraphRoot asks the engine for the graph root of its default store
func DiscoverGraphRoot(ctx context.Context, eng runtime.Engine) (string, error) {
	out, err := eng.Info(ctx, GraphRootTemplate, storage.Default())
	if err != nil {
		return "", fmt.Errorf("discovering default graph root: %w", err)
	}
	if !utf8.Valid(out) {
		return "", &DecodeError{Op: "info", Output: out, Err: errors.New("invalid UTF-8")}
	}
	root := strings.TrimSpace(string(out))
	if root == "" {
		return "", &DecodeError{Op: "info", Output: out, Err: errors.New("empty graph root")}
	}
	return root, nil
}

// NewContexts builds the storage contexts for e. scratchRoot may be empty to
// use storage.DefaultScratchRoot.
func NewContexts(ctx context.Context, eng runtime.Engine, e *edf.EDF, scratchRoot string) (Contexts, error) {
	if e.Image == "" {
		return Contexts{}, ErrMissingImage
	}
	if e.ParallaxImageStore == "" {
		return Contexts{}, storage.ErrMissingStore
	}

	graphRoot, err := DiscoverGraphRoot(ctx, eng)
	if err != nil {
		return Contexts{}, err
	}

	return Contexts{
		Default:  storage.Default(),
		Migrate:  storage.Migrate(graphRoot, e.ParallaxImageStore),
		ReadOnly: storage.ReadOnly(e.ParallaxImageStore),
		Run:      storage.Run(scratchRoot, e.ParallaxMountProgram, e.ParallaxImageStore),
	}, nil
}
