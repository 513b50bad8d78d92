// Package parallax drives the parallax tool, which migrates images from the
// engine's native store into a read-only, squashfs backed image store.
package parallax

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/rasterize/internal/storage"
)

// Migrator converts an image from the native store into the read-only store
type Migrator interface {
	Migrate(ctx context.Context, image string, sc storage.Context) error
}

// MigrationError reports that the migration tool failed
type MigrationError struct {
	Image    string
	ExitCode int
	Output   string
	Err      error
}

func (e *MigrationError) Error() string {
	msg := fmt.Sprintf("migrating %s: %v", e.Image, e.Err)
	if s := strings.TrimSpace(e.Output); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Kind classifies the error for structured output
func (e *MigrationError) Kind() string { return "migration" }

// ExecCommandFunc creates the exec.Cmd for a tool invocation
type ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Tool runs the parallax binary
type Tool struct {
	path        string
	execCommand ExecCommandFunc
	progress    io.Writer
}

var _ Migrator = (*Tool)(nil)

// New returns a Tool for the parallax binary at path
func New(path string) *Tool {
	return &Tool{
		path:        path,
		execCommand: exec.CommandContext,
		progress:    os.Stderr,
	}
}

// WithExecCommand returns a copy of t that creates processes with fn
func (t *Tool) WithExecCommand(fn ExecCommandFunc) *Tool {
	c := *t
	c.execCommand = fn
	return &c
}

// Migrate runs parallax against the migrate context sc. The context must
// carry both the native graph root and the read-only store.
func (t *Tool) Migrate(ctx context.Context, image string, sc storage.Context) error {
	if sc.GraphRoot() == "" || sc.ReadOnlyStore() == "" {
		return &MigrationError{
			Image: image,
			Err:   fmt.Errorf("context %s lacks a graph root or read-only store", sc.Role()),
		}
	}

	args := migrateArgs(image, sc)
	clog.FromContext(ctx).Debug("parallax", "path", t.path, "args", args)

	var output bytes.Buffer
	cmd := t.execCommand(ctx, t.path, args...)
	cmd.Stdout = io.MultiWriter(t.progress, &output)
	cmd.Stderr = io.MultiWriter(t.progress, &output)

	if err := cmd.Run(); err != nil {
		me := &MigrationError{Image: image, Output: output.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			me.ExitCode = exitErr.ExitCode()
		}
		return me
	}
	return nil
}

func migrateArgs(image string, sc storage.Context) []string {
	return []string{
		"--podmanRoot", sc.GraphRoot(),
		"--roStoragePath", sc.ReadOnlyStore(),
		"--migrate",
		"--image", image,
	}
}
