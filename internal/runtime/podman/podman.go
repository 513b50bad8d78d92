package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/rasterize/internal/runtime"
	"github.com/joshrwolf/rasterize/internal/storage"
	"github.com/mattn/go-isatty"
)

// DefaultPath is the podman binary used when none is configured
const DefaultPath = "/usr/bin/podman"

// DefaultStopTimeout bounds how long an interrupted run may take to exit
const DefaultStopTimeout = 15 * time.Second

// ExecCommandFunc creates the exec.Cmd for an engine invocation
type ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Option configures a Podman engine
type Option func(*Podman)

// WithExecCommand replaces how engine processes are created
func WithExecCommand(fn ExecCommandFunc) Option {
	return func(p *Podman) {
		p.execCommand = fn
	}
}

// WithProgress sets where pull and load progress is written
func WithProgress(w io.Writer) Option {
	return func(p *Podman) {
		p.progress = w
	}
}

// WithStopTimeout sets how long a cancelled run may take to exit before podman
// is killed
func WithStopTimeout(d time.Duration) Option {
	return func(p *Podman) {
		p.stopTimeout = d
	}
}

// Podman runtime implementation
type Podman struct {
	// Path to podman binary
	podmanPath string

	execCommand ExecCommandFunc
	progress    io.Writer
	stopTimeout time.Duration
}

var _ runtime.Engine = (*Podman)(nil)

// New creates a new Podman engine using the binary at path
func New(path string, opts ...Option) *Podman {
	if path == "" {
		path = DefaultPath
	}
	p := &Podman{
		podmanPath:  path,
		execCommand: exec.CommandContext,
		progress:    os.Stderr,
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// command builds an engine invocation with the context's global flags first
func (p *Podman) command(ctx context.Context, sc storage.Context, args ...string) *exec.Cmd {
	full := append(sc.Args(), args...)
	clog.FromContext(ctx).Debug("podman", "context", sc.Role(), "args", full)
	return p.execCommand(ctx, p.podmanPath, full...)
}

// Info implements runtime.Engine
func (p *Podman) Info(ctx context.Context, format string, sc storage.Context) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := p.command(ctx, sc, "info", "--format", format)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := run(cmd, "info", ""); err != nil {
		return nil, withStderr(err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ImageExists implements runtime.Engine. podman exits 1 when the image is
// absent and with other codes on failure.
func (p *Podman) ImageExists(ctx context.Context, image string, sc storage.Context) (bool, error) {
	var stderr bytes.Buffer
	cmd := p.command(ctx, sc, "image", "exists", image)
	cmd.Stderr = &stderr

	err := run(cmd, "image exists", image)
	if err == nil {
		return true, nil
	}
	var ee *runtime.EngineError
	if errors.As(err, &ee) && ee.ExitCode == 1 {
		return false, nil
	}
	return false, withStderr(err, stderr.String())
}

// Pull implements runtime.Engine
func (p *Podman) Pull(ctx context.Context, image string, sc storage.Context) error {
	var stderr bytes.Buffer
	cmd := p.command(ctx, sc, "pull", image)
	cmd.Stdout = p.progress
	cmd.Stderr = io.MultiWriter(p.progress, &stderr)

	if err := run(cmd, "pull", image); err != nil {
		return withStderr(err, stderr.String())
	}
	return nil
}

// Load implements runtime.Engine
func (p *Podman) Load(ctx context.Context, tarPath string, sc storage.Context) (string, error) {
	log := clog.FromContext(ctx)

	// podman load -i <tarball>
	var output bytes.Buffer
	cmd := p.command(ctx, sc, "load", "-i", tarPath)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := run(cmd, "load", tarPath); err != nil {
		return "", withStderr(err, output.String())
	}

	// Output format: "Loaded image: <name:tag>" or "Loaded image(s): <name:tag>"
	outputStr := output.String()
	log.Debug("podman load output", "output", outputStr)

	for _, prefix := range []string{"Loaded image: ", "Loaded image(s): "} {
		idx := strings.Index(outputStr, prefix)
		if idx < 0 {
			continue
		}
		ref := strings.TrimSpace(outputStr[idx+len(prefix):])
		if nlIdx := strings.IndexAny(ref, "\n\r"); nlIdx >= 0 {
			ref = ref[:nlIdx]
		}
		// Multiple images are comma separated, the first is enough
		if cIdx := strings.Index(ref, ","); cIdx >= 0 {
			ref = ref[:cIdx]
		}
		return ref, nil
	}

	return "", fmt.Errorf("could not parse image reference from podman load output: %s", outputStr)
}

// Images implements runtime.Engine
func (p *Podman) Images(ctx context.Context, sc storage.Context, w io.Writer) error {
	var stderr bytes.Buffer
	cmd := p.command(ctx, sc, "images")
	cmd.Stdout = w
	cmd.Stderr = &stderr

	if err := run(cmd, "images", ""); err != nil {
		return withStderr(err, stderr.String())
	}
	return nil
}

// Run implements runtime.Engine. A container exiting non-zero is not an
// error; its code is returned as is. A podman process killed by a signal is
// reported as *runtime.SignalError.
//
// Cancelling ctx interrupts podman instead of killing it so that it can proxy
// the signal, collect the container's exit status and honour --rm. podman is
// killed only if it has not exited after StopTimeout.
func (p *Podman) Run(ctx context.Context, opts runtime.RunOptions) (int, error) {
	log := clog.FromContext(ctx)

	args, err := p.buildRunArgs(opts)
	if err != nil {
		return 0, &runtime.EngineError{Op: "run", Image: opts.Image, Err: err}
	}
	cmd := p.command(ctx, opts.Storage, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = p.stopTimeout

	// Set up IO
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	} else if opts.Container.Interactive {
		cmd.Stdin = os.Stdin
	}

	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		cmd.Stdout = os.Stdout
	}

	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	log.Debug("running container", "image", opts.Image, "command", opts.Command)
	err = cmd.Run()

	// After a cancellation podman may exit cleanly while Run reports the
	// context error, so the process state is authoritative once it exists
	if ps := cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 0, &runtime.SignalError{Op: "run", Signal: ws.Signal()}
		}
		return ps.ExitCode(), nil
	}
	if err != nil {
		return 0, &runtime.EngineError{Op: "run", Image: opts.Image, Err: err}
	}
	return 0, nil
}

// buildRunArgs builds the podman run arguments
func (p *Podman) buildRunArgs(opts runtime.RunOptions) ([]string, error) {
	c := opts.Container
	args := []string{"run", "--rm"}

	if c.Name != "" {
		args = append(args, "--name", c.Name)
	}

	if c.Interactive {
		args = append(args, "-i")
		// Only allocate a TTY when we have one to hand over
		if opts.Stdin == nil && isatty.IsTerminal(os.Stdin.Fd()) {
			args = append(args, "-t")
		}
	}

	if c.Detach {
		args = append(args, "-d")
	}

	if c.InheritEnv {
		args = append(args, "--env-host")
	}

	if c.PidFile != "" {
		args = append(args, "--pidfile", c.PidFile)
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	// Environment variables, sorted for stable invocations
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	for _, m := range opts.Mounts {
		args = append(args, "-v", absMount(m))
	}

	if len(opts.Entrypoint) > 0 {
		ep, err := json.Marshal(opts.Entrypoint)
		if err != nil {
			return nil, fmt.Errorf("encoding entrypoint: %w", err)
		}
		args = append(args, "--entrypoint", string(ep))
	}

	// Image
	args = append(args, opts.Image)

	// An empty command keeps the image default
	args = append(args, opts.Command...)

	return args, nil
}

// absMount makes the source of a src:dst[:options] mount absolute
func absMount(m string) string {
	src, rest, ok := strings.Cut(m, ":")
	if !ok {
		return m
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		abs = src // fallback to original
	}
	return abs + ":" + rest
}

// run executes cmd and converts failures into *runtime.EngineError or
// *runtime.SignalError
func run(cmd *exec.Cmd, op, image string) error {
	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return &runtime.SignalError{Op: op, Signal: ws.Signal()}
		}
		return &runtime.EngineError{Op: op, Image: image, ExitCode: exitErr.ExitCode(), Err: err}
	}
	return &runtime.EngineError{Op: op, Image: image, Err: err}
}

func withStderr(err error, stderr string) error {
	var ee *runtime.EngineError
	if errors.As(err, &ee) {
		ee.Stderr = stderr
	}
	return err
}
