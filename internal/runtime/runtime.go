package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/joshrwolf/rasterize/internal/storage"
	"golang.org/x/sys/unix"
)

// Engine is a container engine addressed through explicit storage contexts
type Engine interface {
	// Info renders the engine's info template against the given context and
	// returns raw stdout
	Info(ctx context.Context, format string, sc storage.Context) ([]byte, error)

	// ImageExists reports whether image is present in the given context
	ImageExists(ctx context.Context, image string, sc storage.Context) (bool, error)

	// Pull fetches image into the given context
	Pull(ctx context.Context, image string, sc storage.Context) error

	// Load imports an image tarball into the given context and returns the
	// loaded reference
	Load(ctx context.Context, tarPath string, sc storage.Context) (string, error)

	// Images writes the image listing of the given context to w
	Images(ctx context.Context, sc storage.Context, w io.Writer) error

	// Run starts a container and returns its exit code
	Run(ctx context.Context, opts RunOptions) (int, error)
}

// LaunchSpec describes the container to create
type LaunchSpec struct {
	Name string

	// Keep stdin attached
	Interactive bool

	// Leave the container running in the background
	Detach bool

	// Pass the caller's environment into the container
	InheritEnv bool

	// Optional path to write the container's pid to
	PidFile string
}

// RunOptions configures how to run the container
type RunOptions struct {
	Image string

	// Command overrides the image's default command when non-empty
	Command []string

	// Entrypoint overrides the image's entrypoint when non-empty
	Entrypoint []string

	Storage   storage.Context
	Container LaunchSpec

	// Working directory inside the container
	WorkDir string

	// Environment variables
	Env map[string]string

	// Bind mounts in src:dst[:options] form
	Mounts []string

	// Stdin/stdout/stderr (optional, defaults to os.Std*)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// EngineError reports an engine invocation that failed or exited non-zero
type EngineError struct {
	Op       string
	Image    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Image != "" {
		fmt.Fprintf(&b, " %s", e.Image)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Kind classifies the error for structured output
func (e *EngineError) Kind() string { return "engine" }

// SignalError reports an engine process terminated by a signal rather than
// exiting
type SignalError struct {
	Op     string
	Signal syscall.Signal
}

func (e *SignalError) Error() string {
	name := unix.SignalName(e.Signal)
	if name == "" {
		name = fmt.Sprintf("signal %d", int(e.Signal))
	}
	return fmt.Sprintf("%s: terminated by %s", e.Op, name)
}

// Kind classifies the error for structured output
func (e *SignalError) Kind() string { return "signal" }
