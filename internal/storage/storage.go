package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Role identifies which store a Context talks to
type Role int

const (
	// RoleDefault is the engine's native store with its own defaults
	RoleDefault Role = iota
	// RoleMigrate targets the native store while exposing the read-only store
	RoleMigrate
	// RoleReadOnly uses the read-only store as the graph root
	RoleReadOnly
	// RoleRun uses an ephemeral scratch root backed by the read-only store
	RoleRun
)

// ErrMissingStore is returned when no read-only image store is configured
var ErrMissingStore = errors.New("read-only image store is not configured")

// DefaultScratchRoot is where run contexts keep their graph and run roots
const DefaultScratchRoot = "/dev/shm/rasterize-run"

func (r Role) String() string {
	switch r {
	case RoleDefault:
		return "default"
	case RoleMigrate:
		return "migrate"
	case RoleReadOnly:
		return "ro"
	case RoleRun:
		return "run"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Context describes where the container engine reads and writes image and
// container state. An empty field means "engine default". Contexts are values
// and are never modified after construction.
type Context struct {
	role         Role
	graphRoot    string
	runRoot      string
	mountProgram string
	roStore      string
}

// Default returns the context of the engine's native store
func Default() Context {
	return Context{role: RoleDefault}
}

// Migrate returns the context the migration tool works against: the engine's
// native graph root plus the read-only store as an additional image store.
func Migrate(graphRoot, roStore string) Context {
	return Context{
		role:      RoleMigrate,
		graphRoot: graphRoot,
		roStore:   roStore,
	}
}

// ReadOnly returns a context rooted at the read-only store
func ReadOnly(roStore string) Context {
	return Context{
		role:      RoleReadOnly,
		graphRoot: roStore,
	}
}

// Run returns the context containers are started from. Graph and run roots
// live under scratchRoot, which the engine recreates as needed.
func Run(scratchRoot, mountProgram, roStore string) Context {
	if scratchRoot == "" {
		scratchRoot = DefaultScratchRoot
	}
	return Context{
		role:         RoleRun,
		graphRoot:    filepath.Join(scratchRoot, "graphroot"),
		runRoot:      filepath.Join(scratchRoot, "runroot"),
		mountProgram: mountProgram,
		roStore:      roStore,
	}
}

func (c Context) Role() Role            { return c.role }
func (c Context) GraphRoot() string     { return c.graphRoot }
func (c Context) RunRoot() string       { return c.runRoot }
func (c Context) MountProgram() string  { return c.mountProgram }
func (c Context) ReadOnlyStore() string { return c.roStore }

// Args returns the global engine flags selecting this context. The default
// context yields no flags.
func (c Context) Args() []string {
	var args []string
	if c.graphRoot != "" {
		args = append(args, "--root", c.graphRoot)
	}
	if c.runRoot != "" {
		args = append(args, "--runroot", c.runRoot)
	}
	if c.roStore != "" {
		args = append(args, "--storage-opt", "additionalimagestore="+c.roStore)
	}
	if c.mountProgram != "" {
		args = append(args, "--storage-opt", "overlay.mount_program="+c.mountProgram)
	}
	return args
}

func (c Context) String() string {
	return fmt.Sprintf("%s(root=%q runroot=%q ro=%q)", c.role, c.graphRoot, c.runRoot, c.roStore)
}

// EnsureStore creates the read-only store directory if it does not exist.
// Concurrent callers are fine since MkdirAll is idempotent.
func EnsureStore(path string) error {
	if path == "" {
		return ErrMissingStore
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating image store %s: %w", path, err)
	}
	return nil
}
