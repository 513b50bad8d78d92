package edf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the EDF leaves a tool location unset
const (
	DefaultPodmanPath           = "/usr/bin/podman"
	DefaultParallaxPath         = "/usr/bin/parallax"
	DefaultParallaxMountProgram = "/usr/bin/parallax-mount-program.sh"
)

// EDF is a rendered environment definition
type EDF struct {
	// Image reference to run
	Image string `json:"image" toml:"image" yaml:"image"`

	// Container engine binary
	PodmanPath string `json:"podman_path" toml:"podman_path" yaml:"podman_path"`

	// Migration tool binary
	ParallaxPath string `json:"parallax_path" toml:"parallax_path" yaml:"parallax_path"`

	// Root of the read-only image store
	ParallaxImageStore string `json:"parallax_imagestore" toml:"parallax_imagestore" yaml:"parallax_imagestore"`

	// Mount helper used by the run context
	ParallaxMountProgram string `json:"parallax_mount_program" toml:"parallax_mount_program" yaml:"parallax_mount_program"`

	// Container defaults
	Workdir    string            `json:"workdir,omitempty" toml:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env        map[string]string `json:"env,omitempty" toml:"env,omitempty" yaml:"env,omitempty"`
	Mounts     []string          `json:"mounts,omitempty" toml:"mounts,omitempty" yaml:"mounts,omitempty"`
	Entrypoint []string          `json:"entrypoint,omitempty" toml:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
}

// ParseError reports an EDF that could not be read, decoded or validated
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing EDF %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Kind classifies the error for structured output
func (e *ParseError) Kind() string { return "parse" }

// Render reads the EDF at path and returns it with defaults applied and
// environment variables expanded in path fields. The format is chosen by
// extension: .yaml and .yml are YAML, anything else is TOML.
func Render(path string) (*EDF, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	e, err := decode(path, data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	e.applyDefaults()
	return e, nil
}

// Validate renders the EDF at path and checks that it can be run
func Validate(path string) error {
	e, err := Render(path)
	if err != nil {
		return err
	}
	if err := e.Check(); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// Check reports the first problem that would prevent running e
func (e *EDF) Check() error {
	if e.Image == "" {
		return fmt.Errorf("image is required")
	}
	if _, err := name.ParseReference(e.Image); err != nil {
		return fmt.Errorf("image %q: %w", e.Image, err)
	}
	if e.ParallaxImageStore == "" {
		return fmt.Errorf("parallax_imagestore is required")
	}
	for _, m := range e.Mounts {
		parts := strings.Split(m, ":")
		if len(parts) < 2 || parts[0] == "" {
			return fmt.Errorf("mount %q: expected src:dst[:options]", m)
		}
		if !filepath.IsAbs(parts[1]) {
			return fmt.Errorf("mount %q: target must be absolute", m)
		}
	}
	return nil
}

func decode(path string, data []byte) (*EDF, error) {
	var e EDF
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("unmarshaling YAML: %w", err)
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("unmarshaling TOML: %w", err)
		}
	}
	return &e, nil
}

func (e *EDF) applyDefaults() {
	if e.PodmanPath == "" {
		e.PodmanPath = DefaultPodmanPath
	}
	if e.ParallaxPath == "" {
		e.ParallaxPath = DefaultParallaxPath
	}
	if e.ParallaxMountProgram == "" {
		e.ParallaxMountProgram = DefaultParallaxMountProgram
	}

	e.PodmanPath = os.ExpandEnv(e.PodmanPath)
	e.ParallaxPath = os.ExpandEnv(e.ParallaxPath)
	e.ParallaxImageStore = os.ExpandEnv(e.ParallaxImageStore)
	e.ParallaxMountProgram = os.ExpandEnv(e.ParallaxMountProgram)
	e.Workdir = os.ExpandEnv(e.Workdir)
}
