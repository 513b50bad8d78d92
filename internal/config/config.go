// Package config resolves engine settings for commands that do not start
// from an environment definition.
package config

import (
	"fmt"
	"strings"

	"github.com/joshrwolf/rasterize/internal/runtime/podman"
	"github.com/joshrwolf/rasterize/internal/storage"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys, also the flag names
const (
	KeyPodmanPath  = "podman-path"
	KeyImageStore  = "imagestore"
	KeyScratchRoot = "scratch-root"
)

// Config is the resolved engine configuration
type Config struct {
	PodmanPath  string
	ImageStore  string
	ScratchRoot string
}

// Load resolves configuration from flags and the environment. Flags win over
// environment variables. PARALLAX_IMAGESTORE, RASTERIZE_PODMAN_PATH and
// RASTERIZE_SCRATCH_ROOT are read from the environment.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v, err := newViper(flags)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PodmanPath:  v.GetString(KeyPodmanPath),
		ImageStore:  v.GetString(KeyImageStore),
		ScratchRoot: v.GetString(KeyScratchRoot),
	}
	if cfg.ImageStore == "" {
		return nil, fmt.Errorf("set --%s or PARALLAX_IMAGESTORE: %w", KeyImageStore, storage.ErrMissingStore)
	}
	return cfg, nil
}

// ScratchRoot resolves only the scratch root, for commands whose remaining
// settings come from an environment definition
func ScratchRoot(flags *pflag.FlagSet) (string, error) {
	v, err := newViper(flags)
	if err != nil {
		return "", err
	}
	return v.GetString(KeyScratchRoot), nil
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault(KeyPodmanPath, podman.DefaultPath)
	v.SetDefault(KeyScratchRoot, storage.DefaultScratchRoot)

	v.SetEnvPrefix("RASTERIZE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(KeyImageStore, "PARALLAX_IMAGESTORE", "RASTERIZE_IMAGESTORE"); err != nil {
		return nil, fmt.Errorf("binding imagestore env: %w", err)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}
	return v, nil
}

// AddFlags registers the configuration flags on flags
func AddFlags(flags *pflag.FlagSet) {
	flags.String(KeyPodmanPath, podman.DefaultPath, "podman binary")
	flags.String(KeyImageStore, "", "read-only image store (default $PARALLAX_IMAGESTORE)")
	AddScratchRootFlag(flags)
}

// AddScratchRootFlag registers only the scratch root flag
func AddScratchRootFlag(flags *pflag.FlagSet) {
	flags.String(KeyScratchRoot, storage.DefaultScratchRoot, "scratch root for run storage (default $RASTERIZE_SCRATCH_ROOT)")
}
