package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"chainguard.dev/apko/pkg/apk/apk"
	"chainguard.dev/apko/pkg/build"
	"chainguard.dev/apko/pkg/build/oci"
	"chainguard.dev/apko/pkg/build/types"
	"chainguard.dev/apko/pkg/tarfs"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"gopkg.in/yaml.v3"
)

// Wolfi is used when a configuration names no repositories
const (
	DefaultRepository = "https://packages.wolfi.dev/os"
	DefaultKeyring    = "https://packages.wolfi.dev/os/wolfi-signing.rsa.pub"
)

// Builder builds OCI images from apko configurations
type Builder struct {
	cacheDir string
	tmpDir   string
}

// New creates a new Builder
func New(cacheDir, tmpDir string) *Builder {
	return &Builder{
		cacheDir: cacheDir,
		tmpDir:   tmpDir,
	}
}

// LoadConfig reads an apko image configuration from a YAML file and fills in
// the Wolfi repository and a busybox base when they are missing
func LoadConfig(path string) (*types.ImageConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var ic types.ImageConfiguration
	if err := yaml.Unmarshal(data, &ic); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	if len(ic.Contents.RuntimeRepositories) == 0 {
		ic.Contents.RuntimeRepositories = []string{DefaultRepository}
		if !slices.Contains(ic.Contents.Keyring, DefaultKeyring) {
			ic.Contents.Keyring = append(ic.Contents.Keyring, DefaultKeyring)
		}
	}
	if len(ic.Contents.Packages) == 0 {
		ic.Contents.Packages = []string{"busybox"}
	}

	return &ic, nil
}

// Build builds an OCI image from the given configuration and returns the path
// to a tarball tagged with tag
func (b *Builder) Build(ctx context.Context, config *types.ImageConfiguration, tag string) (string, error) {
	log := clog.FromContext(ctx)

	ref, err := name.NewTag(tag)
	if err != nil {
		return "", fmt.Errorf("parsing tag %q: %w", tag, err)
	}

	// Default to host architecture
	arch := types.ParseArchitecture(runtime.GOARCH)

	opts := []build.Option{
		build.WithImageConfiguration(*config),
		build.WithArch(arch),
		build.WithCache(b.cacheDir, false, apk.NewCache(true)),
		build.WithTempDir(b.tmpDir),
	}

	bc, err := build.New(ctx, tarfs.New(), opts...)
	if err != nil {
		return "", fmt.Errorf("creating build context: %w", err)
	}

	log.Info("building image filesystem", "packages", config.Contents.Packages)
	if err := bc.BuildImage(ctx); err != nil {
		return "", fmt.Errorf("building image: %w", err)
	}

	layers, err := bc.BuildLayers(ctx)
	if err != nil {
		return "", fmt.Errorf("building layers: %w", err)
	}

	img, err := oci.BuildImageFromLayers(
		ctx,
		empty.Image,
		layers,
		bc.ImageConfiguration(),
		time.Now(),
		arch,
	)
	if err != nil {
		return "", fmt.Errorf("building image from layers: %w", err)
	}

	outputPath := filepath.Join(b.tmpDir, fmt.Sprintf("rasterize-%d.tar", time.Now().UnixNano()))

	log.Info("writing image to tarball", "path", outputPath, "tag", ref.String())
	if err := writeImageTarball(img, ref, outputPath); err != nil {
		return "", err
	}

	return outputPath, nil
}

func writeImageTarball(img v1.Image, ref name.Tag, outputPath string) error {
	if err := tarball.WriteToFile(outputPath, ref, img); err != nil {
		return fmt.Errorf("writing tarball: %w", err)
	}
	return nil
}
