package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/joshrwolf/rasterize/internal/builder"
	"github.com/joshrwolf/rasterize/internal/config"
	"github.com/joshrwolf/rasterize/internal/edf"
	"github.com/joshrwolf/rasterize/internal/orchestrator"
	"github.com/joshrwolf/rasterize/internal/parallax"
	"github.com/joshrwolf/rasterize/internal/runtime/podman"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel slag.Level
	output   outputFormat

	// run
	name    string
	detach  bool
	noEnv   bool
	pidFile string

	// build
	tag          string
	parallaxPath string
	mountProgram string

	exitCode int
}

// setupLogging configures logging for the command
func (o *options) setupLogging(ctx context.Context) context.Context {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           charmlog.Level(o.logLevel),
		ReportTimestamp: true,
	})
	ctx = clog.WithLogger(ctx, clog.New(l))
	slog.SetDefault(slog.New(l))
	return ctx
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	code, err := run(ctx)
	cancel()
	if err != nil {
		clog.FatalContextf(ctx, "error: %v", err)
	}
	os.Exit(code)
}

func run(ctx context.Context) (int, error) {
	opts := &options{output: outputText}

	if err := opts.rootCmd(ctx).ExecuteContext(ctx); err != nil {
		return 1, err
	}
	return opts.exitCode, nil
}

func (o *options) rootCmd(ctx context.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rasterize",
		Short:         "Run containers from environment definitions using Parallax image stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx = o.setupLogging(ctx)
			cmd.SetContext(ctx)
			return nil
		},
	}
	rootCmd.PersistentFlags().Var(&o.logLevel, "log-level", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		o.validateCmd(),
		o.renderCmd(),
		o.imagesCmd(),
		o.runCmd(),
		o.buildCmd(),
	)
	return rootCmd
}

func (o *options) validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate EDF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.exitCode = o.print(cmd, validate(args[0]))
			return nil
		},
	}
	cmd.Flags().VarP(&o.output, "output", "o", "output format (text, json)")
	return cmd
}

func (o *options) renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render FILE",
		Short: "Render EDF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.exitCode = o.print(cmd, render(args[0]))
			return nil
		},
	}
	cmd.Flags().VarP(&o.output, "output", "o", "output format (text, json)")
	return cmd
}

func (o *options) imagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List images including Parallax storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				o.exitCode = o.print(cmd, failure("", err))
				return nil
			}

			eng := podman.New(cfg.PodmanPath)
			if o.output == outputJSON {
				var out bytes.Buffer
				if err := orchestrator.Images(ctx, eng, cfg.ImageStore, &out); err != nil {
					o.exitCode = o.print(cmd, failure(out.String(), err))
					return nil
				}
				o.exitCode = o.print(cmd, result{Stdout: strings.TrimRight(out.String(), "\n")})
				return nil
			}
			if err := orchestrator.Images(ctx, eng, cfg.ImageStore, cmd.OutOrStdout()); err != nil {
				o.exitCode = o.print(cmd, failure("", err))
			}
			return nil
		},
	}
	config.AddFlags(cmd.Flags())
	cmd.Flags().VarP(&o.output, "output", "o", "output format (text, json)")
	return cmd
}

func (o *options) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run FILE [COMMAND [ARG...]]",
		Short: "Run container from EDF file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scratchRoot, err := config.ScratchRoot(cmd.Flags())
			if err != nil {
				o.exitCode = o.print(cmd, failure("", err))
				return nil
			}

			code, err := o.run(cmd.Context(), args[0], args[1:], scratchRoot)
			if err != nil {
				o.exitCode = o.print(cmd, failure("", err))
				return nil
			}
			// The container owns stdout in text mode
			if o.output == outputJSON {
				o.print(cmd, result{ReturnCode: code})
			}
			o.exitCode = code
			return nil
		},
	}
	// Everything after the EDF path belongs to the container
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&o.name, "name", orchestrator.DefaultContainerName, "container name")
	cmd.Flags().BoolVarP(&o.detach, "detach", "d", false, "run the container in the background")
	cmd.Flags().BoolVar(&o.noEnv, "no-env", false, "do not pass the host environment into the container")
	cmd.Flags().StringVar(&o.pidFile, "pidfile", "", "write the container pid to this file")
	cmd.Flags().VarP(&o.output, "output", "o", "output format (text, json)")
	config.AddScratchRootFlag(cmd.Flags())
	return cmd
}

func (o *options) run(ctx context.Context, path string, command []string, scratchRoot string) (int, error) {
	log := clog.FromContext(ctx)

	e, err := edf.Render(path)
	if err != nil {
		return 0, err
	}
	log.Debug("rendered EDF", "path", path, "image", e.Image)

	spec := orchestrator.DefaultLaunchSpec()
	spec.Name = o.name
	spec.Detach = o.detach
	spec.Interactive = !o.detach
	spec.InheritEnv = !o.noEnv
	spec.PidFile = o.pidFile

	return orchestrator.Run(ctx, podman.New(e.PodmanPath), parallax.New(e.ParallaxPath), e, orchestrator.RunConfig{
		ScratchRoot: scratchRoot,
		Launch:      spec,
		Command:     command,
	})
}

func (o *options) buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build CONFIG",
		Short: "Build an image from an apko configuration into the Parallax store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				o.exitCode = o.print(cmd, failure("", err))
				return nil
			}

			ref, err := o.build(cmd.Context(), cfg, args[0])
			if err != nil {
				o.exitCode = o.print(cmd, failure("", err))
				return nil
			}
			o.exitCode = o.print(cmd, result{Stdout: ref})
			return nil
		},
	}
	config.AddFlags(cmd.Flags())
	cmd.Flags().StringVarP(&o.tag, "tag", "t", "", "image reference to tag the build with")
	cmd.Flags().StringVar(&o.parallaxPath, "parallax-path", edf.DefaultParallaxPath, "parallax binary")
	cmd.Flags().StringVar(&o.mountProgram, "mount-program", edf.DefaultParallaxMountProgram, "parallax mount program")
	cmd.Flags().VarP(&o.output, "output", "o", "output format (text, json)")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

func (o *options) build(ctx context.Context, cfg *config.Config, configPath string) (string, error) {
	ic, err := builder.LoadConfig(configPath)
	if err != nil {
		return "", err
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("getting cache dir: %w", err)
	}
	cacheDir = filepath.Join(cacheDir, "rasterize")

	tmpDir, err := os.MkdirTemp("", "rasterize-build-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tarPath, err := builder.New(cacheDir, tmpDir).Build(ctx, ic, o.tag)
	if err != nil {
		return "", fmt.Errorf("building image: %w", err)
	}

	eng := podman.New(cfg.PodmanPath)
	e := &edf.EDF{
		Image:                o.tag,
		PodmanPath:           cfg.PodmanPath,
		ParallaxPath:         o.parallaxPath,
		ParallaxImageStore:   cfg.ImageStore,
		ParallaxMountProgram: o.mountProgram,
	}
	contexts, err := orchestrator.NewContexts(ctx, eng, e, cfg.ScratchRoot)
	if err != nil {
		return "", fmt.Errorf("generating storage contexts: %w", err)
	}

	return orchestrator.NewPipeline(eng, parallax.New(o.parallaxPath), contexts).Import(ctx, tarPath)
}
