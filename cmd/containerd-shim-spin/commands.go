package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/kate-goldenring/containerd-shim-spin/config"
	"github.com/kate-goldenring/containerd-shim-spin/oci"
	"github.com/kate-goldenring/containerd-shim-spin/shim"
)

var configPath string

func newRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "containerd-shim-spin",
		Short: "Run Spin applications from OCI layers",
		Long: `containerd-shim-spin runs Spin applications packaged as OCI image layers.

Layers are given as files. The media type is inferred from the file name
(*.wasm, spin.lock or *.lock, *.tar.gz) unless set with path=mediatype.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "shim config file (default $SPIN_SHIM_CONFIG or "+config.DefaultPath+")")

	root.AddCommand(newRunCommand())
	root.AddCommand(newPrecompileCommand())
	root.AddCommand(newCacheKeyCommand())
	root.AddCommand(newMediaTypesCommand())
	return root
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.PathFromEnv(os.Getenv)
	}
	return config.Load(path)
}

func newEngine(ctx context.Context) (*shim.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return shim.New(ctx, cfg)
}

type layerContext struct {
	args   []string
	layers []oci.Layer
}

func (c layerContext) Args() []string      { return c.args }
func (c layerContext) Layers() []oci.Layer { return c.layers }

func newRunCommand() *cobra.Command {
	var layerPaths []string

	cmd := &cobra.Command{
		Use:   "run --layer FILE... [-- ARGS...]",
		Short: "Run an application until its first trigger exits or it is interrupted",
		Example: `  # Run a locked application and its component
  containerd-shim-spin run --layer spin.lock --layer hello.wasm

  # Run a command trigger with guest arguments
  containerd-shim-spin run --layer app.tar.gz -- --name world`,
		RunE: func(cmd *cobra.Command, args []string) error {
			layers, err := readLayers(layerPaths)
			if err != nil {
				return err
			}
			e, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			code, err := e.Run(layerContext{args: args, layers: layers}, shim.Stdio{})
			if code != 0 {
				if err == nil {
					err = fmt.Errorf("exit status %d", code)
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&layerPaths, "layer", "l", nil, "layer file, optionally path=mediatype (repeatable)")
	_ = cmd.MarkFlagRequired("layer")
	return cmd
}

func newPrecompileCommand() *cobra.Command {
	var (
		layerPaths []string
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "precompile --layer FILE... --out DIR",
		Short: "Precompile the Wasm layers of an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			layers, err := readLayers(layerPaths)
			if err != nil {
				return err
			}
			e, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			out, err := e.Precompile(cmd.Context(), layers)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			for i, artifact := range out {
				if artifact == nil {
					continue
				}
				name := filepath.Join(outDir, fmt.Sprintf("%d-%s.bin", i, layers[i].Digest().Encoded()[:12]))
				if err := os.WriteFile(name, artifact, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, units.HumanSize(float64(len(artifact))))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cache key %s\n", e.PrecompileCacheKey())
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&layerPaths, "layer", "l", nil, "layer file, optionally path=mediatype (repeatable)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for precompiled artifacts")
	_ = cmd.MarkFlagRequired("layer")
	return cmd
}

func newCacheKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-key",
		Short: "Print the precompile cache key of this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(context.Background())
			fmt.Fprintln(cmd.OutOrStdout(), e.PrecompileCacheKey())
			return nil
		},
	}
}

func newMediaTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "media-types",
		Short: "List the layer media types the engine reads",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, mt := range oci.SupportedMediaTypes() {
				fmt.Fprintln(cmd.OutOrStdout(), mt)
			}
		},
	}
}
