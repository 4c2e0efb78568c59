package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dvpack/internal/logger"
	"github.com/samcharles93/dvpack/internal/netspec"
	"github.com/samcharles93/dvpack/internal/packer"
	"github.com/samcharles93/dvpack/internal/safetensors"
	"github.com/samcharles93/dvpack/internal/version"
	"github.com/samcharles93/dvpack/pkg/dvblob"
)

func packCmd() *cli.Command {
	var (
		specPath string
		outPath  string
		outDir   string
		workers  int
		compress bool
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Pack every layer of a network spec into a .dvw blob",
		Flags: []cli.Flag{
			specFlag(&specPath),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .dvw path (default <out-dir>/<spec name>.dvw)",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "out-dir",
				Usage:       "directory for defaulted output paths (falls back to $" + envDvpackOutDir + ", then ./out)",
				Destination: &outDir,
			},
			&cli.IntFlag{
				Name:        "workers",
				Aliases:     []string{"j"},
				Usage:       "concurrent layer packers (0 = GOMAXPROCS)",
				Destination: &workers,
			},
			&cli.BoolFlag{
				Name:        "compress",
				Usage:       "store the data section zstd compressed",
				Destination: &compress,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyPackConfig(cmd, configFromContext(ctx), &outDir, &workers, &compress)

			out, defaulted, err := resolvePackOut(specPath, outPath, outDir)
			if err != nil {
				return fmt.Errorf("pack: %w", err)
			}
			if defaulted {
				log.Info("output path defaulted", "path", out)
			}

			res, n, err := packNetwork(ctx, log, specPath, workers)
			if err != nil {
				return fmt.Errorf("pack: %w", err)
			}
			defer func() { _ = res.Close() }()

			m := dvblob.NewManifest(networkName(n, specPath))
			m.Generator = "dvpack " + version.String()
			m.Layers = res.Layers
			if err := dvblob.WriteFile(out, m, res.Data, dvblob.WriteOptions{Compress: compress}); err != nil {
				return fmt.Errorf("pack: write %s: %w", out, err)
			}

			log.Info("wrote blob", "path", out, "id", m.ID, "layers", len(m.Layers), "bytes", m.DataSize, "compressed", compress)
			_, _ = fmt.Fprintf(cmd.Root().Writer, "%s: %d layers, %d bytes\n", out, len(m.Layers), m.DataSize)
			return nil
		},
	}
}

// packNetwork loads a spec and its tensors and runs the packing pipeline.
func packNetwork(ctx context.Context, log logger.Logger, specPath string, workers int) (*packer.Result, *netspec.Network, error) {
	n, err := netspec.Load(specPath)
	if err != nil {
		return nil, nil, err
	}
	src, err := safetensors.Open(n.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("open tensors: %w", err)
	}
	log.Debug("loaded spec", "name", n.Name, "source", n.Source, "layers", len(n.Layers), "tensors", len(src.Tensors))

	layers, err := packer.Load(n, src)
	if err != nil {
		return nil, nil, err
	}
	p := &packer.Pipeline{Workers: workers, Log: log}
	res, err := p.Run(ctx, layers)
	if err != nil {
		return nil, nil, err
	}
	return res, n, nil
}

func networkName(n *netspec.Network, specPath string) string {
	if n.Name != "" {
		return n.Name
	}
	base := filepath.Base(specPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
