package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dvpack/internal/logger"
	"github.com/samcharles93/dvpack/internal/netspec"
	"github.com/samcharles93/dvpack/internal/packer"
)

func sizeCmd() *cli.Command {
	var (
		specPath string
		asJSON   bool
	)

	return &cli.Command{
		Name:  "size",
		Usage: "Print the packed size and offset of every layer without reading tensors",
		Flags: []cli.Flag{
			specFlag(&specPath),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the layout as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			n, err := netspec.Load(specPath)
			if err != nil {
				return fmt.Errorf("size: %w", err)
			}
			layers := make([]packer.Layer, 0, len(n.Layers))
			for _, spec := range n.Layers {
				l, err := packer.Shape(spec, spec.IsQuantized(), spec.HasPReLU())
				if err != nil {
					return fmt.Errorf("size: %w", err)
				}
				layers = append(layers, l)
			}

			p := &packer.Pipeline{Log: logger.FromContext(ctx)}
			plan, err := p.Plan(ctx, layers)
			if err != nil {
				return fmt.Errorf("size: %w", err)
			}

			w := cmd.Root().Writer
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "LAYER\tKIND\tOFFSET\tSIZE\tQUANTIZED")
			for _, e := range plan.Layers {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\n", e.Name, e.Kind, e.Offset, e.Size, e.Quantized)
			}
			_, _ = fmt.Fprintf(tw, "total\t\t\t%d\t\n", plan.Size)
			return tw.Flush()
		},
	}
}
