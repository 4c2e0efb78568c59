package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dvpack/pkg/dvblob"
)

func inspectCmd() *cli.Command {
	var (
		blobPath string
		verify   bool
		asJSON   bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the manifest of a .dvw blob",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "blob",
				Aliases:     []string{"b"},
				Usage:       "path to .dvw file",
				Required:    true,
				Destination: &blobPath,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "recompute layer checksums",
				Destination: &verify,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the manifest as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := dvblob.Open(blobPath)
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			defer func() { _ = f.Close() }()

			if verify {
				if err := f.Verify(); err != nil {
					return fmt.Errorf("inspect: %w", err)
				}
			}

			w := cmd.Root().Writer
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(f.Manifest)
			}

			m := f.Manifest
			_, _ = fmt.Fprintf(w, "File: %s\n", blobPath)
			_, _ = fmt.Fprintf(w, "Format: v%d.%d, %d bytes, flags 0x%x\n", f.Header.Major, f.Header.Minor, f.Header.FileSize, f.Header.Flags)
			_, _ = fmt.Fprintf(w, "Name: %s\n", m.Name)
			_, _ = fmt.Fprintf(w, "ID: %s\n", m.ID)
			_, _ = fmt.Fprintf(w, "Created: %s\n", m.CreatedAt.Format(time.RFC3339))
			if m.Generator != "" {
				_, _ = fmt.Fprintf(w, "Generator: %s\n", m.Generator)
			}
			_, _ = fmt.Fprintf(w, "Data: %d bytes, compressed=%t\n\n", m.DataSize, f.Header.Flags&dvblob.FlagDataZstd != 0)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "LAYER\tKIND\tSHAPE\tOFFSET\tSIZE\tQUANTIZED\tSHA256")
			for _, e := range m.Layers {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
					e.Name, e.Kind, layerShape(e), e.Offset, e.Size, e.Quantized, e.SHA256[:min(12, len(e.SHA256))])
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if verify {
				_, _ = fmt.Fprintf(w, "\nverified %d layers\n", len(m.Layers))
			}
			return nil
		},
	}
}

func layerShape(e dvblob.LayerEntry) string {
	if e.KX == 0 {
		return fmt.Sprintf("%d->%d", e.Channels, e.Kernels)
	}
	s := fmt.Sprintf("%dx%dx%d->%d", e.KX, e.KY, e.Channels, e.Kernels)
	if e.PReLU {
		s += " prelu"
	}
	return s
}
