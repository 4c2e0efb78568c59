package packer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/dvpack/internal/dvmem"
	"github.com/samcharles93/dvpack/internal/logger"
	"github.com/samcharles93/dvpack/pkg/dvblob"
	"github.com/samcharles93/dvpack/pkg/dvweights"
)

// Pipeline packs many layers into one buffer. Layers are laid out back to
// back at 16-byte aligned offsets in input order.
type Pipeline struct {
	// Workers bounds concurrent packer calls; zero means GOMAXPROCS.
	Workers int
	Log     logger.Logger
}

// Plan is the layout of a packed network.
type Plan struct {
	Layers []dvblob.LayerEntry `json:"layers"`
	Size   int                 `json:"size"`
}

// Result is a packed network. Data stays valid until Close.
type Result struct {
	Data   []byte
	Layers []dvblob.LayerEntry

	mem *dvmem.Mem
}

// Close releases the packed buffer.
func (r *Result) Close() error {
	if r == nil || r.mem == nil {
		return nil
	}
	r.Data = nil
	return r.mem.Close()
}

func (p *Pipeline) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (p *Pipeline) log() logger.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logger.Discard()
}

// Plan sizes every layer and assigns offsets.
func (p *Pipeline) Plan(ctx context.Context, layers []Layer) (*Plan, error) {
	if len(layers) == 0 {
		return nil, errors.New("packer: no layers")
	}
	sizes := make([]int, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i := range layers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := layers[i].Size()
			if err != nil {
				return fmt.Errorf("size layer %q: %w", layers[i].Spec.Name, err)
			}
			sizes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{Layers: make([]dvblob.LayerEntry, len(layers))}
	off := 0
	for i := range layers {
		plan.Layers[i] = layers[i].Entry(off, sizes[i])
		off = dvweights.AlignUp(off + sizes[i])
	}
	plan.Size = off
	return plan, nil
}

// Run plans and fills every layer concurrently into disjoint regions of one
// device buffer. Checksums are recorded in the returned entries.
func (p *Pipeline) Run(ctx context.Context, layers []Layer) (*Result, error) {
	log := p.log()
	start := time.Now()

	plan, err := p.Plan(ctx, layers)
	if err != nil {
		return nil, err
	}
	log.Debug("planned layout", "layers", len(plan.Layers), "size", plan.Size)

	mem, err := dvmem.Alloc(plan.Size)
	if err != nil {
		return nil, err
	}
	if err := mem.SyncStart(dvmem.Write); err != nil {
		_ = mem.Close()
		return nil, err
	}
	buf := mem.Bytes()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i := range layers {
		e := &plan.Layers[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dst := buf[e.Offset:e.End():e.End()]
			n, err := layers[i].Pack(dst)
			if err != nil {
				return fmt.Errorf("pack layer %q: %w", e.Name, err)
			}
			if uint64(n) != e.Size {
				return fmt.Errorf("pack layer %q: filled %d bytes, sized %d", e.Name, n, e.Size)
			}
			e.SHA256 = dvblob.Checksum(dst)
			log.Debug("packed layer", "layer", e.Name, "kind", e.Kind, "offset", e.Offset, "size", e.Size)
			return nil
		})
	}
	err = g.Wait()
	if serr := mem.SyncEnd(); err == nil {
		err = serr
	}
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	log.Info("packed network", "layers", len(plan.Layers), "bytes", plan.Size, "elapsed", time.Since(start))
	return &Result{Data: buf, Layers: plan.Layers, mem: mem}, nil
}
