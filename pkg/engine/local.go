package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"logedges/internal/models"
	"logedges/pkg/kernel"
	"logedges/pkg/partition"
	"logedges/pkg/transport"
)

// RunLocal runs a whole job inside this process: procs is truncated to a power
// of two and every rank runs as a goroutine connected through a Hub. It returns
// the coordinator's engine once all ranks have finished.
func RunLocal(ctx context.Context, params *Params, procs int, out io.Writer) (*Engine, error) {
	workers, err := partition.NormalizeWorkers(procs)
	if err != nil {
		return nil, err
	}

	hub, err := transport.NewHub(workers)
	if err != nil {
		return nil, err
	}
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)
	engines := make([]*Engine, workers)
	for rank := range engines {
		ep, err := hub.Endpoint(rank)
		if err != nil {
			return nil, err
		}
		engines[rank] = NewEngine(params, ep, out)

		g.Go(func() error {
			defer ep.Close()
			err := engines[rank].Process(gctx)
			if errors.Is(err, transport.ErrAborted) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return engines[0], nil
}

// FilterGrid runs the distributed pipeline on an in-memory grid and returns
// the assembled edge map. Nothing is read from or written to disk.
func FilterGrid(ctx context.Context, grid *models.Grid, procs, threads int, policy kernel.Policy) (*models.Grid, error) {
	params := &Params{
		Input:    grid,
		Threads:  threads,
		Boundary: policy,
	}
	e, err := RunLocal(ctx, params, procs, nil)
	if err != nil {
		return nil, err
	}
	return e.Result(), nil
}

// Reference filters the whole grid on the calling goroutine with no
// partitioning. Distributed runs must reproduce it exactly.
func Reference(grid *models.Grid, policy kernel.Policy) (*models.Grid, error) {
	out := grid.Clone()
	if len(grid.Pix) == 0 {
		return out, nil
	}
	k := kernel.New(policy)
	if err := k.ApplyRange(grid.Pix, out.Pix, grid.Width, grid.Height, 0, grid.Width, 0, grid.Height); err != nil {
		return nil, err
	}
	return out, nil
}
