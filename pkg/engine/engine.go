package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"logedges/internal/models"
	"logedges/pkg/assembly"
	"logedges/pkg/filter"
	"logedges/pkg/imageio"
	"logedges/pkg/kernel"
	"logedges/pkg/partition"
	"logedges/pkg/transport"
)

// Params holds the run configuration shared by every rank. Only rank 0 reads
// the input and output fields.
type Params struct {
	// InputPath is the image to filter. Ignored when Input is set.
	InputPath string

	// Input is an already loaded grid, used instead of InputPath.
	Input *models.Grid

	// OutputPath is where rank 0 writes the edge map. Empty skips writing.
	OutputPath string

	// Threads is the number of filtering tasks per rank.
	Threads int

	// Boundary is the stencil boundary policy.
	Boundary kernel.Policy

	// EdgeThreshold is the intensity at or above which an output pixel is
	// counted as an edge in the metrics.
	EdgeThreshold int
}

// Engine runs one rank of a distributed edge-detection job. Rank 0 acts as the
// coordinator and also filters its own band; every other usable rank is a
// worker.
//
// The coordinator path is:
// 1. Load the input grid and validate thread count and partition
// 2. Scatter bands with their halo rows
// 3. Filter its own band
// 4. Gather worker results and assemble the output grid
// 5. Write the output and compute metrics
type Engine struct {
	params    *Params
	transport transport.Transport
	kernel    *kernel.Kernel
	logger    *log.Logger

	result  *models.Grid
	metrics Metrics
}

// NewEngine creates the engine for the rank owning t. Progress is logged to out
// with a rank prefix; a nil out discards it.
func NewEngine(params *Params, t transport.Transport, out io.Writer) *Engine {
	if out == nil {
		out = io.Discard
	}
	return &Engine{
		params:    params,
		transport: t,
		kernel:    kernel.New(params.Boundary),
		logger:    log.New(out, fmt.Sprintf("rank %d: ", t.Rank()), log.Lmsgprefix|log.Ltime),
	}
}

// Process runs this rank's part of the job. Ranks at or above the largest
// power of two not exceeding the job size return immediately.
func (e *Engine) Process(ctx context.Context) error {
	workers, err := partition.NormalizeWorkers(e.transport.Size())
	if err != nil {
		return err
	}
	if e.transport.Rank() >= workers {
		e.logger.Printf("idle, only %d of %d ranks are used", workers, e.transport.Size())
		return nil
	}

	if e.transport.Rank() == 0 {
		return e.coordinate(ctx, workers)
	}
	return e.work(ctx)
}

func (e *Engine) coordinate(ctx context.Context, workers int) error {
	grid, splitter, bands, err := e.prepare(workers)
	if err != nil {
		// workers are waiting for an assignment that will never come
		if abortErr := transport.Abort(ctx, e.transport, workers); abortErr != nil {
			e.logger.Printf("failed to abort workers: %v", abortErr)
		}
		return err
	}
	defer splitter.Close()

	e.logger.Printf("image %dx%d, %d ranks, %d threads per rank", grid.Width, grid.Height, workers, splitter.Threads())
	start := time.Now()

	own, err := transport.Scatter(ctx, e.transport, grid, bands)
	if err != nil {
		return fmt.Errorf("failed to scatter bands: %w", err)
	}

	ownCore, err := e.filter(splitter, own)
	if err != nil {
		return err
	}

	slices, err := transport.Gather(ctx, e.transport, bands, grid.Width)
	if err != nil {
		return fmt.Errorf("failed to gather results: %w", err)
	}
	slices[0] = ownCore

	out := models.NewGrid(grid.Width, grid.Height)
	if err := assembly.Assemble(out, bands, slices); err != nil {
		return fmt.Errorf("failed to assemble output: %w", err)
	}
	elapsed := time.Since(start)
	e.logger.Printf("assembled %d bands in %v", len(bands), elapsed)

	if e.params.OutputPath != "" {
		if err := imageio.Save(out, e.params.OutputPath); err != nil {
			return err
		}
		e.logger.Printf("edge map saved to %s", e.params.OutputPath)
	}

	e.result = out
	e.metrics = calculateMetrics(out, e.params.EdgeThreshold)
	e.metrics.Procs = workers
	e.metrics.Threads = splitter.Threads()
	e.metrics.Elapsed = elapsed
	return nil
}

// prepare does every check that can fail before a message is sent.
func (e *Engine) prepare(workers int) (*models.Grid, *filter.Splitter, []models.Band, error) {
	grid := e.params.Input
	if grid == nil {
		var err error
		if grid, err = imageio.Load(e.params.InputPath); err != nil {
			return nil, nil, nil, err
		}
	}

	bands, err := partition.ComputeBands(grid.Height, workers)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := partition.Validate(bands, grid.Height); err != nil {
		return nil, nil, nil, err
	}

	splitter, err := filter.NewSplitter(e.kernel, e.params.Threads)
	if err != nil {
		return nil, nil, nil, err
	}
	return grid, splitter, bands, nil
}

func (e *Engine) work(ctx context.Context) error {
	splitter, err := filter.NewSplitter(e.kernel, e.params.Threads)
	if err != nil {
		return err
	}
	defer splitter.Close()

	a, err := transport.ReceiveAssignment(ctx, e.transport)
	if errors.Is(err, transport.ErrAborted) {
		e.logger.Printf("coordinator aborted the run")
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to receive assignment: %w", err)
	}
	e.logger.Printf("received %d rows (+%d/%d halo) of width %d", a.BandHeight, a.Halo.TopRows, a.Halo.BottomRows, a.Width)

	core, err := e.filter(splitter, a)
	if err != nil {
		return err
	}
	if err := transport.SendResult(ctx, e.transport, a, core); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}
	return nil
}

func (e *Engine) filter(s *filter.Splitter, a *models.Assignment) ([]uint8, error) {
	filtered, err := s.RunFiltered(a.Pixels, a.Width, a.LocalHeight(), a.Halo.TopRows, a.BandHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to filter band: %w", err)
	}
	return a.Core(filtered), nil
}

// GetMetrics returns the metrics of a completed coordinator run.
func (e *Engine) GetMetrics() Metrics {
	return e.metrics
}

// Result returns the assembled edge map of a completed coordinator run, or nil
// on workers.
func (e *Engine) Result() *models.Grid {
	return e.result
}
