// Package filter tiles a rank's local buffer into column ranges and convolves
// them concurrently on a worker pool.
package filter

import (
	"errors"
	"fmt"

	"logedges/pkg/kernel"
	"logedges/pkg/workerpool"
)

// ErrInvalidThreadCount is returned when fewer than one thread is requested.
var ErrInvalidThreadCount = errors.New("invalid thread count")

// Range is a half-open column interval [Start, End).
type Range struct {
	Start, End int
}

// ColumnRanges splits [0, width) into threads contiguous ranges of width/threads
// columns each; the last range absorbs the remainder. Ranges may be empty when
// threads exceeds width.
func ColumnRanges(width, threads int) ([]Range, error) {
	if threads < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreadCount, threads)
	}
	if width < 0 {
		return nil, fmt.Errorf("negative width %d", width)
	}

	base := width / threads
	ranges := make([]Range, threads)
	for i := range ranges {
		ranges[i] = Range{Start: i * base, End: (i + 1) * base}
	}
	ranges[threads-1].End = width
	return ranges, nil
}

// Splitter owns a worker pool sized to its thread count and reuses it across
// calls to RunFiltered.
type Splitter struct {
	kernel  *kernel.Kernel
	pool    *workerpool.Pool
	threads int
}

// NewSplitter creates a splitter running threads tasks per pass.
func NewSplitter(k *kernel.Kernel, threads int) (*Splitter, error) {
	if threads < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreadCount, threads)
	}
	return &Splitter{
		kernel:  k,
		pool:    workerpool.New(threads),
		threads: threads,
	}, nil
}

// Threads returns the number of tasks per pass.
func (s *Splitter) Threads() int {
	return s.threads
}

// Close releases the worker pool.
func (s *Splitter) Close() {
	s.pool.Close()
}

// RunFiltered convolves rows [topRows, topRows+rowCount) of a w x localH buffer
// and returns a new buffer of the same geometry. Halo rows are read but copied
// through unchanged. The input buffer is never modified.
func (s *Splitter) RunFiltered(buf []uint8, w, localH, topRows, rowCount int) ([]uint8, error) {
	if w <= 0 || localH <= 0 || len(buf) < w*localH {
		return nil, fmt.Errorf("%w: buffer of %d pixels for %dx%d", kernel.ErrOutOfRange, len(buf), w, localH)
	}
	if topRows < 0 || rowCount < 0 || topRows+rowCount > localH {
		return nil, fmt.Errorf("%w: rows [%d, %d) outside local height %d",
			kernel.ErrOutOfRange, topRows, topRows+rowCount, localH)
	}

	ranges, err := ColumnRanges(w, s.threads)
	if err != nil {
		return nil, err
	}

	orig := make([]uint8, w*localH)
	copy(orig, buf[:w*localH])
	out := make([]uint8, w*localH)
	copy(out, orig)

	// each task writes only its own columns of out
	errs := make([]error, len(ranges))
	tasks := make([]func(), 0, len(ranges))
	for i, r := range ranges {
		if r.Start == r.End {
			continue
		}
		tasks = append(tasks, func() {
			errs[i] = s.kernel.ApplyRange(orig, out, w, localH, r.Start, r.End, topRows, topRows+rowCount)
		})
	}
	s.pool.Run(tasks)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// RunFiltered is a one-shot form of Splitter.RunFiltered using a temporary pool.
func RunFiltered(k *kernel.Kernel, buf []uint8, w, localH, topRows, rowCount, threads int) ([]uint8, error) {
	s, err := NewSplitter(k, threads)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.RunFiltered(buf, w, localH, topRows, rowCount)
}
