// Package partition decomposes an image into contiguous row bands, one per
// usable rank, and computes the halo rows each band needs for the stencil.
package partition

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/samber/lo"

	"logedges/internal/models"
	"logedges/pkg/kernel"
)

// ErrInvalidPartition is returned when the rows cannot be split into the
// requested number of non-empty bands.
var ErrInvalidPartition = errors.New("invalid partition")

// NormalizeWorkers returns the largest power of two not greater than p.
// Ranks at or above the result take no part in the run.
func NormalizeWorkers(p int) (int, error) {
	if p < 1 {
		return 0, fmt.Errorf("%w: %d processes", ErrInvalidPartition, p)
	}
	return 1 << (bits.Len(uint(p)) - 1), nil
}

// ComputeBands splits height rows into workers bands in rank order. The first
// height%workers bands get one extra row, so every row belongs to exactly one
// band. Halos are Radius rows except at the image edges, where they are clipped
// to the rows that exist.
func ComputeBands(height, workers int) ([]models.Band, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: %d workers", ErrInvalidPartition, workers)
	}
	if height < workers {
		return nil, fmt.Errorf("%w: %d rows cannot feed %d workers", ErrInvalidPartition, height, workers)
	}

	base := height / workers
	extra := height % workers

	bands := make([]models.Band, workers)
	start := 0
	for rank := range bands {
		rows := base
		if rank < extra {
			rows++
		}
		bands[rank] = models.Band{
			Rank:     rank,
			StartRow: start,
			RowCount: rows,
			Halo: models.Halo{
				TopRows:    min(kernel.Radius, start),
				BottomRows: min(kernel.Radius, height-(start+rows)),
			},
		}
		start += rows
	}
	return bands, nil
}

// Validate checks that bands cover [0, height) exactly once in rank order and
// that every halo stays inside the image.
func Validate(bands []models.Band, height int) error {
	if len(bands) == 0 {
		return fmt.Errorf("%w: no bands", ErrInvalidPartition)
	}

	next := 0
	for i, b := range bands {
		if b.Rank != i {
			return fmt.Errorf("%w: band %d has rank %d", ErrInvalidPartition, i, b.Rank)
		}
		if b.StartRow != next {
			return fmt.Errorf("%w: band %d starts at row %d, want %d", ErrInvalidPartition, i, b.StartRow, next)
		}
		if b.RowCount < 1 {
			return fmt.Errorf("%w: band %d is empty", ErrInvalidPartition, i)
		}
		if b.StartRow-b.Halo.TopRows < 0 || b.EndRow()+b.Halo.BottomRows > height {
			return fmt.Errorf("%w: band %d halo leaves the image", ErrInvalidPartition, i)
		}
		next = b.EndRow()
	}

	total := lo.SumBy(bands, func(b models.Band) int { return b.RowCount })
	if total != height {
		return fmt.Errorf("%w: bands cover %d rows, image has %d", ErrInvalidPartition, total, height)
	}
	return nil
}
