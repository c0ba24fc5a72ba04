package engine

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"logedges/internal/models"
)

// Metrics summarises a completed run.
type Metrics struct {
	// Width and Height of the processed image
	Width, Height int

	// Procs is the number of ranks that took part (a power of two)
	Procs int

	// Threads is the number of filtering tasks per rank
	Threads int

	// Mean and StdDev of the output intensities
	Mean   float64
	StdDev float64

	// EdgeFraction is the share of output pixels at or above the edge threshold
	EdgeFraction float64

	// Elapsed covers scatter, filtering, gather and assembly
	Elapsed time.Duration
}

func calculateMetrics(grid *models.Grid, threshold int) Metrics {
	m := Metrics{Width: grid.Width, Height: grid.Height}
	if len(grid.Pix) == 0 {
		return m
	}

	values := make([]float64, len(grid.Pix))
	edges := 0
	for i, v := range grid.Pix {
		values[i] = float64(v)
		if int(v) >= threshold {
			edges++
		}
	}

	m.Mean, m.StdDev = stat.MeanStdDev(values, nil)
	m.EdgeFraction = float64(edges) / float64(len(values))
	return m
}
