// Package assembly reinserts each rank's filtered core rows into the full grid.
package assembly

import (
	"fmt"

	"logedges/internal/models"
)

// Assemble copies slices[k], the RowCount x Width core rows of bands[k], into
// grid at [StartRow, StartRow+RowCount) for every band in rank order. Each row of
// grid is written exactly once when bands form a valid partition.
func Assemble(grid *models.Grid, bands []models.Band, slices [][]uint8) error {
	if len(slices) != len(bands) {
		return fmt.Errorf("have %d slices for %d bands", len(slices), len(bands))
	}

	for i, b := range bands {
		core := slices[i]
		if core == nil {
			return fmt.Errorf("band %d has no result", b.Rank)
		}
		if len(core) != b.RowCount*grid.Width {
			return fmt.Errorf("band %d result holds %d pixels, want %d", b.Rank, len(core), b.RowCount*grid.Width)
		}
		if b.StartRow < 0 || b.EndRow() > grid.Height {
			return fmt.Errorf("band %d rows [%d, %d) outside grid of height %d", b.Rank, b.StartRow, b.EndRow(), grid.Height)
		}
		copy(grid.Pix[b.StartRow*grid.Width:b.EndRow()*grid.Width], core)
	}
	return nil
}
