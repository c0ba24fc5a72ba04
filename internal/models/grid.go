package models

import "fmt"

// Grid represents a grayscale image as rows of 0-255 intensities
type Grid struct {
	// Pix holds the intensities in row-major order, len(Pix) == Width*Height
	Pix []uint8

	// Width is the number of columns
	Width int

	// Height is the number of rows
	Height int
}

// NewGrid allocates a zeroed grid
func NewGrid(width, height int) *Grid {
	return &Grid{
		Pix:    make([]uint8, width*height),
		Width:  width,
		Height: height,
	}
}

// At returns the intensity at column x, row y
func (g *Grid) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// Set stores the intensity at column x, row y
func (g *Grid) Set(x, y int, v uint8) {
	g.Pix[y*g.Width+x] = v
}

// Clone returns a deep copy of the grid
func (g *Grid) Clone() *Grid {
	c := &Grid{
		Pix:    make([]uint8, len(g.Pix)),
		Width:  g.Width,
		Height: g.Height,
	}
	copy(c.Pix, g.Pix)
	return c
}

// Rows returns a copy of rows [start, end). The copy never aliases the grid,
// so the result can be handed to another rank.
func (g *Grid) Rows(start, end int) ([]uint8, error) {
	if start < 0 || end > g.Height || start > end {
		return nil, fmt.Errorf("row range [%d, %d) outside grid of height %d", start, end, g.Height)
	}
	out := make([]uint8, (end-start)*g.Width)
	copy(out, g.Pix[start*g.Width:end*g.Width])
	return out, nil
}

// Band is the set of output rows a single rank is responsible for
type Band struct {
	// Rank is the identifier of the rank producing this band
	Rank int

	// StartRow is the first row of the band in the full grid
	StartRow int

	// RowCount is the number of rows in the band
	RowCount int

	// Halo holds the context rows shipped with the band
	Halo Halo
}

// EndRow returns the first row after the band
func (b Band) EndRow() int {
	return b.StartRow + b.RowCount
}

// LocalHeight returns the height of the band's local buffer including halo rows
func (b Band) LocalHeight() int {
	return b.Halo.TopRows + b.RowCount + b.Halo.BottomRows
}

// Halo describes the read-only context rows above and below a band
type Halo struct {
	TopRows    int
	BottomRows int
}

// Assignment is what a rank receives before filtering: its band geometry and a
// local buffer of LocalHeight() rows
type Assignment struct {
	// Width of every row in Pixels
	Width int

	// BandHeight is the number of core rows the rank must produce
	BandHeight int

	// Halo is the number of context rows above and below the core rows
	Halo Halo

	// Pixels is the local buffer, row-major, halo rows included
	Pixels []uint8
}

// LocalHeight returns the height of the assignment's local buffer
func (a *Assignment) LocalHeight() int {
	return a.Halo.TopRows + a.BandHeight + a.Halo.BottomRows
}

// Core returns a copy of the core (non-halo) rows of buf, which must have the
// assignment's geometry
func (a *Assignment) Core(buf []uint8) []uint8 {
	start := a.Halo.TopRows * a.Width
	out := make([]uint8, a.BandHeight*a.Width)
	copy(out, buf[start:start+len(out)])
	return out
}
