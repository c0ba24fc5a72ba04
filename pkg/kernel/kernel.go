// Package kernel implements the fixed 5x5 Laplacian-of-Gaussian stencil and the
// boundary policies used when a pixel's neighbourhood leaves the buffer.
package kernel

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Radius is the stencil radius: a pixel reads Radius rows and columns on each side.
const Radius = 2

// Size is the side length of the stencil.
const Size = 2*Radius + 1

// ErrOutOfRange is returned when a target pixel lies outside the buffer or the
// buffer is smaller than its declared extents.
var ErrOutOfRange = errors.New("pixel outside buffer")

// logWeights is a discrete Laplacian of Gaussian with unit DC gain. Every
// in-bounds sub-rectangle containing the centre has a positive weight sum, so
// skip-and-renormalize never divides by zero on real neighbourhoods.
var logWeights = [Size][Size]int{
	{0, 0, -1, 0, 0},
	{0, -1, -2, -1, 0},
	{-1, -2, 17, -2, -1},
	{0, -1, -2, -1, 0},
	{0, 0, -1, 0, 0},
}

// Policy selects how neighbours outside the buffer are treated.
type Policy int

const (
	// Skip ignores out-of-bounds neighbours and divides by the sum of the
	// weights actually used.
	Skip Policy = iota

	// ClampToEdge replaces out-of-bounds neighbours with the nearest edge
	// pixel and divides by the full kernel sum.
	ClampToEdge
)

func (p Policy) String() string {
	switch p {
	case Skip:
		return "skip"
	case ClampToEdge:
		return "clamp"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return Skip, nil
	case "clamp", "clamp-to-edge", "clamptoedge":
		return ClampToEdge, nil
	default:
		return Skip, fmt.Errorf("unknown boundary policy %q (must be skip or clamp)", s)
	}
}

// Kernel applies the LoG stencil under a fixed boundary policy. It holds no
// mutable state and is safe for concurrent use.
type Kernel struct {
	weights [Size][Size]int
	total   int
	policy  Policy
}

// logMatrix holds logWeights as a matrix, row index = y offset.
var logMatrix = weightMatrix(logWeights)

func weightMatrix(weights [Size][Size]int) *mat.Dense {
	data := make([]float64, 0, Size*Size)
	for _, row := range weights {
		for _, w := range row {
			data = append(data, float64(w))
		}
	}
	return mat.NewDense(Size, Size, data)
}

// New returns the LoG kernel with the given boundary policy.
func New(policy Policy) *Kernel {
	// weights are applied unflipped, which is a convolution only when symmetric
	if !mat.Equal(logMatrix, logMatrix.T()) {
		panic("kernel: LoG weights are not symmetric")
	}
	return &Kernel{
		weights: logWeights,
		total:   int(math.Round(mat.Sum(logMatrix))),
		policy:  policy,
	}
}

// Policy returns the boundary policy of the kernel.
func (k *Kernel) Policy() Policy {
	return k.policy
}

// Sum returns the total weight of the full stencil.
func (k *Kernel) Sum() int {
	return k.total
}

// Matrix returns a copy of the stencil weights, row index = y offset.
func (k *Kernel) Matrix() *mat.Dense {
	return weightMatrix(k.weights)
}

// Apply computes the filtered intensity of pixel (x, y) in a row-major buffer
// of width w and height h.
func (k *Kernel) Apply(buf []uint8, w, h, x, y int) (uint8, error) {
	if err := checkExtents(buf, w, h); err != nil {
		return 0, err
	}
	if x < 0 || x >= w || y < 0 || y >= h {
		return 0, fmt.Errorf("%w: (%d, %d) not in %dx%d", ErrOutOfRange, x, y, w, h)
	}
	return k.apply(buf, w, h, x, y), nil
}

// ApplyRange filters every pixel with x in [x0, x1) and y in [y0, y1), reading
// from src and writing the results into dst at the same positions. src and dst
// share the geometry w x h and must not overlap.
func (k *Kernel) ApplyRange(src, dst []uint8, w, h, x0, x1, y0, y1 int) error {
	if err := checkExtents(src, w, h); err != nil {
		return err
	}
	if len(dst) < w*h {
		return fmt.Errorf("%w: destination holds %d pixels, need %d", ErrOutOfRange, len(dst), w*h)
	}
	if x0 < 0 || x1 > w || x0 > x1 || y0 < 0 || y1 > h || y0 > y1 {
		return fmt.Errorf("%w: range [%d,%d)x[%d,%d) not in %dx%d", ErrOutOfRange, x0, x1, y0, y1, w, h)
	}
	for x := x0; x < x1; x++ {
		for y := y0; y < y1; y++ {
			dst[y*w+x] = k.apply(src, w, h, x, y)
		}
	}
	return nil
}

func (k *Kernel) apply(buf []uint8, w, h, x, y int) uint8 {
	sum, amount := 0, 0

	for j := 0; j < Size; j++ {
		ty := y + j - Radius
		if k.policy == ClampToEdge {
			ty = clamp(ty, 0, h-1)
		} else if ty < 0 || ty >= h {
			continue
		}

		for i := 0; i < Size; i++ {
			tx := x + i - Radius
			if k.policy == ClampToEdge {
				tx = clamp(tx, 0, w-1)
			} else if tx < 0 || tx >= w {
				continue
			}

			weight := k.weights[j][i]
			sum += weight * int(buf[ty*w+tx])
			amount += weight
		}
	}

	// every neighbour is read under ClampToEdge, so the full sum applies
	if k.policy == ClampToEdge {
		amount = k.total
	}
	if amount != 0 {
		sum /= amount
	}
	return uint8(clamp(sum, 0, 255))
}

func checkExtents(buf []uint8, w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: empty buffer %dx%d", ErrOutOfRange, w, h)
	}
	if len(buf) < w*h {
		return fmt.Errorf("%w: buffer holds %d pixels, need %d", ErrOutOfRange, len(buf), w*h)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
