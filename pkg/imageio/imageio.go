// Package imageio converts between image files and grayscale grids.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"logedges/internal/models"
)

// ErrInputNotFound is returned when the input image cannot be opened.
var ErrInputNotFound = errors.New("image not found")

// CheckReadable verifies that path names a readable regular file without
// decoding it.
func CheckReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: '%s'", ErrInputNotFound, path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: '%s'", ErrInputNotFound, path)
	}
	return nil
}

// Load decodes the image at path and converts it to grayscale.
func Load(path string) (*models.Grid, error) {
	if err := CheckReadable(path); err != nil {
		return nil, err
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// FromImage converts any image to a grid using the luminance of each pixel.
func FromImage(img image.Image) *models.Grid {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()

	grid := models.NewGrid(bounds.Dx(), bounds.Dy())
	for y := 0; y < grid.Height; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < grid.Width; x++ {
			// R, G and B are equal after Grayscale
			grid.Pix[y*grid.Width+x] = row[x*4]
		}
	}
	return grid
}

// ToImage wraps a copy of the grid as an 8-bit grayscale image.
func ToImage(grid *models.Grid) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, grid.Width, grid.Height))
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: grid.At(x, y)})
		}
	}
	return img
}

// Save writes the grid to path; the format follows the file extension.
func Save(grid *models.Grid, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := imaging.Save(ToImage(grid), path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
