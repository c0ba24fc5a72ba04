package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logedges/internal/models"
)

func TestSaveLoadPNG(t *testing.T) {
	grid := models.NewGrid(7, 5)
	for i := range grid.Pix {
		grid.Pix[i] = uint8(i * 9)
	}

	path := filepath.Join(t.TempDir(), "out", "edges.png")
	require.NoError(t, Save(grid, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, grid.Width, loaded.Width)
	assert.Equal(t, grid.Height, loaded.Height)
	assert.Equal(t, grid.Pix, loaded.Pix)
}

func TestFromImageColor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	img.Set(1, 0, color.NRGBA{A: 255})

	grid := FromImage(img)
	assert.Equal(t, uint8(255), grid.At(0, 0))
	assert.Equal(t, uint8(0), grid.At(1, 0))
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.png"))
	assert.ErrorIs(t, err, ErrInputNotFound)

	assert.ErrorIs(t, CheckReadable(t.TempDir()), ErrInputNotFound)
}
