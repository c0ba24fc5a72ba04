package partition

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logedges/internal/models"
	"logedges/pkg/kernel"
)

func TestNormalizeWorkers(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 4, 5: 4, 7: 4, 8: 8, 9: 8, 15: 8, 16: 16, 100: 64}
	for p, want := range cases {
		got, err := NormalizeWorkers(p)
		require.NoError(t, err)
		assert.Equal(t, want, got, "p=%d", p)
	}

	_, err := NormalizeWorkers(0)
	assert.ErrorIs(t, err, ErrInvalidPartition)
}

func TestComputeBandsRemainder(t *testing.T) {
	bands, err := ComputeBands(10, 4)
	require.NoError(t, err)

	want := []models.Band{
		{Rank: 0, StartRow: 0, RowCount: 3, Halo: models.Halo{TopRows: 0, BottomRows: 2}},
		{Rank: 1, StartRow: 3, RowCount: 3, Halo: models.Halo{TopRows: 2, BottomRows: 2}},
		{Rank: 2, StartRow: 6, RowCount: 2, Halo: models.Halo{TopRows: 2, BottomRows: 2}},
		{Rank: 3, StartRow: 8, RowCount: 2, Halo: models.Halo{TopRows: 2, BottomRows: 0}},
	}
	if diff := cmp.Diff(want, bands); diff != "" {
		t.Errorf("ComputeBands mismatch (-want +got):\n%s", diff)
	}
}

// TestComputeBandsCoverage verifies that for every H >= p' >= 1 the bands tile
// [0, H) exactly once
func TestComputeBandsCoverage(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8, 16} {
		for height := workers; height <= 70; height++ {
			bands, err := ComputeBands(height, workers)
			require.NoError(t, err, "H=%d p=%d", height, workers)
			require.Len(t, bands, workers)
			assert.NoError(t, Validate(bands, height), "H=%d p=%d", height, workers)

			covered := make([]int, height)
			for _, b := range bands {
				for y := b.StartRow; y < b.EndRow(); y++ {
					covered[y]++
				}
			}
			for y, n := range covered {
				if n != 1 {
					t.Fatalf("H=%d p=%d: row %d covered %d times", height, workers, y, n)
				}
			}
		}
	}
}

// TestHaloExtents verifies halos are zero exactly at the global edges and the
// kernel radius elsewhere whenever every band has at least Radius rows
func TestHaloExtents(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8} {
		for height := workers * kernel.Radius; height <= 64; height++ {
			bands, err := ComputeBands(height, workers)
			require.NoError(t, err)
			for i, b := range bands {
				wantTop, wantBottom := kernel.Radius, kernel.Radius
				if i == 0 {
					wantTop = 0
				}
				if i == len(bands)-1 {
					wantBottom = 0
				}
				assert.Equal(t, wantTop, b.Halo.TopRows, "H=%d p=%d band %d", height, workers, i)
				assert.Equal(t, wantBottom, b.Halo.BottomRows, "H=%d p=%d band %d", height, workers, i)
				assert.Equal(t, b.Halo.TopRows+b.RowCount+b.Halo.BottomRows, b.LocalHeight())
			}
		}
	}
}

func TestHaloClippedForThinBands(t *testing.T) {
	bands, err := ComputeBands(4, 4)
	require.NoError(t, err)
	assert.Equal(t, models.Halo{TopRows: 1, BottomRows: 2}, bands[1].Halo)
	assert.Equal(t, models.Halo{TopRows: 2, BottomRows: 1}, bands[2].Halo)
	assert.NoError(t, Validate(bands, 4))
}

func TestComputeBandsErrors(t *testing.T) {
	_, err := ComputeBands(3, 4)
	assert.ErrorIs(t, err, ErrInvalidPartition)

	_, err = ComputeBands(10, 0)
	assert.ErrorIs(t, err, ErrInvalidPartition)
}

func TestValidateRejects(t *testing.T) {
	bands, err := ComputeBands(12, 2)
	require.NoError(t, err)

	gap := append([]models.Band(nil), bands...)
	gap[1].StartRow++
	assert.ErrorIs(t, Validate(gap, 12), ErrInvalidPartition)

	short := append([]models.Band(nil), bands...)
	short[1].RowCount--
	short[1].Halo.BottomRows = 0
	assert.ErrorIs(t, Validate(short, 12), ErrInvalidPartition)

	swapped := []models.Band{bands[1], bands[0]}
	assert.ErrorIs(t, Validate(swapped, 12), ErrInvalidPartition)

	assert.ErrorIs(t, Validate(nil, 12), ErrInvalidPartition)
}
