package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logedges/pkg/kernel"
)

func pattern(w, h int) []uint8 {
	buf := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf[y*w+x] = uint8((x*x*7 + y*31 + x*y) % 256)
		}
	}
	return buf
}

func TestColumnRanges(t *testing.T) {
	got, err := ColumnRanges(10, 4)
	require.NoError(t, err)
	want := []Range{{0, 2}, {2, 4}, {4, 6}, {6, 10}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ColumnRanges mismatch (-want +got):\n%s", diff)
	}

	// more threads than columns leaves leading ranges empty
	got, err = ColumnRanges(3, 4)
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 0}, {0, 0}, {0, 0}, {0, 3}}, got)

	_, err = ColumnRanges(10, 0)
	assert.ErrorIs(t, err, ErrInvalidThreadCount)
}

// TestColumnRangesCover checks that ranges are disjoint and cover every column
func TestColumnRangesCover(t *testing.T) {
	for w := 0; w < 40; w++ {
		for threads := 1; threads <= 9; threads++ {
			ranges, err := ColumnRanges(w, threads)
			require.NoError(t, err)
			next := 0
			for _, r := range ranges {
				assert.Equal(t, next, r.Start, "w=%d threads=%d", w, threads)
				assert.LessOrEqual(t, r.Start, r.End)
				next = r.End
			}
			assert.Equal(t, w, next, "w=%d threads=%d", w, threads)
		}
	}
}

func TestRunFilteredMatchesSequential(t *testing.T) {
	w, h := 17, 11
	buf := pattern(w, h)
	k := kernel.New(kernel.Skip)

	want := make([]uint8, w*h)
	copy(want, buf)
	require.NoError(t, k.ApplyRange(buf, want, w, h, 0, w, 0, h))

	for _, threads := range []int{1, 2, 4, 7, 32} {
		got, err := RunFiltered(k, buf, w, h, 0, h, threads)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("threads=%d mismatch (-want +got):\n%s", threads, diff)
		}
	}
}

// TestRunFilteredKeepsHalo verifies that halo rows are read but never rewritten
// and that the input buffer is left untouched
func TestRunFilteredKeepsHalo(t *testing.T) {
	w, h := 8, 9
	buf := pattern(w, h)
	before := append([]uint8(nil), buf...)
	k := kernel.New(kernel.Skip)

	got, err := RunFiltered(k, buf, w, h, 2, 5, 4)
	require.NoError(t, err)

	assert.Equal(t, before, buf, "input buffer modified")
	assert.Equal(t, buf[:2*w], got[:2*w], "top halo rewritten")
	assert.Equal(t, buf[7*w:], got[7*w:], "bottom halo rewritten")

	for y := 2; y < 7; y++ {
		for x := 0; x < w; x++ {
			want, err := k.Apply(buf, w, h, x, y)
			require.NoError(t, err)
			assert.Equal(t, want, got[y*w+x], "pixel (%d,%d)", x, y)
		}
	}
}

func TestSplitterReuse(t *testing.T) {
	s, err := NewSplitter(kernel.New(kernel.ClampToEdge), 3)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 3, s.Threads())

	buf := pattern(12, 6)
	first, err := s.RunFiltered(buf, 12, 6, 0, 6)
	require.NoError(t, err)
	second, err := s.RunFiltered(buf, 12, 6, 0, 6)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRunFilteredErrors(t *testing.T) {
	k := kernel.New(kernel.Skip)
	buf := pattern(4, 4)

	_, err := RunFiltered(k, buf, 4, 4, 0, 4, 0)
	assert.ErrorIs(t, err, ErrInvalidThreadCount)

	_, err = NewSplitter(k, -1)
	assert.ErrorIs(t, err, ErrInvalidThreadCount)

	_, err = RunFiltered(k, buf, 4, 4, 2, 3, 2)
	assert.ErrorIs(t, err, kernel.ErrOutOfRange)

	_, err = RunFiltered(k, buf[:8], 4, 4, 0, 4, 2)
	assert.ErrorIs(t, err, kernel.ErrOutOfRange)
}
