package transport

import (
	"context"
	"fmt"

	"logedges/internal/models"
	"logedges/pkg/kernel"
)

// Scatter ships every worker band (rank >= 1) with its halo rows: four control
// scalars followed by one bulk pixel block. Rank 0's own assignment is copied
// locally and returned without touching the network.
func Scatter(ctx context.Context, t Transport, grid *models.Grid, bands []models.Band) (*models.Assignment, error) {
	if t.Rank() != 0 {
		return nil, transportErr("scatter called on rank %d", t.Rank())
	}
	if len(bands) == 0 || len(bands) > t.Size() {
		return nil, transportErr("%d bands for a job of size %d", len(bands), t.Size())
	}

	for _, b := range bands[1:] {
		pixels, err := localRows(grid, b)
		if err != nil {
			return nil, fmt.Errorf("%w: band %d: %w", ErrTransport, b.Rank, err)
		}

		scalars := []struct {
			tag   Tag
			value int
		}{
			{TagWidth, grid.Width},
			{TagBandHeight, b.RowCount},
			{TagTopHalo, b.Halo.TopRows},
			{TagBottomHalo, b.Halo.BottomRows},
		}
		for _, s := range scalars {
			if err := t.Send(ctx, b.Rank, s.tag, encodeScalar(s.value)); err != nil {
				return nil, err
			}
		}
		if err := t.Send(ctx, b.Rank, TagPixels, pixels); err != nil {
			return nil, err
		}
	}

	own := bands[0]
	pixels, err := localRows(grid, own)
	if err != nil {
		return nil, fmt.Errorf("%w: band 0: %w", ErrTransport, err)
	}
	return &models.Assignment{
		Width:      grid.Width,
		BandHeight: own.RowCount,
		Halo:       own.Halo,
		Pixels:     pixels,
	}, nil
}

// localRows copies a band's local buffer: its core rows and both halos.
func localRows(grid *models.Grid, b models.Band) ([]uint8, error) {
	first := b.StartRow - b.Halo.TopRows
	return grid.Rows(first, first+b.LocalHeight())
}

// ReceiveAssignment blocks until rank 0 has sent this worker its band. It
// returns ErrAborted if the coordinator cancelled the run instead.
func ReceiveAssignment(ctx context.Context, t Transport) (*models.Assignment, error) {
	first, err := t.Recv(ctx, 0, TagWidth, TagAbort)
	if err != nil {
		return nil, err
	}
	if first.Tag == TagAbort {
		return nil, ErrAborted
	}

	a := &models.Assignment{}
	if a.Width, err = decodeScalar(first); err != nil {
		return nil, err
	}
	for _, field := range []struct {
		tag Tag
		dst *int
	}{
		{TagBandHeight, &a.BandHeight},
		{TagTopHalo, &a.Halo.TopRows},
		{TagBottomHalo, &a.Halo.BottomRows},
	} {
		msg, err := t.Recv(ctx, 0, field.tag)
		if err != nil {
			return nil, err
		}
		if *field.dst, err = decodeScalar(msg); err != nil {
			return nil, err
		}
	}

	if a.Width < 1 || a.BandHeight < 1 ||
		a.Halo.TopRows < 0 || a.Halo.TopRows > kernel.Radius ||
		a.Halo.BottomRows < 0 || a.Halo.BottomRows > kernel.Radius {
		return nil, transportErr("malformed assignment: width %d, band height %d, halo %d/%d",
			a.Width, a.BandHeight, a.Halo.TopRows, a.Halo.BottomRows)
	}

	msg, err := t.Recv(ctx, 0, TagPixels)
	if err != nil {
		return nil, err
	}
	if want := a.Width * a.LocalHeight(); len(msg.Payload) != want {
		return nil, transportErr("pixel block of %d bytes, expected %d", len(msg.Payload), want)
	}
	a.Pixels = msg.Payload
	return a, nil
}

// SendResult returns a worker's filtered core rows to rank 0. The payload
// carries the sender's rank and geometry explicitly.
func SendResult(ctx context.Context, t Transport, a *models.Assignment, core []uint8) error {
	if len(core) != a.BandHeight*a.Width {
		return transportErr("core slice of %d pixels, band is %dx%d", len(core), a.Width, a.BandHeight)
	}
	return t.Send(ctx, 0, TagResult, encodeResult(t.Rank(), a.BandHeight, a.Width, core))
}

// Gather collects exactly one result from every worker band. Replies may arrive
// in any order; each is placed by the rank in its header, which must agree with
// the connection it came from. The returned slice is indexed by rank and leaves
// index 0 to the caller.
func Gather(ctx context.Context, t Transport, bands []models.Band, width int) ([][]uint8, error) {
	if t.Rank() != 0 {
		return nil, transportErr("gather called on rank %d", t.Rank())
	}

	slices := make([][]uint8, len(bands))
	for range len(bands) - 1 {
		msg, err := t.Recv(ctx, AnySource, TagResult)
		if err != nil {
			return nil, err
		}

		rank, rows, w, core, err := decodeResult(msg.Payload)
		if err != nil {
			return nil, err
		}
		switch {
		case rank != msg.Source:
			return nil, transportErr("result tagged rank %d arrived from rank %d", rank, msg.Source)
		case rank < 1 || rank >= len(bands):
			return nil, transportErr("result from rank %d, which holds no band", rank)
		case slices[rank] != nil:
			return nil, transportErr("second result from rank %d", rank)
		case rows != bands[rank].RowCount || w != width:
			return nil, transportErr("rank %d returned %dx%d, band is %dx%d", rank, w, rows, width, bands[rank].RowCount)
		}
		slices[rank] = core
	}
	return slices, nil
}

// Abort tells workers [1, workers) to exit without doing any work.
func Abort(ctx context.Context, t Transport, workers int) error {
	for rank := 1; rank < workers; rank++ {
		if err := t.Send(ctx, rank, TagAbort, nil); err != nil {
			return err
		}
	}
	return nil
}
