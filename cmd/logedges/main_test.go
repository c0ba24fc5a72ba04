package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logedges/internal/models"
	"logedges/pkg/config"
	"logedges/pkg/engine"
	"logedges/pkg/imageio"
	"logedges/pkg/kernel"
	"logedges/pkg/launch"
)

func writeTestImage(t *testing.T, dir string) (string, *models.Grid) {
	t.Helper()
	grid := models.NewGrid(24, 18)
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			if x >= 8 && x < 16 && y >= 6 && y < 12 {
				grid.Set(x, y, 220)
			} else {
				grid.Set(x, y, 30)
			}
		}
	}
	path := filepath.Join(dir, "input.png")
	require.NoError(t, imageio.Save(grid, path))
	return path, grid
}

func TestRunWrongArgumentCount(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "edges.png")

	for _, args := range [][]string{
		{"run", "--output", output},
		{"run", "--output", output, "a.png", "b.png"},
	} {
		var stdout, stderr bytes.Buffer
		err := execute(context.Background(), args, &stdout, &stderr)
		assert.ErrorIs(t, err, ErrUsage)
		assert.Contains(t, stderr.String(), "Usage:")

		_, statErr := os.Stat(output)
		assert.True(t, os.IsNotExist(statErr), "no output may be written")
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), []string{"run", "--no-such-flag", "in.png"}, &stdout, &stderr)
	assert.ErrorIs(t, err, ErrUsage)
}

func TestRunInvalidBoundary(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), []string{"run", "--boundary", "wrap", "in.png"}, &stdout, &stderr)
	assert.ErrorIs(t, err, ErrUsage)
}

func TestRunMissingInput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "edges.png")

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(),
		[]string{"run", "--quiet", "--procs", "2", "--output", output, filepath.Join(dir, "missing.png")},
		&stdout, &stderr)
	assert.ErrorIs(t, err, imageio.ErrInputNotFound)

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunInProcess(t *testing.T) {
	dir := t.TempDir()
	input, grid := writeTestImage(t, dir)
	output := filepath.Join(dir, "out", "edges.png")

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(),
		[]string{"run", "--procs", "4", "--threads", "3", "--boundary", "clamp", "--output", output, input},
		&stdout, &stderr)
	require.NoError(t, err)

	assert.Contains(t, stdout.String(), "Used 4 ranks with 3 threads each")
	assert.Contains(t, stderr.String(), "rank 0: ")

	written, err := imageio.Load(output)
	require.NoError(t, err)
	want, err := engine.Reference(grid, kernel.ClampToEdge)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, written.Pix)
}

func TestRunWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	input, grid := writeTestImage(t, dir)
	output := filepath.Join(dir, "from-config.png")

	cfg := config.DefaultConfig()
	cfg.Processing.Procs = 2
	cfg.Processing.Threads = 1
	cfg.Output.Path = output
	cfg.Output.Verbose = false
	cfgPath := filepath.Join(dir, "logedges.yaml")
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	var stdout, stderr bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"run", "--config", cfgPath, input}, &stdout, &stderr))
	assert.Empty(t, stderr.String())
	assert.Contains(t, stdout.String(), "Used 2 ranks with 1 threads each")

	written, err := imageio.Load(output)
	require.NoError(t, err)
	want, err := engine.Reference(grid, kernel.Skip)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, written.Pix)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "logedges.yaml")

	var stdout, stderr bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"config", "init", path}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	err = execute(context.Background(), []string{"config", "init"}, &stdout, &stderr)
	assert.ErrorIs(t, err, ErrUsage)
}

// runTCPJob runs size ranks of one job as goroutines, each on its own TCP
// transport, the way launch runs them as processes. It returns every rank's
// error and rank 0's standard output.
func runTCPJob(t *testing.T, size int, params *engine.Params) ([]error, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.DefaultConfig()
	cfg.Transport.Compression = "zstd"
	cfg.Transport.ConnectTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errs := make([]error, size)
	stdouts := make([]bytes.Buffer, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			topo := launch.Topology{Rank: rank, Size: size, Addr: addr}
			errs[rank] = runRank(ctx, cfg, topo, params, &stdouts[rank], nil)
		}()
	}
	wg.Wait()
	return errs, stdouts[0].String()
}

func TestRunRanksOverTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP connections")
	}

	dir := t.TempDir()
	input, grid := writeTestImage(t, dir)
	output := filepath.Join(dir, "tcp-edges.png")

	params := &engine.Params{InputPath: input, OutputPath: output, Threads: 3, Boundary: kernel.Skip, EdgeThreshold: 128}

	// five ranks: four take part, rank 4 stays idle
	errs, stdout := runTCPJob(t, 5, params)
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
	assert.Contains(t, stdout, "Used 4 ranks with 3 threads each")

	written, err := imageio.Load(output)
	require.NoError(t, err)
	want, err := engine.Reference(grid, kernel.Skip)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, written.Pix)
}

func TestRunRanksOverTCPMissingInput(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP connections")
	}

	dir := t.TempDir()
	output := filepath.Join(dir, "edges.png")
	params := &engine.Params{InputPath: filepath.Join(dir, "missing.png"), OutputPath: output, Threads: 2}

	errs, _ := runTCPJob(t, 4, params)
	require.ErrorIs(t, errs[0], imageio.ErrInputNotFound)
	assert.Contains(t, errs[0].Error(), "missing.png")
	for rank := 1; rank < 4; rank++ {
		assert.NoError(t, errs[rank], "aborted rank %d must finish cleanly", rank)
	}

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr), "no output may be written")
}
