// Package launch starts a multi-process job: it spawns one child process per
// rank and tells each child its place in the job through the environment.
// Rank 0 inherits an already bound listener, so workers can dial it as soon as
// they start.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Environment variables describing a rank's place in the job.
const (
	EnvRank     = "LOGEDGES_RANK"
	EnvSize     = "LOGEDGES_SIZE"
	EnvAddr     = "LOGEDGES_ADDR"
	EnvListenFD = "LOGEDGES_LISTEN_FD"
)

// listenerFD is the descriptor of the first entry of exec.Cmd.ExtraFiles.
const listenerFD = 3

// Topology is a rank's view of the job.
type Topology struct {
	Rank int
	Size int

	// Addr is the coordinator's address
	Addr string

	// ListenFD is an inherited listening socket for rank 0, or 0
	ListenFD int
}

// FromEnv reads the topology from the environment. ok is false when the
// process was not started as part of a multi-process job.
func FromEnv() (topo Topology, ok bool, err error) {
	rankStr, hasRank := os.LookupEnv(EnvRank)
	sizeStr, hasSize := os.LookupEnv(EnvSize)
	if !hasRank && !hasSize {
		return Topology{}, false, nil
	}
	if !hasRank || !hasSize {
		return Topology{}, false, fmt.Errorf("%s and %s must be set together", EnvRank, EnvSize)
	}

	if topo.Rank, err = strconv.Atoi(rankStr); err != nil {
		return Topology{}, false, fmt.Errorf("invalid %s: %w", EnvRank, err)
	}
	if topo.Size, err = strconv.Atoi(sizeStr); err != nil {
		return Topology{}, false, fmt.Errorf("invalid %s: %w", EnvSize, err)
	}
	if topo.Size < 1 || topo.Rank < 0 || topo.Rank >= topo.Size {
		return Topology{}, false, fmt.Errorf("rank %d outside job of size %d", topo.Rank, topo.Size)
	}

	topo.Addr = os.Getenv(EnvAddr)
	if fd := os.Getenv(EnvListenFD); fd != "" {
		if topo.ListenFD, err = strconv.Atoi(fd); err != nil {
			return Topology{}, false, fmt.Errorf("invalid %s: %w", EnvListenFD, err)
		}
	}
	if topo.Addr == "" && topo.ListenFD == 0 {
		return Topology{}, false, fmt.Errorf("%s is required", EnvAddr)
	}
	return topo, true, nil
}

// Listener returns rank 0's listening socket: the inherited one if present,
// otherwise a new listener on Addr.
func (t Topology) Listener() (net.Listener, error) {
	if t.ListenFD > 0 {
		f := os.NewFile(uintptr(t.ListenFD), "logedges-listener")
		defer f.Close()
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("failed to use inherited listener: %w", err)
		}
		return ln, nil
	}
	return net.Listen("tcp", t.Addr)
}

// Options configures Run.
type Options struct {
	// Executable to start for every rank; defaults to the running binary
	Executable string

	// Args passed unchanged to every rank
	Args []string

	// Procs is the number of ranks to start
	Procs int

	// Env is appended to the inherited environment of every rank
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Run starts Procs ranks and waits for all of them. The first rank to fail
// kills the others and its error is returned, unless rank 0 exited with an
// error of its own, which is returned instead.
func Run(ctx context.Context, opts Options) error {
	if opts.Procs < 1 {
		return fmt.Errorf("need at least one process, got %d", opts.Procs)
	}
	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to reserve coordinator address: %w", err)
	}
	addr := ln.Addr().String()
	lnFile, err := ln.(*net.TCPListener).File()
	ln.Close()
	if err != nil {
		return fmt.Errorf("failed to share coordinator listener: %w", err)
	}
	defer lnFile.Close()

	stdout, stderr := shareWriter(opts.Stdout), shareWriter(opts.Stderr)

	// rank 0 carries the user-facing error; a worker failing first would
	// otherwise cancel it before it reports
	errs := make([]error, opts.Procs)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < opts.Procs; rank++ {
		cmd := exec.CommandContext(gctx, exe, opts.Args...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.Env = append(os.Environ(), opts.Env...)
		cmd.Env = append(cmd.Env,
			EnvRank+"="+strconv.Itoa(rank),
			EnvSize+"="+strconv.Itoa(opts.Procs),
			EnvAddr+"="+addr,
		)
		if rank == 0 {
			cmd.ExtraFiles = []*os.File{lnFile}
			cmd.Env = append(cmd.Env, EnvListenFD+"="+strconv.Itoa(listenerFD))
		}

		if err := cmd.Start(); err != nil {
			// failing the group cancels gctx, which kills the ranks already running
			g.Go(func() error { return fmt.Errorf("failed to start rank %d: %w", rank, err) })
			return g.Wait()
		}
		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
				return errs[rank]
			}
			return nil
		})
	}

	err = g.Wait()
	if exitErr := (*exec.ExitError)(nil); errors.As(errs[0], &exitErr) && exitErr.ExitCode() >= 0 {
		return errs[0]
	}
	return err
}

// lockedWriter serialises the copy goroutines exec starts for every child
// writing to the same non-file writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func shareWriter(w io.Writer) io.Writer {
	switch w.(type) {
	case nil, *os.File:
		return w
	default:
		return &lockedWriter{w: w}
	}
}
