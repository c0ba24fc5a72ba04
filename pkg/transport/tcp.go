package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// helloTimeout bounds how long an accepted connection may stay silent.
const helloTimeout = 10 * time.Second

// Options configures a TCP transport.
type Options struct {
	// Compression applied to bulk pixel frames
	Compression Compression

	// DialInterval is the pause between connection attempts while the
	// coordinator is not listening yet
	DialInterval time.Duration
}

// TCP is a star-shaped transport: rank 0 holds one connection per worker and
// workers hold a single connection to rank 0. Workers never address each other.
type TCP struct {
	rank, size int
	opts       Options

	peers map[int]*peer
	box   *mailbox

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type peer struct {
	rank int
	conn net.Conn

	mu sync.Mutex
	w  *bufio.Writer
}

// Accept turns rank 0's listener into a transport once all size-1 workers have
// dialed in and introduced themselves. The listener is closed on return.
func Accept(ctx context.Context, ln net.Listener, size int, opts Options) (*TCP, error) {
	defer ln.Close()

	if size < 1 {
		return nil, transportErr("job size %d", size)
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conns := make(map[int]net.Conn, size-1)
	for len(conns) < size-1 {
		conn, err := ln.Accept()
		if err != nil {
			closeAll(conns)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: accepting workers: %w", ErrTransport, ctx.Err())
			}
			return nil, fmt.Errorf("%w: accept: %w", ErrTransport, err)
		}

		rank, err := readHello(conn, size)
		if err == nil {
			if _, dup := conns[rank]; dup {
				err = transportErr("rank %d connected twice", rank)
			}
		}
		if err != nil {
			conn.Close()
			closeAll(conns)
			return nil, err
		}
		conns[rank] = conn
	}

	return newTCP(0, size, opts, conns), nil
}

// Dial connects worker rank to the coordinator at addr, retrying until the
// coordinator listens or ctx ends.
func Dial(ctx context.Context, addr string, rank, size int, opts Options) (*TCP, error) {
	if rank < 1 || rank >= size {
		return nil, transportErr("worker rank %d outside job of size %d", rank, size)
	}
	interval := opts.DialInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			hello := binary.BigEndian.AppendUint32(nil, uint32(size))
			if err := writeFrame(conn, rank, tagHello, hello, CompressNone); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%w: hello: %w", ErrTransport, err)
			}
			return newTCP(rank, size, opts, map[int]net.Conn{0: conn}), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: dialing %s: %w", ErrTransport, addr, err)
		case <-time.After(interval):
		}
	}
}

func readHello(conn net.Conn, size int) (int, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msg, err := readFrame(conn)
	if err != nil {
		return 0, fmt.Errorf("%w: hello: %w", ErrTransport, err)
	}
	if msg.Tag != tagHello || len(msg.Payload) != 4 {
		return 0, transportErr("malformed hello from %s", conn.RemoteAddr())
	}
	if got := int(binary.BigEndian.Uint32(msg.Payload)); got != size {
		return 0, transportErr("rank %d believes job size is %d, coordinator has %d", msg.Source, got, size)
	}
	if msg.Source < 1 || msg.Source >= size {
		return 0, transportErr("hello from rank %d outside job of size %d", msg.Source, size)
	}
	return msg.Source, nil
}

func newTCP(rank, size int, opts Options, conns map[int]net.Conn) *TCP {
	ranks := make([]int, 0, len(conns))
	for r := range conns {
		ranks = append(ranks, r)
	}

	t := &TCP{
		rank:  rank,
		size:  size,
		opts:  opts,
		peers: make(map[int]*peer, len(conns)),
		box:   newMailbox(ranks),
	}
	for r, conn := range conns {
		p := &peer{rank: r, conn: conn, w: bufio.NewWriter(conn)}
		t.peers[r] = p
		t.wg.Add(1)
		go t.readLoop(p)
	}
	return t
}

func (t *TCP) readLoop(p *peer) {
	defer t.wg.Done()

	r := bufio.NewReader(p.conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.box.hangUp(p.rank, ErrClosed)
				return
			}
			t.box.fail(fmt.Errorf("%w: reading from rank %d: %w", ErrTransport, p.rank, err))
			return
		}
		if msg.Source != p.rank {
			t.box.fail(transportErr("connection of rank %d carried a frame from rank %d", p.rank, msg.Source))
			return
		}
		if err := t.box.put(msg); err != nil {
			return
		}
	}
}

func (t *TCP) Rank() int { return t.rank }
func (t *TCP) Size() int { return t.size }

func (t *TCP) Send(ctx context.Context, dest int, tag Tag, payload []byte) error {
	p, ok := t.peers[dest]
	if !ok {
		return transportErr("rank %d has no connection to rank %d", t.rank, dest)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(deadline)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	if err := writeFrame(p.w, t.rank, tag, payload, t.opts.Compression); err != nil {
		return fmt.Errorf("%w: sending %s to rank %d: %w", ErrTransport, tag, dest, err)
	}
	if err := p.w.Flush(); err != nil {
		return fmt.Errorf("%w: sending %s to rank %d: %w", ErrTransport, tag, dest, err)
	}
	return nil
}

func (t *TCP) Recv(ctx context.Context, source int, tags ...Tag) (Message, error) {
	return t.box.take(ctx, source, tags)
}

// Close shuts every connection and waits for the readers to exit.
func (t *TCP) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		for _, p := range t.peers {
			if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		t.wg.Wait()
		t.box.fail(fmt.Errorf("%w: %w", ErrTransport, ErrClosed))
	})
	return errors.Join(errs...)
}

func closeAll(conns map[int]net.Conn) {
	for _, c := range conns {
		c.Close()
	}
}
