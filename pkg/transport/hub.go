package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/samber/lo"
)

// Hub connects size goroutine ranks inside one process. Payloads are copied on
// Send, so sender and receiver never share a buffer.
type Hub struct {
	size  int
	boxes []*mailbox
}

// NewHub creates a hub for ranks [0, size).
func NewHub(size int) (*Hub, error) {
	if size < 1 {
		return nil, transportErr("hub size %d", size)
	}

	ranks := lo.Range(size)
	h := &Hub{size: size, boxes: make([]*mailbox, size)}
	for rank := range h.boxes {
		h.boxes[rank] = newMailbox(lo.Without(ranks, rank))
	}
	return h, nil
}

// Endpoint returns the transport handle for rank.
func (h *Hub) Endpoint(rank int) (Transport, error) {
	if rank < 0 || rank >= h.size {
		return nil, transportErr("rank %d outside hub of size %d", rank, h.size)
	}
	return &hubEndpoint{hub: h, rank: rank}, nil
}

// Close shuts every mailbox. Blocked receivers return ErrClosed.
func (h *Hub) Close() {
	for _, box := range h.boxes {
		box.fail(fmt.Errorf("%w: %w", ErrTransport, ErrClosed))
	}
}

type hubEndpoint struct {
	hub    *Hub
	rank   int
	closed atomic.Bool
}

func (e *hubEndpoint) Rank() int { return e.rank }
func (e *hubEndpoint) Size() int { return e.hub.size }

func (e *hubEndpoint) Send(ctx context.Context, dest int, tag Tag, payload []byte) error {
	if e.closed.Load() {
		return fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	}
	if dest < 0 || dest >= e.hub.size || dest == e.rank {
		return transportErr("rank %d cannot send to rank %d", e.rank, dest)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	msg := Message{Source: e.rank, Tag: tag, Payload: append([]byte(nil), payload...)}
	return e.hub.boxes[dest].put(msg)
}

func (e *hubEndpoint) Recv(ctx context.Context, source int, tags ...Tag) (Message, error) {
	if e.closed.Load() {
		return Message{}, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	}
	return e.hub.boxes[e.rank].take(ctx, source, tags)
}

// Close detaches the endpoint and tells the other ranks it will send nothing more.
func (e *hubEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	for rank, box := range e.hub.boxes {
		if rank != e.rank {
			box.hangUp(e.rank, ErrClosed)
		}
	}
	return nil
}
