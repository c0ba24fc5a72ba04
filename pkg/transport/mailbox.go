package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// mailbox queues inbound messages for one rank and hands them out by
// (source, tag). Waiters are woken by closing the current notify channel.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}

	// peers that can still send; a source that hung up is kept with its reason
	peers map[int]bool
	gone  map[int]error
	err   error
}

func newMailbox(peers []int) *mailbox {
	m := &mailbox{
		notify: make(chan struct{}),
		peers:  make(map[int]bool, len(peers)),
		gone:   make(map[int]error),
	}
	for _, p := range peers {
		m.peers[p] = true
	}
	return m
}

func (m *mailbox) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *mailbox) put(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.queue = append(m.queue, msg)
	m.wake()
	return nil
}

// hangUp records that source will send nothing more. Messages it already
// delivered stay receivable.
func (m *mailbox) hangUp(source int, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gone[source]; !ok {
		m.gone[source] = reason
		m.wake()
	}
}

// fail closes the mailbox for every source.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err == nil {
		m.err = err
		m.wake()
	}
}

func matches(msg Message, source int, tags []Tag) bool {
	if source != AnySource && msg.Source != source {
		return false
	}
	return len(tags) == 0 || slices.Contains(tags, msg.Tag)
}

func (m *mailbox) take(ctx context.Context, source int, tags []Tag) (Message, error) {
	for {
		m.mu.Lock()
		for i, msg := range m.queue {
			if matches(msg, source, tags) {
				m.queue = slices.Delete(m.queue, i, i+1)
				m.mu.Unlock()
				return msg, nil
			}
		}
		if err := m.unreachable(source); err != nil {
			m.mu.Unlock()
			return Message{}, err
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, fmt.Errorf("%w: waiting for %v from rank %d: %w", ErrTransport, tags, source, ctx.Err())
		}
	}
}

// unreachable reports why no matching message can ever arrive. Callers hold mu.
func (m *mailbox) unreachable(source int) error {
	if m.err != nil {
		return m.err
	}
	if source != AnySource {
		if !m.peers[source] {
			return transportErr("rank %d is not a peer", source)
		}
		if reason, ok := m.gone[source]; ok {
			return fmt.Errorf("%w: rank %d hung up: %w", ErrTransport, source, reason)
		}
		return nil
	}
	if len(m.peers) > 0 && len(m.gone) >= len(m.peers) {
		return transportErr("all peers hung up")
	}
	return nil
}
