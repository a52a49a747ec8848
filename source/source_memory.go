package source

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process source fed with Push. After Close, Receive drains
// what is queued and then returns ErrClosed.
type Memory struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Message

	acked  atomic.Int64
	failed atomic.Int64
}

func NewMemory(buf int) *Memory {
	return &Memory{ch: make(chan Message, max(buf, 0))}
}

// Push queues one message, blocking while the buffer is full.
func (m *Memory) Push(ctx context.Context, key, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	msg := &memoryMessage{src: m, env: Envelope{Key: key, Payload: payload}}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-m.ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	}
}

func (m *Memory) AckBatch(_ context.Context, msgs []Message) error {
	m.acked.Add(int64(len(msgs)))
	return nil
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

// Acked is the number of messages acknowledged so far.
func (m *Memory) Acked() int64 { return m.acked.Load() }

// Failed is the number of messages whose batch could not be written.
func (m *Memory) Failed() int64 { return m.failed.Load() }

type memoryMessage struct {
	src *Memory
	env Envelope
}

func (m *memoryMessage) Data() Envelope { return m.env }

func (m *memoryMessage) EstimatedSizeBytes() (int64, bool) {
	return int64(len(m.env.Key) + len(m.env.Payload)), true
}

func (m *memoryMessage) Fail(context.Context, error) error {
	m.src.failed.Add(1)
	return nil
}
