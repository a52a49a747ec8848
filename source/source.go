package source

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Receive once the source has been closed.
	ErrClosed = errors.New("source closed")

	// ErrFatal wraps errors that will not go away by polling again, such as
	// rejected credentials or missing topic permissions.
	ErrFatal = errors.New("fatal source error")
)

// Envelope is the raw keyed payload received from a Source.
//
// Payload is opaque: no schema is imposed here. Key may be nil.
type Envelope struct {
	Key     []byte
	Payload []byte
}

// Message represents one unit received from a Source.
type Message interface {
	Data() Envelope
	EstimatedSizeBytes() (n int64, ok bool)
	Fail(ctx context.Context, reason error) error
}

// Sourcer reads messages and acknowledges them in batches.
//
// Receive blocks until a message is available, the context is canceled, or
// the source fails. Transient failures are returned as plain errors and the
// caller is expected to poll again; ErrClosed and ErrFatal end the stream.
type Sourcer interface {
	Receive(ctx context.Context) (Message, error)
	AckBatch(ctx context.Context, msgs []Message) error
	Close()
}

// AckMetadata is a compact, source-specific handle used for fast acknowledgements.
type AckMetadata struct {
	ID     string
	Handle string
}

type ackMetable interface {
	AckMeta() (AckMetadata, bool)
}

type ackMetaBatcher interface {
	AckBatchMeta(ctx context.Context, metas []AckMetadata) error
}

// AckGroup accumulates messages that should be acknowledged together.
//
// If the Source supports AckBatchMeta, the group prefers it when every
// message provided AckMetadata.
type AckGroup struct {
	msgs  []Message
	metas []AckMetadata
}

// Add appends a message to the group. Nil messages are ignored.
func (g *AckGroup) Add(m Message) {
	if m == nil {
		return
	}
	g.msgs = append(g.msgs, m)

	if am, ok := m.(ackMetable); ok {
		if meta, ok := am.AckMeta(); ok {
			g.metas = append(g.metas, meta)
		}
	}
}

// Len reports how many messages the group holds.
func (g *AckGroup) Len() int { return len(g.msgs) }

// Messages returns the grouped messages in insertion order.
func (g *AckGroup) Messages() []Message { return g.msgs }

// Commit acknowledges the group against the given Source.
func (g *AckGroup) Commit(ctx context.Context, src Sourcer) error {
	if len(g.msgs) == 0 {
		return nil
	}

	if fast, ok := src.(ackMetaBatcher); ok && len(g.metas) == len(g.msgs) {
		return fast.AckBatchMeta(ctx, g.metas)
	}

	return src.AckBatch(ctx, g.msgs)
}

// Fail reports reason on every message of the group, returning the first error.
func (g *AckGroup) Fail(ctx context.Context, reason error) error {
	var first error
	for _, m := range g.msgs {
		if err := m.Fail(ctx, reason); err != nil && first == nil {
			first = err
		}
	}
	return first
}
