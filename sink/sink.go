package sink

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Read when the object does not exist.
var ErrNotFound = errors.New("object not found")

// WriteRequest is a whole-object write. Writing the same key twice
// overwrites the first object.
type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// StreamWriter represents something that can write its contents to a destination writer.
type StreamWriter interface {
	WriteTo(w io.Writer) error
}

// StreamWriterFunc adapts a function to a StreamWriter.
type StreamWriterFunc func(w io.Writer) error

func (f StreamWriterFunc) WriteTo(w io.Writer) error { return f(w) }

type StreamWriteRequest struct {
	Key         string
	ContentType string
	// Writer streams directly to the destination.
	// Implementations must return when done writing.
	Writer StreamWriter
}

// ObjectInfo describes one listed object. Key is relative to the sink prefix.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}

// StreamSinkr is an optional interface implemented by sinks that can stream data directly
// to the destination without buffering the full payload in memory.
type StreamSinkr interface {
	WriteStream(ctx context.Context, req StreamWriteRequest) error
}

// Store is a sink that can also list and read back what it holds.
type Store interface {
	Sinkr
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Read(ctx context.Context, key string) ([]byte, error)
}
