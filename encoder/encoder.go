package encoder

import (
	"context"
	"io"
)

// Encoder converts a slice of typed values into one object body.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[iType any] interface {
	Encode(ctx context.Context, items []iType) (data []byte, contentType string, err error)
	FileExtension() string
}

// StreamEncoder is an optional interface for encoders that can write directly
// to an io.Writer to avoid buffering the full output in memory.
type StreamEncoder[iType any] interface {
	EncodeTo(ctx context.Context, items []iType, w io.Writer) error
	FileExtension() string
	ContentType() string
}
