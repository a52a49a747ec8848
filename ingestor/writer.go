package ingestor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/baldanca/betlake/batcher"
	"github.com/baldanca/betlake/encoder"
	"github.com/baldanca/betlake/metrics"
	"github.com/baldanca/betlake/partition"
	"github.com/baldanca/betlake/sink"
	"github.com/baldanca/betlake/transformer"
)

// WriteResult summarizes one batch write.
type WriteResult struct {
	Path     string
	Written  int
	Skipped  int
	Attempts int
}

// BatchWriter persists one sealed batch.
//
// Writing the same sealed batch twice targets the same destination, so a
// retried write overwrites instead of duplicating.
type BatchWriter interface {
	WriteBatch(ctx context.Context, b batcher.Sealed) (WriteResult, error)
}

// ObjectPath renders {topic}/{partition segments}/{name}{ext}.
func ObjectPath(topic string, key partition.Key, name, ext string) string {
	parts := make([]string, 0, 3)
	if t := strings.Trim(topic, "/"); t != "" {
		parts = append(parts, t)
	}
	if p := key.Path(); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, name+ext)
	return strings.Join(parts, "/")
}

type ObjectWriterConfig[T any] struct {
	Topic       string
	Transformer transformer.Transformer[T]
	Encoder     encoder.Encoder[T]
	Sink        sink.Sinkr
	Retry       RetryPolicy
	Logger      *slog.Logger
}

// ObjectWriter turns a sealed batch into one object in a sink.
//
// When the encoder is an encoder.StreamEncoder and the sink a
// sink.StreamSinkr, the object is encoded straight into the upload and
// each retry encodes it again. Otherwise it is encoded once into memory.
type ObjectWriter[T any] struct {
	cfg    ObjectWriterConfig[T]
	ext    string
	logger *slog.Logger
}

func NewObjectWriter[T any](cfg ObjectWriterConfig[T]) (*ObjectWriter[T], error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is empty")
	}
	if cfg.Transformer == nil {
		return nil, fmt.Errorf("transformer is nil")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder is nil")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultWriteRetry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ext := cfg.Encoder.FileExtension()
	if ext == "" || ext[0] != '.' {
		ext = ".bin"
	}
	return &ObjectWriter[T]{cfg: cfg, ext: ext, logger: logger}, nil
}

// Path returns the object path a sealed batch is written to.
func (w *ObjectWriter[T]) Path(b batcher.Sealed) string {
	return ObjectPath(w.cfg.Topic, b.Key, b.Name, w.ext)
}

func (w *ObjectWriter[T]) WriteBatch(ctx context.Context, b batcher.Sealed) (WriteResult, error) {
	res := WriteResult{Path: w.Path(b)}

	items := make([]T, 0, len(b.Records))
	for idx, rec := range b.Records {
		item, err := w.cfg.Transformer.Transform(ctx, rec)
		if err != nil {
			res.Skipped++
			metrics.RecordsSkipped.WithLabelValues("write").Inc()
			w.logger.Debug("skipping record",
				"path", res.Path,
				"index", idx,
				"error", fmt.Errorf("%w: %w", ErrDecode, err),
			)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return res, nil
	}

	retry := countingRetry{inner: w.cfg.Retry, attempts: &res.Attempts}

	var err error
	if se, ss, ok := w.streamPath(); ok {
		err = writeStreamed(ctx, retry, se, ss, res.Path, items)
	} else {
		err = w.writeBuffered(ctx, retry, res.Path, items)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrWrite, res.Path, err)
	}

	res.Written = len(items)
	return res, nil
}

func (w *ObjectWriter[T]) streamPath() (encoder.StreamEncoder[T], sink.StreamSinkr, bool) {
	se, ok := w.cfg.Encoder.(encoder.StreamEncoder[T])
	if !ok {
		return nil, nil, false
	}
	ss, ok := w.cfg.Sink.(sink.StreamSinkr)
	if !ok {
		return nil, nil, false
	}
	return se, ss, true
}

func writeStreamed[T any](ctx context.Context, retry RetryPolicy, se encoder.StreamEncoder[T], ss sink.StreamSinkr, path string, items []T) error {
	contentType := se.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return retry.Do(ctx, func(ctx context.Context) error {
		return ss.WriteStream(ctx, sink.StreamWriteRequest{
			Key:         path,
			ContentType: contentType,
			Writer: sink.StreamWriterFunc(func(dst io.Writer) error {
				return se.EncodeTo(ctx, items, dst)
			}),
		})
	})
}

func (w *ObjectWriter[T]) writeBuffered(ctx context.Context, retry RetryPolicy, path string, items []T) error {
	data, contentType, err := w.cfg.Encoder.Encode(ctx, items)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req := sink.WriteRequest{Key: path, Data: data, ContentType: contentType}
	return retry.Do(ctx, func(ctx context.Context) error {
		return w.cfg.Sink.Write(ctx, req)
	})
}

// countingRetry records how many times the wrapped operation ran.
type countingRetry struct {
	inner    RetryPolicy
	attempts *int
}

func (r countingRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.inner.Do(ctx, func(ctx context.Context) error {
		*r.attempts++
		return fn(ctx)
	})
}
