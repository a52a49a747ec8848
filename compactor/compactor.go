// Package compactor merges the small objects the ingestor writes under a
// prefix into a single Parquet file.
package compactor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/baldanca/betlake/bet"
	"github.com/baldanca/betlake/encoder"
	"github.com/baldanca/betlake/ingestor"
	"github.com/baldanca/betlake/partition"
	"github.com/baldanca/betlake/sink"
)

// OutputName is the file name of every compaction output.
const OutputName = "part-000.parquet"

const compactedSuffix = "_compacted"

type Config struct {
	Topic string
	Store sink.Store
	// Compression is passed to the parquet encoder. Default snappy.
	Compression string
	Retry       ingestor.RetryPolicy
	Logger      *slog.Logger
}

// Result describes one compaction run.
type Result struct {
	Prefix string
	Output string

	Objects int // objects read
	Ignored int // objects with an unknown extension
	Rows    int
	Skipped int // malformed lines or documents

	// Empty is set when there was nothing to write. Output is not written.
	Empty bool
}

type Compactor struct {
	cfg    Config
	enc    encoder.ParquetEncoder[bet.Bet]
	logger *slog.Logger
}

func New(cfg Config) (*Compactor, error) {
	if cfg.Topic == "" {
		return nil, errors.New("topic is empty")
	}
	if strings.Contains(cfg.Topic, "/") {
		return nil, fmt.Errorf("topic %q contains a path separator", cfg.Topic)
	}
	if cfg.Store == nil {
		return nil, errors.New("store is nil")
	}
	if cfg.Compression == "" {
		cfg.Compression = "snappy"
	}
	if cfg.Retry == nil {
		cfg.Retry = ingestor.DefaultWriteRetry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Compactor{
		cfg:    cfg,
		enc:    encoder.ParquetEncoder[bet.Bet]{Compression: cfg.Compression},
		logger: logger,
	}, nil
}

// DatePrefix returns the listing prefix for one day of a topic, or the whole
// topic when date is empty. dateName is the day segment name, "dt" when empty.
func DatePrefix(topic, dateName, date string) string {
	if date == "" {
		return topic + "/"
	}
	if dateName == "" {
		dateName = partition.DefaultDateName
	}
	return topic + "/" + dateName + "=" + date + "/"
}

// OutputPath maps an input prefix to its deterministic output object,
// {topic}_compacted/{segments}/part-000.parquet.
func OutputPath(topic, prefix string) string {
	rel := strings.TrimPrefix(strings.Trim(prefix, "/"), topic)
	rel = strings.Trim(rel, "/")
	return path.Join(topic+compactedSuffix, rel, OutputName)
}

// Compact reads every object under prefix in lexicographic key order and
// writes their rows to one Parquet file. An empty prefix means the whole topic.
//
// Re-running over the same prefix overwrites the same output. Compaction is
// not atomic: readers may see the previous output until the write completes.
func (c *Compactor) Compact(ctx context.Context, prefix string) (Result, error) {
	if prefix == "" {
		prefix = DatePrefix(c.cfg.Topic, "", "")
	}
	res := Result{Prefix: prefix, Output: OutputPath(c.cfg.Topic, prefix)}

	objs, err := c.cfg.Store.List(ctx, prefix)
	if err != nil {
		return res, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })

	compactedRoot := c.cfg.Topic + compactedSuffix + "/"
	var rows []bet.Bet
	for _, o := range objs {
		if strings.HasPrefix(o.Key, compactedRoot) {
			continue
		}
		kind := objectKind(o.Key)
		if kind == kindUnknown {
			res.Ignored++
			continue
		}

		data, err := c.cfg.Store.Read(ctx, o.Key)
		if err != nil {
			return res, fmt.Errorf("read %q: %w", o.Key, err)
		}
		res.Objects++

		got, skipped, err := decodeObject(kind, data)
		if err != nil {
			// A corrupt parquet object is skipped whole.
			res.Skipped++
			c.logger.Warn("skipping unreadable object", "key", o.Key, "error", err)
			continue
		}
		res.Skipped += skipped
		rows = append(rows, got...)
	}
	res.Rows = len(rows)

	if len(rows) == 0 {
		res.Empty = true
		c.logger.Info("nothing to compact", "prefix", prefix, "objects", res.Objects)
		return res, nil
	}

	if err := c.write(ctx, res.Output, rows); err != nil {
		return res, fmt.Errorf("write %q: %w", res.Output, err)
	}

	c.logger.Info("compacted",
		"prefix", prefix,
		"output", res.Output,
		"objects", res.Objects,
		"rows", res.Rows,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (c *Compactor) write(ctx context.Context, key string, rows []bet.Bet) error {
	if ss, ok := c.cfg.Store.(sink.StreamSinkr); ok {
		return c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			return ss.WriteStream(ctx, sink.StreamWriteRequest{
				Key:         key,
				ContentType: encoder.ParquetContentType,
				Writer: sink.StreamWriterFunc(func(w io.Writer) error {
					return c.enc.EncodeTo(ctx, rows, w)
				}),
			})
		})
	}

	data, ct, err := c.enc.Encode(ctx, rows)
	if err != nil {
		return err
	}
	return c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return c.cfg.Store.Write(ctx, sink.WriteRequest{Key: key, Data: data, ContentType: ct})
	})
}

type kind int

const (
	kindUnknown kind = iota
	kindJSONLines
	kindJSON
	kindParquet
)

func objectKind(key string) kind {
	switch path.Ext(key) {
	case ".jsonl":
		return kindJSONLines
	case ".json":
		return kindJSON
	case ".parquet":
		return kindParquet
	}
	return kindUnknown
}

func decodeObject(k kind, data []byte) (rows []bet.Bet, skipped int, err error) {
	switch k {
	case kindParquet:
		rows, err = encoder.ReadParquet[bet.Bet](data)
		return rows, 0, err
	case kindJSON:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, 0, nil
		}
		b, err := bet.Decode(data)
		if err != nil {
			return nil, 1, nil
		}
		return []bet.Bet{b}, 0, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		b, err := bet.Decode(line)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, b)
	}
	return rows, skipped, sc.Err()
}
