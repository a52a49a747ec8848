package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/baldanca/betlake/batcher"
	"github.com/baldanca/betlake/bet"
	"github.com/baldanca/betlake/config"
	"github.com/baldanca/betlake/encoder"
	"github.com/baldanca/betlake/ingestor"
	"github.com/baldanca/betlake/kafka"
	"github.com/baldanca/betlake/partition"
	"github.com/baldanca/betlake/pgstore"
	"github.com/baldanca/betlake/record"
	"github.com/baldanca/betlake/sink"
	"github.com/baldanca/betlake/source"
	"github.com/baldanca/betlake/transformer"
)

type mirrorOptions struct {
	source string
	target string
}

func (a *app) mirrorCommand() *cobra.Command {
	opts := mirrorOptions{source: config.SourceKafka, target: config.TargetS3}
	c := &a.cfg

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Consume bet events and write them to the lake or to postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.target == config.TargetPostgres && !cmd.Flags().Changed("batch-size") {
				c.Batch.MaxRecords = pgstore.DefaultBatchSize
			}
			if err := c.Validate(); err != nil {
				return err
			}
			return a.mirror(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.source, "source", opts.source, "record source: kafka or sqs")
	fs.StringVar(&opts.target, "target", opts.target, "write target: s3 or postgres")
	fs.StringVar(&c.Kafka.Group, "group", c.Kafka.Group, "kafka consumer group")
	fs.StringVar(&c.SQS.QueueURL, "queue-url", c.SQS.QueueURL, "SQS queue URL when --source=sqs")
	fs.StringVar(&c.Write.Format, "format", c.Write.Format, "object format: jsonl or parquet")
	fs.StringVar(&c.Write.Compression, "compression", c.Write.Compression, "parquet compression: snappy, gzip, zstd or empty")
	fs.IntVar(&c.Write.Attempts, "write-attempts", c.Write.Attempts, "attempts per batch write")
	fs.BoolVar(&c.Write.AckDropped, "ack-dropped", c.Write.AckDropped, "acknowledge batches that could not be written")
	fs.IntVar(&c.Batch.MaxRecords, "batch-size", c.Batch.MaxRecords, "seal a batch at this many records")
	fs.DurationVar(&c.Batch.MaxAge, "batch-age", c.Batch.MaxAge, "seal a batch this long after it opened")
	fs.IntVar(&c.Batch.FlushWorkers, "workers", c.Batch.FlushWorkers, "concurrent batch writes")
	fs.DurationVar(&c.Batch.ShutdownTimeout, "shutdown-timeout", c.Batch.ShutdownTimeout, "bound on the final flush")
	fs.StringVar(&c.Partition.Mode, "partition", c.Partition.Mode, "partition by arrival or event time")
	fs.BoolVar(&c.Partition.Hourly, "hourly", c.Partition.Hourly, "add an hour=HH segment")
	fs.StringVar(&c.Partition.DateName, "date-segment", c.Partition.DateName, "name of the day partition segment")
	fs.StringSliceVar(&c.Partition.Dimensions, "dimensions", c.Partition.Dimensions, "payload fields appended as partition segments (event mode)")
	a.bindPostgresFlags(cmd)
	return cmd
}

func (a *app) mirror(ctx context.Context, opts mirrorOptions) error {
	c := &a.cfg

	w, err := a.newBatchWriter(ctx, opts.target)
	if err != nil {
		return err
	}
	if closer, ok := w.(interface{ Close() }); ok {
		defer closer.Close()
	}

	src, err := a.newSource(ctx, opts.source)
	if err != nil {
		return err
	}
	defer src.Close()

	ing, err := ingestor.New(ingestorConfig(c, opts.target, a.log), src, w)
	if err != nil {
		return err
	}

	a.log.Info("mirror started",
		"source", opts.source, "target", opts.target, "topic", c.Kafka.Topic,
		"batch_size", c.Batch.MaxRecords, "batch_age", c.Batch.MaxAge, "format", c.Write.Format)

	err = ing.Run(ctx)
	st := ing.Stats()
	a.log.Info("mirror stopped",
		"received", st.Received, "skipped", st.Skipped, "objects", st.Objects,
		"written", st.Written, "dropped_batches", st.Dropped, "records_lost", st.RecordsLost)

	var flushErr *ingestor.ShutdownFlushError
	if errors.As(err, &flushErr) {
		a.log.Error("final flush incomplete", "failed_batches", flushErr.Batches, "records", flushErr.Records)
	}
	return err
}

func (a *app) newSource(ctx context.Context, kind string) (source.Sourcer, error) {
	c := &a.cfg
	switch kind {
	case config.SourceKafka:
		client, err := kafka.NewConsumer(ctx, kafkaConfig(c))
		if err != nil {
			return nil, err
		}
		return source.NewKafka(client, source.SourceKafkaConfig{PollInterval: c.Kafka.PollInterval}), nil
	case config.SourceSQS:
		if c.SQS.QueueURL == "" {
			return nil, errors.New("queue url is empty (set SQS_QUEUE_URL or --queue-url)")
		}
		client, err := newSQSClient(ctx, c)
		if err != nil {
			return nil, err
		}
		cfg := source.DefaultSourceSQSConfig
		cfg.Logger = a.log
		src, err := source.NewSQS(ctx, client, c.SQS.QueueURL, cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, fmt.Errorf("unknown source %q", kind)
}

// poolWriter closes the postgres pool with the writer.
type poolWriter struct {
	*pgstore.Writer
	close func()
}

func (w poolWriter) Close() { w.close() }

func (a *app) newBatchWriter(ctx context.Context, target string) (ingestor.BatchWriter, error) {
	c := &a.cfg
	switch target {
	case config.TargetS3:
		store, err := newLakeSink(ctx, c)
		if err != nil {
			return nil, err
		}
		return objectWriter(c, store, a.log)
	case config.TargetPostgres:
		pool, err := pgstore.Connect(ctx, pgConfig(c))
		if err != nil {
			return nil, err
		}
		if err := pgstore.EnsureStreamSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return poolWriter{Writer: pgstore.NewWriter(pool, writeRetry(c), a.log), close: pool.Close}, nil
	}
	return nil, fmt.Errorf("unknown target %q", target)
}

// objectWriter picks the encoder for the configured format. jsonl keeps the
// raw payloads; parquet decodes them into bets first.
func objectWriter(c *config.Config, store sink.Sinkr, log *slog.Logger) (ingestor.BatchWriter, error) {
	switch c.Write.Format {
	case config.FormatJSONL:
		w, err := ingestor.NewObjectWriter(ingestor.ObjectWriterConfig[record.Record]{
			Topic:       c.Kafka.Topic,
			Transformer: transformer.JSON{},
			Encoder:     encoder.JSONLinesEncoder{},
			Sink:        store,
			Retry:       writeRetry(c),
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	case config.FormatParquet:
		w, err := ingestor.NewObjectWriter(ingestor.ObjectWriterConfig[bet.Bet]{
			Topic:       c.Kafka.Topic,
			Transformer: transformer.Bet{},
			Encoder:     encoder.ParquetEncoder[bet.Bet]{Compression: c.Write.Compression},
			Sink:        store,
			Retry:       writeRetry(c),
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("unknown output format %q", c.Write.Format)
}

func deriver(p config.Partition) partition.Deriver {
	if p.Mode == config.PartitionEvent {
		d := partition.NewEventTime(p.Hourly, p.Dimensions...)
		d.DateName = p.DateName
		return d
	}
	return partition.ArrivalTime{Hourly: p.Hourly, DateName: p.DateName}
}

func ingestorConfig(c *config.Config, target string, log *slog.Logger) ingestor.Config {
	cfg := ingestor.DefaultConfig
	cfg.Batch = batcher.Config{
		MaxRecords: c.Batch.MaxRecords,
		MaxAge:     c.Batch.MaxAge,
		Logger:     log,
	}
	cfg.Deriver = deriver(c.Partition)
	cfg.FlushWorkers = c.Batch.FlushWorkers
	cfg.TickInterval = c.Batch.TickInterval
	cfg.ShutdownTimeout = c.Batch.ShutdownTimeout
	cfg.AckDropped = c.Write.AckDropped
	cfg.Logger = log

	// Records that will never decode are acknowledged at ingest instead of
	// poisoning a batch.
	if target == config.TargetPostgres || c.Write.Format == config.FormatParquet {
		cfg.Validate = ingestor.ValidateWith[bet.Bet](transformer.Bet{})
	} else {
		cfg.Validate = ingestor.ValidateWith[record.Record](transformer.JSON{})
	}
	return cfg
}
