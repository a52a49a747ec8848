package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/baldanca/betlake/batcher"
	"github.com/baldanca/betlake/metrics"
	"github.com/baldanca/betlake/partition"
	"github.com/baldanca/betlake/record"
	"github.com/baldanca/betlake/source"
	"github.com/baldanca/betlake/transformer"
)

// Validator checks a record before it is accumulated. Records it rejects
// are skipped, counted and acknowledged so they are not redelivered.
type Validator func(ctx context.Context, rec record.Record) error

// ValidateWith builds a Validator that accepts a record when t can transform it.
func ValidateWith[T any](t transformer.Transformer[T]) Validator {
	return func(ctx context.Context, rec record.Record) error {
		_, err := t.Transform(ctx, rec)
		return err
	}
}

type Config struct {
	Batch   batcher.Config
	Deriver partition.Deriver
	// Validate is optional.
	Validate Validator

	FlushWorkers int
	FlushQueue   int

	// TickInterval is how often open batches are checked for age.
	TickInterval time.Duration
	// ShutdownTimeout bounds the final flush.
	ShutdownTimeout time.Duration
	// SourceErrorDelay is the pause after a transient receive error.
	SourceErrorDelay time.Duration

	// AckDropped acknowledges batches that failed every write attempt. It
	// trades losing those records for never redelivering them.
	AckDropped bool

	AckRetry RetryPolicy
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

var DefaultConfig = Config{
	Batch:            batcher.DefaultConfig,
	Deriver:          partition.ArrivalTime{Hourly: true},
	FlushWorkers:     4,
	FlushQueue:       64,
	TickInterval:     time.Second,
	ShutdownTimeout:  30 * time.Second,
	SourceErrorDelay: 500 * time.Millisecond,
}

func (c *Config) validate() error {
	if c.Deriver == nil {
		return errors.New("deriver is nil")
	}
	if c.FlushWorkers < 1 {
		return errors.New("FlushWorkers must be >= 1")
	}
	if c.FlushQueue < 0 {
		return errors.New("FlushQueue must be >= 0")
	}
	if c.TickInterval <= 0 {
		return errors.New("TickInterval must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("ShutdownTimeout must be > 0")
	}
	return nil
}

// Stats are cumulative counters for one Ingestor.
type Stats struct {
	Received     int64 // records taken from the source
	Skipped      int64 // rejected at ingest
	Sealed       int64 // batches handed to the writer
	Objects      int64 // objects written
	Written      int64 // records written
	WriteSkipped int64 // records the writer could not decode
	Dropped      int64 // batches that failed every attempt
	RecordsLost  int64
	AckFailed    int64
	SourceErrors int64
}

type counters struct {
	received, skipped, sealed, objects, written atomic.Int64
	writeSkipped, dropped, recordsLost          atomic.Int64
	ackFailed, sourceErrors                     atomic.Int64
}

// Ingestor moves records from a source through the accumulator to a writer.
//
// One goroutine receives, one ticks, and a pond pool runs the writes. Writes
// never run under the accumulator lock.
type Ingestor struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	source source.Sourcer
	writer BatchWriter
	acc    *batcher.Accumulator

	stats counters

	inflight        atomic.Int64
	inflightRecords atomic.Int64
	// Batches failing once shutdown has begun, whatever sealed them.
	stopping       atomic.Bool
	shutdownFailed atomic.Int64
	shutdownLost   atomic.Int64
}

func New(cfg Config, src source.Sourcer, w BatchWriter) (*Ingestor, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if w == nil {
		return nil, fmt.Errorf("writer is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.AckRetry == nil {
		cfg.AckRetry = SimpleRetry{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	}
	if cfg.SourceErrorDelay <= 0 {
		cfg.SourceErrorDelay = DefaultConfig.SourceErrorDelay
	}

	bcfg := cfg.Batch
	bcfg.Clock = cfg.Clock
	if bcfg.Logger == nil {
		bcfg.Logger = cfg.Logger
	}
	acc, err := batcher.New(bcfg)
	if err != nil {
		return nil, err
	}

	return &Ingestor{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		source: src,
		writer: w,
		acc:    acc,
	}, nil
}

// Accumulator exposes the underlying accumulator.
func (i *Ingestor) Accumulator() *batcher.Accumulator { return i.acc }

func (i *Ingestor) Stats() Stats {
	return Stats{
		Received:     i.stats.received.Load(),
		Skipped:      i.stats.skipped.Load(),
		Sealed:       i.stats.sealed.Load(),
		Objects:      i.stats.objects.Load(),
		Written:      i.stats.written.Load(),
		WriteSkipped: i.stats.writeSkipped.Load(),
		Dropped:      i.stats.dropped.Load(),
		RecordsLost:  i.stats.recordsLost.Load(),
		AckFailed:    i.stats.ackFailed.Load(),
		SourceErrors: i.stats.sourceErrors.Load(),
	}
}

// Run ingests until ctx is canceled, the source closes, or the source fails
// fatally. In every case the open batches are flushed before Run returns.
//
// Run returns a *ShutdownFlushError when the final flush could not write
// everything, and the fatal source error if there was one.
func (i *Ingestor) Run(ctx context.Context) error {
	// Writes must outlive ctx so the final flush can still reach the sink.
	flushCtx, cancelFlush := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFlush()

	opts := []pond.Option{}
	if i.cfg.FlushQueue > 0 {
		opts = append(opts, pond.WithQueueSize(i.cfg.FlushQueue))
	}
	pool := pond.NewPool(i.cfg.FlushWorkers, opts...)

	tickCtx, stopTicker := context.WithCancel(ctx)
	var tickWG sync.WaitGroup
	tickWG.Add(1)
	go func() {
		defer tickWG.Done()
		i.tickLoop(tickCtx, flushCtx, pool)
	}()

	i.logger.Info("ingest started",
		"maxRecords", i.cfg.Batch.MaxRecords,
		"maxAge", i.cfg.Batch.MaxAge,
		"flushWorkers", i.cfg.FlushWorkers,
	)

	runErr := i.ingestLoop(ctx, flushCtx, pool)

	stopTicker()
	tickWG.Wait()

	flushErr := i.shutdown(flushCtx, cancelFlush, pool)
	return errors.Join(runErr, flushErr)
}

func (i *Ingestor) ingestLoop(ctx, flushCtx context.Context, pool pond.Pool) error {
	for {
		msg, err := i.source.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, source.ErrClosed):
				i.logger.Info("source closed")
				return nil
			case errors.Is(err, source.ErrFatal):
				metrics.SourceErrors.WithLabelValues("fatal").Inc()
				i.logger.Error("fatal source error, stopping ingest", "error", err)
				return err
			}

			i.stats.sourceErrors.Add(1)
			metrics.SourceErrors.WithLabelValues("transient").Inc()
			i.logger.Warn("receive failed", "error", fmt.Errorf("%w: %w", ErrSource, err))
			select {
			case <-ctx.Done():
				return nil
			case <-i.clock.After(i.cfg.SourceErrorDelay):
			}
			continue
		}

		i.ingest(ctx, flushCtx, msg, pool)
	}
}

func (i *Ingestor) ingest(ctx, flushCtx context.Context, msg source.Message, pool pond.Pool) {
	env := msg.Data()
	rec := i.acc.Stamp(env.Key, env.Payload)
	i.stats.received.Add(1)
	metrics.RecordsReceived.Inc()

	if i.cfg.Validate != nil {
		if err := i.cfg.Validate(ctx, rec); err != nil {
			i.skip(flushCtx, msg, err)
			return
		}
	}

	key := i.cfg.Deriver.Derive(rec)
	b := i.acc.OpenOrGet(key)
	if sealed := i.acc.Append(b, rec, msg); sealed != nil {
		i.submit(flushCtx, pool, *sealed)
	}
	metrics.OpenBatches.Set(float64(i.acc.Open()))
}

func (i *Ingestor) skip(ctx context.Context, msg source.Message, cause error) {
	i.stats.skipped.Add(1)
	metrics.RecordsSkipped.WithLabelValues("ingest").Inc()
	i.logger.Debug("skipping record", "error", fmt.Errorf("%w: %w", ErrDecode, cause))

	if err := i.source.AckBatch(ctx, []source.Message{msg}); err != nil {
		i.stats.ackFailed.Add(1)
		metrics.AckErrors.Inc()
		i.logger.Warn("ack of skipped record failed", "error", err)
	}
}

func (i *Ingestor) tickLoop(ctx, flushCtx context.Context, pool pond.Pool) {
	t := i.clock.NewTicker(i.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			for _, s := range i.acc.Tick(i.clock.Now()) {
				i.submit(flushCtx, pool, s)
			}
			metrics.OpenBatches.Set(float64(i.acc.Open()))
		}
	}
}

func (i *Ingestor) submit(ctx context.Context, pool pond.Pool, s batcher.Sealed) {
	i.stats.sealed.Add(1)
	metrics.BatchesSealed.WithLabelValues(string(s.Reason)).Inc()
	metrics.BatchRecords.Observe(float64(len(s.Records)))

	i.inflight.Add(1)
	i.inflightRecords.Add(int64(len(s.Records)))
	pool.Submit(func() {
		defer func() {
			i.inflight.Add(-1)
			i.inflightRecords.Add(-int64(len(s.Records)))
		}()
		i.flush(ctx, s)
	})
}

func (i *Ingestor) flush(ctx context.Context, s batcher.Sealed) {
	start := i.clock.Now()
	res, err := i.writer.WriteBatch(ctx, s)
	metrics.WriteDuration.Observe(i.clock.Since(start).Seconds())
	i.stats.writeSkipped.Add(int64(res.Skipped))

	if err != nil {
		i.stats.dropped.Add(1)
		i.stats.recordsLost.Add(int64(len(s.Records)))
		metrics.WriteOutcomes.WithLabelValues("dropped").Inc()
		metrics.RecordsDropped.Add(float64(len(s.Records)))
		if i.stopping.Load() {
			i.shutdownFailed.Add(1)
			i.shutdownLost.Add(int64(len(s.Records)))
		}
		i.logger.Error("batch dropped",
			"path", res.Path,
			"partition", s.Key.Path(),
			"records", len(s.Records),
			"attempts", res.Attempts,
			"reason", string(s.Reason),
			"error", err,
		)

		if i.cfg.AckDropped {
			i.ack(ctx, s)
			return
		}
		if ferr := s.Acks.Fail(ctx, err); ferr != nil {
			i.logger.Warn("fail notification failed", "path", res.Path, "error", ferr)
		}
		return
	}

	i.stats.written.Add(int64(res.Written))
	if res.Written > 0 {
		i.stats.objects.Add(1)
		metrics.WriteOutcomes.WithLabelValues("written").Inc()
	} else {
		metrics.WriteOutcomes.WithLabelValues("empty").Inc()
	}
	i.logger.Debug("batch written",
		"path", res.Path,
		"records", res.Written,
		"skipped", res.Skipped,
		"attempts", res.Attempts,
	)

	// Ack only after a successful write.
	i.ack(ctx, s)
}

func (i *Ingestor) ack(ctx context.Context, s batcher.Sealed) {
	err := i.cfg.AckRetry.Do(ctx, func(ctx context.Context) error {
		return s.Acks.Commit(ctx, i.source)
	})
	if err != nil {
		i.stats.ackFailed.Add(1)
		metrics.AckErrors.Inc()
		i.logger.Error("ack failed",
			"partition", s.Key.Path(),
			"name", s.Name,
			"messages", s.Acks.Len(),
			"error", err,
		)
	}
}

func (i *Ingestor) shutdown(ctx context.Context, cancelFlush context.CancelFunc, pool pond.Pool) error {
	i.stopping.Store(true)
	sealed := i.acc.FlushAll()
	records := 0
	for _, s := range sealed {
		records += len(s.Records)
		i.submit(ctx, pool, s)
	}
	metrics.OpenBatches.Set(0)
	i.logger.Info("flushing open batches", "batches", len(sealed), "records", records)

	done := make(chan struct{})
	go func() {
		pool.StopAndWait()
		close(done)
	}()

	var timeoutErr error
	select {
	case <-done:
	case <-i.clock.After(i.cfg.ShutdownTimeout):
		pending, pendingRecords := i.inflight.Load(), i.inflightRecords.Load()
		timeoutErr = &ShutdownFlushError{
			Batches: int(pending),
			Records: int(pendingRecords),
			Err:     fmt.Errorf("timed out after %s", i.cfg.ShutdownTimeout),
		}
		cancelFlush()
		<-done
	}
	if timeoutErr != nil {
		return timeoutErr
	}

	if n := i.shutdownFailed.Load(); n > 0 {
		return &ShutdownFlushError{Batches: int(n), Records: int(i.shutdownLost.Load()), Err: ErrWrite}
	}

	i.logger.Info("ingest stopped", "written", i.stats.written.Load(), "dropped", i.stats.dropped.Load())
	return nil
}
