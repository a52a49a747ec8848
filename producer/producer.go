package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/baldanca/betlake/bet"
	"github.com/baldanca/betlake/metrics"
)

// Publisher is the subset of kafka.Client used by Run.
type Publisher interface {
	Produce(ctx context.Context, key, value []byte, fn func(*kgo.Record, error))
	Flush(ctx context.Context) error
}

type Config struct {
	// Rate is events per second. Zero or negative means unlimited.
	Rate float64
	// Bursts is how many extra bursts to send; zero disables them. A burst
	// of BurstSize events follows every BurstSize paced events.
	Bursts int
	// BurstSize defaults to Rate*5.
	BurstSize int
	// Duration stops the run after this long. Zero runs until ctx is done.
	Duration time.Duration
	// Count stops the run after this many events. Zero means no limit.
	Count int64

	FlushTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

type Result struct {
	Sent   int64
	Failed int64
	Bursts int
}

// Run publishes bets from gen until ctx is done, Duration elapses or Count
// events were sent. Buffered records are flushed before it returns.
func Run(ctx context.Context, cfg Config, gen *Generator, pub Publisher) (Result, error) {
	if gen == nil || pub == nil {
		return Result{}, errors.New("generator and publisher are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	burstSize := cfg.BurstSize
	if burstSize <= 0 {
		burstSize = int(cfg.Rate * 5)
	}

	var stop <-chan time.Time
	if cfg.Duration > 0 {
		stop = clock.After(cfg.Duration)
	}

	var (
		res    Result
		failed atomic.Int64
		paced  int
	)
	onDelivery := func(_ *kgo.Record, err error) {
		if err != nil {
			failed.Add(1)
			metrics.RecordsProduced.WithLabelValues("error").Inc()
			logger.Warn("produce failed", "error", err)
			return
		}
		metrics.RecordsProduced.WithLabelValues("ok").Inc()
	}
	send := func(b bet.Bet) error {
		value, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal bet: %w", err)
		}
		pub.Produce(ctx, []byte(strconv.FormatInt(b.PlayerID, 10)), value, onDelivery)
		res.Sent++
		return nil
	}
	done := func() bool {
		if cfg.Count > 0 && res.Sent >= cfg.Count {
			return true
		}
		select {
		case <-stop:
			return true
		default:
			return ctx.Err() != nil
		}
	}

	logger.Info("producing", "rate", cfg.Rate, "bursts", cfg.Bursts, "duration", cfg.Duration)

	var runErr error
	for !done() {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		b := gen.Next()
		if runErr = send(b); runErr != nil {
			break
		}
		paced++

		if res.Bursts < cfg.Bursts && burstSize > 0 && paced%burstSize == 0 {
			res.Bursts++
			for i := 0; i < burstSize && !done(); i++ {
				offset := time.Duration(1+gen.rnd.IntN(60)) * time.Second
				if runErr = send(gen.NextAt(b.BetTime.Add(offset))); runErr != nil {
					break
				}
			}
			if runErr != nil {
				break
			}
			if err := pub.Flush(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("flush after burst failed", "error", err)
			}
		}
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.FlushTimeout)
	defer cancel()
	flushErr := pub.Flush(flushCtx)

	res.Failed = failed.Load()
	logger.Info("produced", "sent", res.Sent, "failed", res.Failed, "bursts", res.Bursts)

	if flushErr != nil {
		flushErr = fmt.Errorf("flush: %w", flushErr)
	}
	return res, errors.Join(runErr, flushErr)
}
