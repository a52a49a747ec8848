package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/baldanca/betlake/batcher"
	"github.com/baldanca/betlake/ingestor"
	"github.com/baldanca/betlake/metrics"
	"github.com/baldanca/betlake/transformer"
)

// DefaultBatchSize matches the mirror's record-count trigger.
const DefaultBatchSize = 500

const insertStream = `
	INSERT INTO public.bets_stream
		(bet_id, player_id, game_id, bet_time, stake, odds, status, actual_win)
	SELECT * FROM unnest(
		$1::text[], $2::bigint[], $3::bigint[], $4::timestamp[],
		$5::float8[], $6::float8[], $7::text[], $8::float8[]
	)
	ON CONFLICT (bet_id) DO NOTHING`

// Writer upserts a sealed batch into bets_stream in one statement. Rows
// already present are left untouched, so a retried batch is harmless.
type Writer struct {
	db     DB
	decode transformer.Bet
	retry  ingestor.RetryPolicy
	logger *slog.Logger
}

func NewWriter(db DB, retry ingestor.RetryPolicy, logger *slog.Logger) *Writer {
	if db == nil {
		panic("postgres db is required")
	}
	if retry == nil {
		retry = ingestor.DefaultWriteRetry
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Writer{db: db, retry: retry, logger: logger}
}

func (w *Writer) WriteBatch(ctx context.Context, b batcher.Sealed) (ingestor.WriteResult, error) {
	res := ingestor.WriteResult{Path: StreamTable}

	n := len(b.Records)
	var (
		ids      = make([]string, 0, n)
		players  = make([]int64, 0, n)
		games    = make([]int64, 0, n)
		times    = make([]time.Time, 0, n)
		stakes   = make([]float64, 0, n)
		odds     = make([]float64, 0, n)
		statuses = make([]string, 0, n)
		wins     = make([]float64, 0, n)
	)
	for idx, rec := range b.Records {
		bet, err := w.decode.Transform(ctx, rec)
		if err != nil {
			res.Skipped++
			metrics.RecordsSkipped.WithLabelValues("write").Inc()
			w.logger.Debug("skipping record", "index", idx, "error", fmt.Errorf("%w: %w", ingestor.ErrDecode, err))
			continue
		}
		ids = append(ids, bet.BetID)
		players = append(players, bet.PlayerID)
		games = append(games, bet.GameID)
		times = append(times, bet.BetTime)
		stakes = append(stakes, bet.Stake)
		odds = append(odds, bet.Odds)
		statuses = append(statuses, bet.Status)
		wins = append(wins, bet.ActualWin)
	}
	if len(ids) == 0 {
		return res, nil
	}

	var inserted int64
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		res.Attempts++
		tag, err := w.db.Exec(ctx, insertStream, ids, players, games, times, stakes, odds, statuses, wins)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ingestor.ErrWrite, StreamTable, err)
	}

	res.Written = len(ids)
	w.logger.Debug("mirrored batch", "rows", len(ids), "inserted", inserted, "skipped", res.Skipped)
	return res, nil
}
