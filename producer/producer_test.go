package producer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/baldanca/betlake/bet"
)

var now = time.Date(2025, 8, 27, 14, 5, 1, 0, time.UTC)

type fakePublisher struct {
	mu      sync.Mutex
	records []*kgo.Record
	flushes int
	fail    error
}

func (p *fakePublisher) Produce(_ context.Context, key, value []byte, fn func(*kgo.Record, error)) {
	r := &kgo.Record{Key: key, Value: value}
	p.mu.Lock()
	p.records = append(p.records, r)
	p.mu.Unlock()
	fn(r, p.fail)
}

func (p *fakePublisher) Flush(context.Context) error {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
	return nil
}

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	n := 0
	g, err := NewGenerator(DefaultPlayers(), DefaultGames(),
		WithClock(clockwork.NewFakeClockAt(now)),
		WithSeed(42),
		WithIDFunc(func() string { n++; return "bet-" + strconv.Itoa(n) }),
	)
	require.NoError(t, err)
	return g
}

func quietConfig() Config {
	return Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestWinProbability(t *testing.T) {
	cases := []struct {
		odds, want float64
	}{
		{0.5, 0.85},
		{1.5, 0.4},
		{2.0, 0.3},
		{3.0, 0.2},
		{20, 0.05},
		{0, 0.85},
	}
	for _, tc := range cases {
		require.InDelta(t, tc.want, WinProbability(tc.odds), 1e-9, "odds=%v", tc.odds)
	}
}

func TestNewGenerator_RequiresIDs(t *testing.T) {
	_, err := NewGenerator(nil, DefaultGames())
	require.Error(t, err)
	_, err = NewGenerator(DefaultPlayers(), nil)
	require.Error(t, err)
}

func TestGenerator_Next(t *testing.T) {
	g := newTestGenerator(t)
	for i := 0; i < 500; i++ {
		b := g.Next()

		if b.BetTime.After(now) || b.BetTime.Before(now.Add(-Spread)) {
			t.Fatalf("bet_time %v outside last 24h", b.BetTime)
		}
		require.Equal(t, b.BetTime, b.BetTime.Truncate(time.Second))
		require.True(t, b.PlayerID >= 1 && b.PlayerID <= 50, "player %d", b.PlayerID)
		require.True(t, b.GameID >= 1 && b.GameID <= 20, "game %d", b.GameID)
		require.True(t, b.Stake >= 4 && b.Stake <= 240, "stake %v", b.Stake)
		require.True(t, b.Odds >= 1.42 && b.Odds <= 3.15, "odds %v", b.Odds)

		switch b.Status {
		case bet.StatusWon:
			require.InDelta(t, round2(b.Stake*b.Odds), b.ActualWin, 1e-9)
		case bet.StatusLost:
			require.Zero(t, b.ActualWin)
		default:
			t.Fatalf("status=%q", b.Status)
		}
	}
}

func TestGenerator_SeedIsReproducible(t *testing.T) {
	a, b := newTestGenerator(t), newTestGenerator(t)
	for i := 0; i < 20; i++ {
		require.Equal(t, a.Next(), b.Next())
	}
}

func TestReadSeedIDs(t *testing.T) {
	ids, err := readSeedIDs(strings.NewReader("player_id,name\n3,a\n1,b\n3,c\n,d\n"))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, ids)

	ids, err = readSeedIDs(strings.NewReader("id,title\n7,x\n"))
	require.NoError(t, err)
	require.Equal(t, []int64{7}, ids)

	_, err = readSeedIDs(strings.NewReader("name\nx\n"))
	require.Error(t, err)

	_, err = readSeedIDs(strings.NewReader("id\nabc\n"))
	require.Error(t, err)

	ids, err = readSeedIDs(strings.NewReader(""))
	require.NoError(t, err)
	require.Nil(t, ids)
}

func TestLoadSeedIDs(t *testing.T) {
	ids, err := LoadSeedIDs(filepath.Join(t.TempDir(), "missing.csv"))
	require.NoError(t, err)
	require.Nil(t, ids)

	path := filepath.Join(t.TempDir(), "games.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,game_type\n2,poker\n5,casino\n"), 0o600))
	ids, err = LoadSeedIDs(path)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 5}, ids)
}

func TestRun_StopsAfterCount(t *testing.T) {
	pub := &fakePublisher{}
	cfg := quietConfig()
	cfg.Count = 25

	res, err := Run(context.Background(), cfg, newTestGenerator(t), pub)
	require.NoError(t, err)
	require.Equal(t, int64(25), res.Sent)
	require.Zero(t, res.Failed)
	require.Len(t, pub.records, 25)
	require.Equal(t, 1, pub.flushes)

	for _, r := range pub.records {
		var b bet.Bet
		require.NoError(t, json.Unmarshal(r.Value, &b))
		require.Equal(t, strconv.FormatInt(b.PlayerID, 10), string(r.Key))
	}
}

func TestRun_Bursts(t *testing.T) {
	pub := &fakePublisher{}
	cfg := quietConfig()
	cfg.Count = 10
	cfg.Bursts = 1
	cfg.BurstSize = 3

	res, err := Run(context.Background(), cfg, newTestGenerator(t), pub)
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Sent)
	require.Equal(t, 1, res.Bursts)
	// one flush after the burst, one at the end
	require.Equal(t, 2, pub.flushes)
}

func TestRun_CountsDeliveryFailures(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("broker down")}
	cfg := quietConfig()
	cfg.Count = 4

	res, err := Run(context.Background(), cfg, newTestGenerator(t), pub)
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Failed)
}

func TestRun_StopsOnDuration(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	pub := &fakePublisher{}
	cfg := quietConfig()
	cfg.Rate = 1000
	cfg.Duration = time.Minute
	cfg.Clock = clock

	gen := newTestGenerator(t)
	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), cfg, gen, pub)
		done <- err
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after Duration")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	cfg := quietConfig()
	cfg.Rate = 100

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, cfg, newTestGenerator(t), pub)
	require.NoError(t, err)
	require.Positive(t, res.Sent)
	require.Less(t, res.Sent, int64(100))
}
