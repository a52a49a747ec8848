// Package producer generates synthetic bets and publishes them to Kafka at
// a controlled rate.
package producer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/baldanca/betlake/bet"
)

var (
	stakeSteps = []float64{5, 10, 20, 50, 100, 200}
	oddsSteps  = []float64{1.5, 1.8, 2.0, 2.5, 3.0}
)

// Spread is how far back in time generated bets are placed.
const Spread = 24 * time.Hour

// DefaultPlayers and DefaultGames are used when no seed file is available.
func DefaultPlayers() []int64 { return idRange(50) }
func DefaultGames() []int64   { return idRange(20) }

func idRange(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

// Generator builds random bets. It is not safe for concurrent use.
type Generator struct {
	players []int64
	games   []int64
	clock   clockwork.Clock
	rnd     *rand.Rand
	newID   func() string
}

type GeneratorOption func(*Generator)

func WithClock(c clockwork.Clock) GeneratorOption {
	return func(g *Generator) { g.clock = c }
}

// WithSeed makes the generated values reproducible. IDs stay random unless
// WithIDFunc is also set.
func WithSeed(seed uint64) GeneratorOption {
	return func(g *Generator) { g.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func WithIDFunc(fn func() string) GeneratorOption {
	return func(g *Generator) { g.newID = fn }
}

func NewGenerator(players, games []int64, opts ...GeneratorOption) (*Generator, error) {
	if len(players) == 0 {
		return nil, errors.New("no player ids")
	}
	if len(games) == 0 {
		return nil, errors.New("no game ids")
	}
	g := &Generator{
		players: slices.Clone(players),
		games:   slices.Clone(games),
		clock:   clockwork.NewRealClock(),
		rnd:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Next returns a bet placed at a random time within the last Spread.
func (g *Generator) Next() bet.Bet {
	back := time.Duration(g.rnd.Int64N(int64(Spread)))
	return g.NextAt(g.clock.Now().Add(-back))
}

// NextAt returns a bet placed at t, truncated to whole seconds.
func (g *Generator) NextAt(t time.Time) bet.Bet {
	stake := round2(stakeSteps[g.rnd.IntN(len(stakeSteps))] * g.uniform(0.8, 1.2))
	odds := round2(oddsSteps[g.rnd.IntN(len(oddsSteps))] * g.uniform(0.95, 1.05))

	b := bet.Bet{
		BetID:    g.newID(),
		PlayerID: g.players[g.rnd.IntN(len(g.players))],
		GameID:   g.games[g.rnd.IntN(len(g.games))],
		BetTime:  t.UTC().Truncate(time.Second),
		Stake:    stake,
		Odds:     odds,
		Status:   bet.StatusLost,
	}
	if g.rnd.Float64() < WinProbability(odds) {
		b.Status = bet.StatusWon
		b.ActualWin = round2(stake * odds)
	}
	return b
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rnd.Float64()*(hi-lo)
}

// WinProbability is 0.6/odds clamped to [0.05, 0.85].
func WinProbability(odds float64) float64 {
	if odds <= 0 {
		return 0.85
	}
	return min(0.85, max(0.05, 0.6/odds))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// LoadSeedIDs reads the ids of a players or games CSV. The id is taken from
// the player_id column, or the id column when there is none. A missing file
// yields nil and no error so callers can fall back to the defaults.
func LoadSeedIDs(path string) ([]int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSeedIDs(f)
}

func readSeedIDs(r io.Reader) ([]int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := -1
	for _, name := range []string{"player_id", "id"} {
		if i := slices.Index(header, name); i >= 0 {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("no player_id or id column in %v", header)
	}

	seen := make(map[int64]struct{})
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if col >= len(row) || strings.TrimSpace(row[col]) == "" {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[col]), 10, 64)
		if err != nil {
			line, _ := cr.FieldPos(col)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		seen[id] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
