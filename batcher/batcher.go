// Package batcher groups an unbounded record stream into per-partition
// batches and seals them on a record-count trigger, an age trigger, or an
// explicit flush.
package batcher

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/baldanca/betlake/partition"
	"github.com/baldanca/betlake/record"
	"github.com/baldanca/betlake/source"
)

// Reason records which trigger sealed a batch.
type Reason string

const (
	ReasonCount    Reason = "count"
	ReasonAge      Reason = "age"
	ReasonShutdown Reason = "shutdown"
)

const nameTimeLayout = "20060102T150405.000000"

type Config struct {
	// MaxRecords seals a batch once it holds this many records.
	MaxRecords int
	// MaxAge seals a batch once this much time has passed since it opened.
	MaxAge time.Duration
	// NameGenerator names a sealed batch from its seal time. Names must be
	// unique across process lifetimes.
	NameGenerator func(time.Time) string

	Clock  clockwork.Clock
	Logger *slog.Logger
}

var DefaultConfig = Config{
	MaxRecords: 1000,
	MaxAge:     30 * time.Second,
}

func (c *Config) validate() error {
	if c.MaxRecords <= 0 {
		return errors.New("MaxRecords must be > 0")
	}
	if c.MaxAge <= 0 {
		return errors.New("MaxAge must be > 0")
	}
	return nil
}

// DefaultName renders part-<UTC timestamp with microseconds>-<8 hex>.
func DefaultName(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "part-" + t.UTC().Format(nameTimeLayout) + "-" + suffix
}

// Batch is an open batch. It is owned by the Accumulator; callers only hold
// it as a handle for Append.
type Batch struct {
	key      partition.Key
	path     string
	openedAt time.Time

	records []record.Record
	acks    source.AckGroup
	sealed  bool
}

func (b *Batch) Key() partition.Key  { return b.key }
func (b *Batch) OpenedAt() time.Time { return b.openedAt }

// Sealed is an immutable batch ready to be written.
type Sealed struct {
	Key      partition.Key
	Name     string
	Records  []record.Record
	Acks     source.AckGroup
	OpenedAt time.Time
	SealedAt time.Time
	Reason   Reason
}

// Accumulator holds at most one open batch per partition key.
//
// All methods are safe for concurrent use. None of them perform I/O.
type Accumulator struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*Batch
}

func New(cfg Config) (*Accumulator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.NameGenerator == nil {
		cfg.NameGenerator = DefaultName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Accumulator{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		open:   make(map[string]*Batch),
	}, nil
}

// Stamp builds a record with the accumulator's current time as arrival time.
func (a *Accumulator) Stamp(key, payload []byte) record.Record {
	return record.Record{Key: key, Payload: payload, ArrivalTime: a.clock.Now().UTC()}
}

// OpenOrGet returns the open batch for key, creating it if none exists.
func (a *Accumulator) OpenOrGet(key partition.Key) *Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openOrGetLocked(key)
}

func (a *Accumulator) openOrGetLocked(key partition.Key) *Batch {
	path := key.Path()
	if b, ok := a.open[path]; ok {
		return b
	}
	b := &Batch{
		key:      key,
		path:     path,
		openedAt: a.clock.Now(),
		records:  make([]record.Record, 0, min(a.cfg.MaxRecords, 1024)),
	}
	a.open[path] = b
	return b
}

// Append adds rec (and its source message, which may be nil) to b and seals
// the batch if a trigger fired. The record that crosses a threshold is part
// of the returned batch.
//
// If b was already sealed, for example by a concurrent Tick, the record goes
// to the key's current open batch instead.
func (a *Accumulator) Append(b *Batch, rec record.Record, msg source.Message) *Sealed {
	a.mu.Lock()
	if b.sealed {
		b = a.openOrGetLocked(b.key)
	}
	s := a.appendLocked(b, rec, msg)
	a.mu.Unlock()

	if s != nil {
		a.logSealed(s)
	}
	return s
}

// Add is OpenOrGet followed by Append under a single lock hold.
func (a *Accumulator) Add(key partition.Key, rec record.Record, msg source.Message) *Sealed {
	a.mu.Lock()
	s := a.appendLocked(a.openOrGetLocked(key), rec, msg)
	a.mu.Unlock()

	if s != nil {
		a.logSealed(s)
	}
	return s
}

func (a *Accumulator) appendLocked(b *Batch, rec record.Record, msg source.Message) *Sealed {
	b.records = append(b.records, rec)
	b.acks.Add(msg)

	now := a.clock.Now()
	switch {
	case len(b.records) >= a.cfg.MaxRecords:
		s := a.sealLocked(b, now, ReasonCount)
		return &s
	case now.Sub(b.openedAt) >= a.cfg.MaxAge:
		s := a.sealLocked(b, now, ReasonAge)
		return &s
	}
	return nil
}

// Tick seals every open batch whose age at now has reached MaxAge.
func (a *Accumulator) Tick(now time.Time) []Sealed {
	a.mu.Lock()
	var out []Sealed
	for _, b := range a.open {
		if now.Sub(b.openedAt) >= a.cfg.MaxAge {
			out = append(out, a.sealLocked(b, now, ReasonAge))
		}
	}
	a.mu.Unlock()

	sortSealed(out)
	for i := range out {
		a.logSealed(&out[i])
	}
	return out
}

// FlushAll seals every open batch, leaving none open.
func (a *Accumulator) FlushAll() []Sealed {
	now := a.clock.Now()

	a.mu.Lock()
	out := make([]Sealed, 0, len(a.open))
	for _, b := range a.open {
		out = append(out, a.sealLocked(b, now, ReasonShutdown))
	}
	a.mu.Unlock()

	sortSealed(out)
	for i := range out {
		a.logSealed(&out[i])
	}
	return out
}

// Open reports the number of open batches.
func (a *Accumulator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Buffered reports the number of records held in open batches.
func (a *Accumulator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.open {
		n += len(b.records)
	}
	return n
}

func (a *Accumulator) sealLocked(b *Batch, now time.Time, reason Reason) Sealed {
	b.sealed = true
	delete(a.open, b.path)

	s := Sealed{
		Key:      b.key,
		Name:     a.cfg.NameGenerator(now),
		Records:  b.records,
		Acks:     b.acks,
		OpenedAt: b.openedAt,
		SealedAt: now,
		Reason:   reason,
	}
	b.records = nil
	b.acks = source.AckGroup{}
	return s
}

func (a *Accumulator) logSealed(s *Sealed) {
	a.logger.Debug("batch sealed",
		"partition", s.Key.Path(),
		"name", s.Name,
		"records", len(s.Records),
		"reason", string(s.Reason),
	)
}

func sortSealed(s []Sealed) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Key.Path() < s[j].Key.Path()
	})
}
