package pgstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const seedSchema = `
	CREATE TABLE IF NOT EXISTS players (
		player_id         INT PRIMARY KEY,
		registration_date DATE,
		segment           TEXT,
		vip_tier          TEXT,
		country           TEXT
	);
	CREATE TABLE IF NOT EXISTS games (
		game_id   INT PRIMARY KEY,
		game_type TEXT,
		provider  TEXT,
		league    TEXT,
		market    TEXT
	);
	CREATE TABLE IF NOT EXISTS bets (
		bet_id     INT PRIMARY KEY,
		player_id  INT,
		game_id    INT,
		stake      NUMERIC(18,2),
		odds       NUMERIC(10,2),
		bet_time   TIMESTAMPTZ,
		status     TEXT,
		actual_win NUMERIC(18,2)
	)`

// SeedTable is one CSV file loaded into one table. Values are sent as text
// and cast to Types server side.
type SeedTable struct {
	File    string
	Table   string
	Columns []string
	Types   []string
}

var SeedTables = []SeedTable{
	{
		File:    "players.csv",
		Table:   "players",
		Columns: []string{"player_id", "registration_date", "segment", "vip_tier", "country"},
		Types:   []string{"int", "date", "text", "text", "text"},
	},
	{
		File:    "games.csv",
		Table:   "games",
		Columns: []string{"game_id", "game_type", "provider", "league", "market"},
		Types:   []string{"int", "text", "text", "text", "text"},
	},
	{
		File:    "bets.csv",
		Table:   "bets",
		Columns: []string{"bet_id", "player_id", "game_id", "stake", "odds", "bet_time", "status", "actual_win"},
		Types:   []string{"int", "int", "int", "numeric", "numeric", "timestamptz", "text", "numeric"},
	},
}

// SeedResult counts inserted rows per table. Rows that already existed are
// not counted.
type SeedResult map[string]int64

// EnsureSeedSchema creates the players, games and bets tables.
func EnsureSeedSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, seedSchema); err != nil {
		return fmt.Errorf("failed to create seed tables: %w", err)
	}
	return nil
}

// LoadSeeds creates the seed tables and loads every SeedTables file found in
// dir. Missing files are skipped. Blank CSV values are stored as NULL.
func LoadSeeds(ctx context.Context, db DB, dir string, logger *slog.Logger) (SeedResult, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if err := EnsureSeedSchema(ctx, db); err != nil {
		return nil, err
	}

	res := SeedResult{}
	for _, st := range SeedTables {
		path := filepath.Join(dir, st.File)
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("seed file not found, skipping", "path", path)
			continue
		}
		if err != nil {
			return res, err
		}
		n, err := loadCSV(ctx, db, f, st)
		f.Close()
		if err != nil {
			return res, fmt.Errorf("load %s: %w", path, err)
		}
		res[st.Table] = n
		logger.Info("seed loaded", "table", st.Table, "rows", n)
	}
	return res, nil
}

func loadCSV(ctx context.Context, db DB, r io.Reader, st SeedTable) (int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	cols := make([]int, len(st.Columns))
	for i, c := range st.Columns {
		pos, ok := index[c]
		if !ok {
			return 0, fmt.Errorf("missing column %q", c)
		}
		cols[i] = pos
	}

	stmt := insertSeed(st)
	var inserted int64
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return inserted, nil
		}
		if err != nil {
			return inserted, err
		}
		args := make([]any, len(cols))
		for i, pos := range cols {
			if pos < len(row) && strings.TrimSpace(row[pos]) != "" {
				args[i] = row[pos]
			}
		}
		tag, err := db.Exec(ctx, stmt, args...)
		if err != nil {
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
}

func insertSeed(st SeedTable) string {
	ph := make([]string, len(st.Columns))
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d::text::%s", i+1, st.Types[i])
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		st.Table, strings.Join(st.Columns, ", "), strings.Join(ph, ", "))
}
