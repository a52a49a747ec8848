// Package bet defines the bet event carried on the topic and stored in the lake.
package bet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the wire format of bet_time.
const TimeLayout = "2006-01-02 15:04:05"

const (
	StatusWon  = "won"
	StatusLost = "lost"
)

var (
	ErrMissingID   = errors.New("bet_id is required")
	ErrInvalidTime = errors.New("invalid bet_time")
)

// Bet is one settled bet.
//
// The parquet tags define the lake schema; analytics queries select these
// column names explicitly.
type Bet struct {
	BetID     string    `parquet:"bet_id"`
	PlayerID  int64     `parquet:"player_id"`
	GameID    int64     `parquet:"game_id"`
	BetTime   time.Time `parquet:"bet_time,timestamp"`
	Stake     float64   `parquet:"stake"`
	Odds      float64   `parquet:"odds"`
	Status    string    `parquet:"status"`
	ActualWin float64   `parquet:"actual_win"`
}

type wireBet struct {
	BetID     string  `json:"bet_id"`
	PlayerID  int64   `json:"player_id"`
	GameID    int64   `json:"game_id"`
	BetTime   string  `json:"bet_time"`
	Stake     float64 `json:"stake"`
	Odds      float64 `json:"odds"`
	Status    string  `json:"status"`
	ActualWin float64 `json:"actual_win"`
}

func (b Bet) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBet{
		BetID:     b.BetID,
		PlayerID:  b.PlayerID,
		GameID:    b.GameID,
		BetTime:   b.BetTime.UTC().Format(TimeLayout),
		Stake:     b.Stake,
		Odds:      b.Odds,
		Status:    b.Status,
		ActualWin: b.ActualWin,
	})
}

func (b *Bet) UnmarshalJSON(data []byte) error {
	out, err := Decode(data)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// ParseTime parses a bet_time value in any accepted layout, as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// Decode parses a JSON bet leniently: numeric fields may be numbers or
// numeric strings, blank values decode as zero. bet_id and a parseable
// bet_time are required.
func Decode(payload []byte) (Bet, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Bet{}, fmt.Errorf("decode bet: %w", err)
	}

	var b Bet
	b.BetID = str(raw["bet_id"])
	if b.BetID == "" {
		return Bet{}, ErrMissingID
	}

	ts, err := ParseTime(str(raw["bet_time"]))
	if err != nil {
		return Bet{}, err
	}
	b.BetTime = ts

	var errs []error
	b.PlayerID, err = toInt(raw["player_id"])
	errs = append(errs, fieldErr("player_id", err))
	b.GameID, err = toInt(raw["game_id"])
	errs = append(errs, fieldErr("game_id", err))
	b.Stake, err = toFloat(raw["stake"])
	errs = append(errs, fieldErr("stake", err))
	b.Odds, err = toFloat(raw["odds"])
	errs = append(errs, fieldErr("odds", err))
	b.ActualWin, err = toFloat(raw["actual_win"])
	errs = append(errs, fieldErr("actual_win", err))
	b.Status = str(raw["status"])

	if err := errors.Join(errs...); err != nil {
		return Bet{}, err
	}
	return b, nil
}

func fieldErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(x), nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return 0, nil
		}
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return 0, nil
		}
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
