package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baldanca/betlake/record"
)

var arrival = time.Date(2025, 8, 27, 14, 5, 1, 0, time.UTC)

func TestKey_Path(t *testing.T) {
	require.Equal(t, "", Key{}.Path())
	k := Key{Segments: []Segment{{"dt", "2025-08-27"}, {"hour", "14"}}}
	require.Equal(t, "dt=2025-08-27/hour=14", k.Path())
	require.Equal(t, k.Path(), k.String())
}

func TestArrivalTime_Derive(t *testing.T) {
	rec := record.Record{ArrivalTime: arrival.In(time.FixedZone("BRT", -3*3600))}

	require.Equal(t, "dt=2025-08-27", ArrivalTime{}.Derive(rec).Path())
	require.Equal(t, "dt=2025-08-27/hour=14", ArrivalTime{Hourly: true}.Derive(rec).Path())
	require.Equal(t, "arrival_date=2025-08-27", ArrivalTime{DateName: "arrival_date"}.Derive(rec).Path())
}

func TestEventTime_DateName(t *testing.T) {
	d := NewEventTime(false, "game_type")
	d.DateName = "event_date"

	rec := record.Record{
		Payload:     []byte(`{"bet_time":"2025-08-20 23:59:59","game_type":"slots"}`),
		ArrivalTime: arrival,
	}
	require.Equal(t, "event_date=2025-08-20/game_type=slots", d.Derive(rec).Path())

	// The arrival fallback keeps the configured name.
	rec.Payload = []byte(`{"game_type":"slots"}`)
	require.Equal(t, "event_date=2025-08-27", d.Derive(rec).Path())
}

func TestEventTime_Derive(t *testing.T) {
	tests := []struct {
		name    string
		deriver EventTime
		payload string
		want    string
	}{
		{
			name:    "bet_time daily",
			deriver: NewEventTime(false),
			payload: `{"bet_id":"x","bet_time":"2025-08-20 23:59:59"}`,
			want:    "dt=2025-08-20",
		},
		{
			name:    "bet_time hourly",
			deriver: NewEventTime(true),
			payload: `{"bet_time":"2025-08-20 07:10:00"}`,
			want:    "dt=2025-08-20/hour=07",
		},
		{
			name:    "rfc3339 converted to utc",
			deriver: NewEventTime(true),
			payload: `{"bet_time":"2025-08-20T23:30:00-03:00"}`,
			want:    "dt=2025-08-21/hour=02",
		},
		{
			name:    "dimension present",
			deriver: NewEventTime(false, "game_type"),
			payload: `{"bet_time":"2025-08-20 10:00:00","game_type":"slots"}`,
			want:    "dt=2025-08-20/game_type=slots",
		},
		{
			name:    "numeric dimension",
			deriver: NewEventTime(false, "game_id"),
			payload: `{"bet_time":"2025-08-20 10:00:00","game_id":7}`,
			want:    "dt=2025-08-20/game_id=7",
		},
		{
			name:    "dimension missing",
			deriver: NewEventTime(false, "game_type"),
			payload: `{"bet_time":"2025-08-20 10:00:00"}`,
			want:    "dt=2025-08-20/game_type=unknown",
		},
		{
			name:    "dimension null",
			deriver: NewEventTime(false, "game_type"),
			payload: `{"bet_time":"2025-08-20 10:00:00","game_type":null}`,
			want:    "dt=2025-08-20/game_type=unknown",
		},
		{
			name:    "dimension with separators",
			deriver: NewEventTime(false, "game_type"),
			payload: `{"bet_time":"2025-08-20 10:00:00","game_type":"../etc/x=y"}`,
			want:    "dt=2025-08-20/game_type=.._etc_x_y",
		},
		{
			name:    "missing time falls back to arrival day",
			deriver: NewEventTime(true, "game_type"),
			payload: `{"game_type":"slots"}`,
			want:    "dt=2025-08-27",
		},
		{
			name:    "unparseable time falls back",
			deriver: NewEventTime(true),
			payload: `{"bet_time":"yesterday"}`,
			want:    "dt=2025-08-27",
		},
		{
			name:    "non json payload falls back",
			deriver: NewEventTime(false),
			payload: `not json`,
			want:    "dt=2025-08-27",
		},
		{
			name:    "custom field and layout",
			deriver: EventTime{Field: "ts", Layouts: []string{"02/01/2006"}},
			payload: `{"ts":"03/02/2025"}`,
			want:    "dt=2025-02-03",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := record.Record{Payload: []byte(tc.payload), ArrivalTime: arrival}
			got := tc.deriver.Derive(rec)
			require.Equal(t, tc.want, got.Path())
			require.Equal(t, got.Path(), tc.deriver.Derive(rec).Path(), "derive must be deterministic")
		})
	}
}

func TestSanitize(t *testing.T) {
	require.Equal(t, "_", Sanitize(".."))
	require.Equal(t, "_", Sanitize("."))
	require.Equal(t, "a_b_c", Sanitize(" a/b\\c "))
	require.Equal(t, "x_y", Sanitize("x\ny"))
}

func TestDeriverFunc(t *testing.T) {
	d := DeriverFunc(func(record.Record) Key { return Key{Segments: []Segment{{"all", "1"}}} })
	require.Equal(t, "all=1", d.Derive(record.Record{}).Path())
}
