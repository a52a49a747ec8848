package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/baldanca/betlake/bet"
)

type testItem struct {
	ID    int64   `parquet:"id"`
	Name  string  `parquet:"name"`
	Value float64 `parquet:"value"`
}

func TestParquetEncoder_FileExtension(t *testing.T) {
	e := ParquetEncoder[testItem]{}
	if got := e.FileExtension(); got != ".parquet" {
		t.Fatalf("FileExtension() = %q; want %q", got, ".parquet")
	}
	if got := e.ContentType(); got != ParquetContentType {
		t.Fatalf("ContentType() = %q; want %q", got, ParquetContentType)
	}
}

func TestParquetEncoder_UnsupportedCompression(t *testing.T) {
	e := ParquetEncoder[testItem]{Compression: "brotli"}
	_, _, err := e.Encode(context.Background(), []testItem{{ID: 1}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestParquetEncoder_ContextCanceledBefore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := ParquetEncoder[testItem]{}
	_, _, err := e.Encode(ctx, []testItem{{ID: 1}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParquetEncoder_EncodeRoundTrip(t *testing.T) {
	items := []testItem{
		{ID: 1, Name: "a", Value: 1.25},
		{ID: 2, Name: "b", Value: 2.50},
		{ID: 3, Name: "c", Value: 3.75},
	}

	for _, compression := range []string{"", "snappy", "gzip", "zstd"} {
		t.Run("compression="+compression, func(t *testing.T) {
			e := ParquetEncoder[testItem]{Compression: compression}
			data, ct, err := e.Encode(context.Background(), items)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			if ct != ParquetContentType {
				t.Fatalf("contentType = %q; want %q", ct, ParquetContentType)
			}

			got, err := ReadParquet[testItem](data)
			if err != nil {
				t.Fatalf("read parquet error: %v", err)
			}
			if len(got) != len(items) {
				t.Fatalf("expected %d rows back, got %d", len(items), len(got))
			}
			for i := range items {
				if got[i] != items[i] {
					t.Fatalf("row %d mismatch: got=%+v want=%+v", i, got[i], items[i])
				}
			}
		})
	}
}

func TestParquetEncoder_EncodeTo_MatchesEncode(t *testing.T) {
	items := []testItem{{ID: 10, Name: "x", Value: 10}}
	e := ParquetEncoder[testItem]{Compression: "snappy"}

	var buf bytes.Buffer
	if err := e.EncodeTo(context.Background(), items, &buf); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}
	got, err := ReadParquet[testItem](buf.Bytes())
	if err != nil {
		t.Fatalf("read parquet error: %v", err)
	}
	if len(got) != 1 || got[0] != items[0] {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestParquetEncoder_BetSchema(t *testing.T) {
	bets := []bet.Bet{{
		BetID:     "b-1",
		PlayerID:  7,
		GameID:    3,
		BetTime:   time.Date(2025, 8, 27, 14, 5, 1, 0, time.UTC),
		Stake:     20,
		Odds:      1.8,
		Status:    bet.StatusWon,
		ActualWin: 36,
	}}

	data, _, err := ParquetEncoder[bet.Bet]{Compression: "snappy"}.Encode(context.Background(), bets)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ReadParquet[bet.Bet](data)
	if err != nil {
		t.Fatalf("ReadParquet: %v", err)
	}
	if len(got) != 1 || got[0].BetID != "b-1" || !got[0].BetTime.Equal(bets[0].BetTime) || got[0].ActualWin != 36 {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestReadParquet_RejectsGarbage(t *testing.T) {
	if _, err := ReadParquet[testItem]([]byte("not parquet")); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestParquetEncoder_ContextDeadlineExceededBefore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()

	time.Sleep(1 * time.Millisecond)

	e := ParquetEncoder[testItem]{}
	_, _, err := e.Encode(ctx, []testItem{{ID: 1, Name: "late", Value: 1}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func makeBenchBets(n int) []bet.Bet {
	items := make([]bet.Bet, n)
	base := time.Date(2025, 8, 27, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		items[i] = bet.Bet{
			BetID:    fmt.Sprintf("bet-%d", i),
			PlayerID: int64(i % 50),
			GameID:   int64(i % 20),
			BetTime:  base.Add(time.Duration(i) * time.Second),
			Stake:    float64(i%200) * 1.1,
			Odds:     2,
			Status:   bet.StatusLost,
		}
	}
	return items
}

func benchmarkParquetEncode(b *testing.B, n int, compression string) {
	b.Helper()

	items := makeBenchBets(n)
	enc := ParquetEncoder[bet.Bet]{Compression: compression}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		data, ct, err := enc.Encode(ctx, items)
		if err != nil {
			b.Fatalf("Encode error: %v", err)
		}
		if ct == "" || len(data) == 0 {
			b.Fatalf("invalid result: ct=%q len=%d", ct, len(data))
		}
	}
}

func BenchmarkParquetEncoder(b *testing.B) {
	for _, compression := range []string{"", "snappy", "zstd"} {
		for _, n := range []int{100, 1_000, 10_000} {
			b.Run(fmt.Sprintf("%s/n=%d", compression, n), func(b *testing.B) {
				benchmarkParquetEncode(b, n, compression)
			})
		}
	}
}
