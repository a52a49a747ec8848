package sink

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory_WriteListRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, WriteRequest{Key: "bets/dt=2025-08-27/b.jsonl", Data: []byte("b"), ContentType: "application/x-ndjson"}))
	require.NoError(t, m.Write(ctx, WriteRequest{Key: "bets/dt=2025-08-27/a.jsonl", Data: []byte("a")}))
	require.NoError(t, m.Write(ctx, WriteRequest{Key: "bets/dt=2025-08-28/c.jsonl", Data: []byte("c")}))
	require.Error(t, m.Write(ctx, WriteRequest{}))

	objs, err := m.List(ctx, "bets/dt=2025-08-27/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "bets/dt=2025-08-27/a.jsonl", objs[0].Key)

	data, err := m.Read(ctx, "bets/dt=2025-08-27/b.jsonl")
	require.NoError(t, err)
	require.Equal(t, "b", string(data))
	require.Equal(t, "application/x-ndjson", m.ContentType("bets/dt=2025-08-27/b.jsonl"))

	_, err = m.Read(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.WriteStream(ctx, StreamWriteRequest{
		Key:    "bets/dt=2025-08-27/b.jsonl",
		Writer: StreamWriterFunc(func(w io.Writer) error { _, err := io.WriteString(w, "b2"); return err }),
	}))
	data, err = m.Read(ctx, "bets/dt=2025-08-27/b.jsonl")
	require.NoError(t, err)
	require.Equal(t, "b2", string(data))
	require.Equal(t, 4, m.Writes())
}
