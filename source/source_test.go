package source

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

type testMsg struct {
	id     string
	handle string
	metaOK bool

	failed *int
}

func (m testMsg) Data() Envelope                    { return Envelope{Payload: []byte(m.id)} }
func (m testMsg) EstimatedSizeBytes() (int64, bool) { return int64(len(m.id)), true }
func (m testMsg) Fail(ctx context.Context, reason error) error {
	if m.failed != nil {
		*m.failed++
	}
	return nil
}

func (m testMsg) AckMeta() (AckMetadata, bool) {
	if !m.metaOK || m.handle == "" {
		return AckMetadata{}, false
	}
	return AckMetadata{ID: m.id, Handle: m.handle}, true
}

type fakeSrc struct {
	ackCalls     int
	ackMetaCalls int

	gotMsgs  []Message
	gotMetas []AckMetadata

	err error
}

func (s *fakeSrc) Receive(ctx context.Context) (Message, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeSrc) AckBatch(ctx context.Context, msgs []Message) error {
	s.ackCalls++
	s.gotMsgs = append([]Message(nil), msgs...)
	return s.err
}

func (s *fakeSrc) AckBatchMeta(ctx context.Context, metas []AckMetadata) error {
	s.ackMetaCalls++
	s.gotMetas = append([]AckMetadata(nil), metas...)
	return s.err
}

func (s *fakeSrc) Close() {}

func TestAckGroup_Add_AppendsInOrder(t *testing.T) {
	var g AckGroup

	m1 := testMsg{id: "a"}
	m2 := testMsg{id: "b"}
	m3 := testMsg{id: "c"}

	g.Add(m1)
	g.Add(nil)
	g.Add(m2)
	g.Add(m3)

	if got := g.Len(); got != 3 {
		t.Fatalf("expected len=3, got %d", got)
	}
	msgs := g.Messages()
	if msgs[0] != m1 || msgs[1] != m2 || msgs[2] != m3 {
		t.Fatalf("messages not appended in order: %#v", msgs)
	}
}

func TestAckGroup_Commit_EmptyIsNoop(t *testing.T) {
	var g AckGroup
	src := &fakeSrc{}

	if err := g.Commit(context.Background(), src); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if src.ackCalls != 0 || src.ackMetaCalls != 0 {
		t.Fatalf("expected no ack calls, got %d/%d", src.ackCalls, src.ackMetaCalls)
	}
}

func TestAckGroup_Commit_UsesMetaPathWhenAllMetasAvailable(t *testing.T) {
	var g AckGroup
	src := &fakeSrc{}

	g.Add(testMsg{id: "1", handle: "h-1", metaOK: true})
	g.Add(testMsg{id: "2", handle: "h-2", metaOK: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := g.Commit(ctx, src); err != nil {
		t.Fatalf("commit returned error: %v", err)
	}

	if src.ackMetaCalls != 1 || src.ackCalls != 0 {
		t.Fatalf("expected meta path only, got meta=%d plain=%d", src.ackMetaCalls, src.ackCalls)
	}

	want := []AckMetadata{
		{ID: "1", Handle: "h-1"},
		{ID: "2", Handle: "h-2"},
	}
	if len(src.gotMetas) != len(want) {
		t.Fatalf("AckBatchMeta metas len=%d want=%d", len(src.gotMetas), len(want))
	}
	for i := range want {
		if src.gotMetas[i] != want[i] {
			t.Fatalf("AckBatchMeta metas[%d]=%v want=%v", i, src.gotMetas[i], want[i])
		}
	}
}

func TestAckGroup_Commit_FallsBackWhenAnyMetaMissing(t *testing.T) {
	var g AckGroup
	src := &fakeSrc{}

	g.Add(testMsg{id: "1", handle: "h-1", metaOK: true})
	g.Add(testMsg{id: "2"})

	if err := g.Commit(context.Background(), src); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if src.ackCalls != 1 || src.ackMetaCalls != 0 {
		t.Fatalf("expected fallback path, got plain=%d meta=%d", src.ackCalls, src.ackMetaCalls)
	}
	if len(src.gotMsgs) != 2 {
		t.Fatalf("AckBatch msgs=%d want=2", len(src.gotMsgs))
	}
}

func TestAckGroup_Commit_PropagatesError(t *testing.T) {
	var g AckGroup
	wantErr := errors.New("boom")
	src := &fakeSrc{err: wantErr}

	g.Add(testMsg{id: "x", handle: "h-x", metaOK: true})

	err := g.Commit(context.Background(), src)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected error %v, got %v", wantErr, err)
	}
}

func TestAckGroup_Fail_ReachesEveryMessage(t *testing.T) {
	var g AckGroup
	var failed int
	for i := 0; i < 4; i++ {
		g.Add(testMsg{id: strconv.Itoa(i), failed: &failed})
	}

	if err := g.Fail(context.Background(), errors.New("write failed")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed != 4 {
		t.Fatalf("failed=%d want=4", failed)
	}
}

type benchSrc struct{}

func (benchSrc) Receive(ctx context.Context) (Message, error)                { return nil, context.Canceled }
func (benchSrc) AckBatch(ctx context.Context, msgs []Message) error          { return nil }
func (benchSrc) AckBatchMeta(ctx context.Context, metas []AckMetadata) error { return nil }
func (benchSrc) Close()                                                      {}

func BenchmarkAckGroup_Commit(b *testing.B) {
	for _, n := range []int{100, 1000, 5000} {
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			var g AckGroup
			for i := 0; i < n; i++ {
				g.Add(testMsg{id: "x", handle: "h-x", metaOK: true})
			}

			src := benchSrc{}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := g.Commit(ctx, src); err != nil {
					b.Fatalf("commit: %v", err)
				}
			}
		})
	}
}
