package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaClient is the subset of kgo.Client used by SourceKafka.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

type SourceKafkaConfig struct {
	// PollInterval bounds a single poll so that shutdown is observed
	// within one interval even when the topic is idle.
	PollInterval time.Duration
	// MaxUncommitted caps the records held per partition behind its oldest
	// unacknowledged offset. Receive fails with ErrFatal past the cap.
	MaxUncommitted int
}

var DefaultSourceKafkaConfig = SourceKafkaConfig{
	PollInterval:   time.Second,
	MaxUncommitted: 1_000_000,
}

// SourceKafka delivers records from a franz-go consumer.
//
// The client must be created with auto-commit disabled. Offsets are
// committed only through AckBatch, and only up to the first record of each
// partition that has not been acknowledged yet, so a batch flushed early for
// one partition key never commits records still buffered under another.
//
// A failed message can never be committed past without losing it, so Fail
// stops the source: the next Receive returns ErrFatal and a restart resumes
// from the last committed offset.
type SourceKafka struct {
	cfg    SourceKafkaConfig
	client kafkaClient

	pending []*kgo.Record

	mu     sync.Mutex
	tracks map[topicPartition]*offsetTrack
	stuck  error

	closeOnce sync.Once
	closed    chan struct{}
}

type topicPartition struct {
	topic     string
	partition int32
}

// offsetTrack holds the records received for one partition, in offset order,
// and which of them have been acknowledged.
type offsetTrack struct {
	inflight []*kgo.Record
	acked    map[int64]struct{}
}

func NewKafka(client kafkaClient, cfg SourceKafkaConfig) *SourceKafka {
	if client == nil {
		panic("kafka client is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSourceKafkaConfig.PollInterval
	}
	if cfg.MaxUncommitted <= 0 {
		cfg.MaxUncommitted = DefaultSourceKafkaConfig.MaxUncommitted
	}
	return &SourceKafka{
		cfg:    cfg,
		client: client,
		tracks: make(map[topicPartition]*offsetTrack),
		closed: make(chan struct{}),
	}
}

func (s *SourceKafka) Receive(ctx context.Context) (Message, error) {
	if err := s.stuckErr(); err != nil {
		return nil, err
	}
	for len(s.pending) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrClosed
		default:
		}

		if err := s.poll(ctx); err != nil {
			return nil, err
		}
	}

	r := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return &kafkaMessage{src: s, r: r}, nil
}

func (s *SourceKafka) stuckErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stuck
}

// stop records the first reason the source cannot make progress.
func (s *SourceKafka) stop(err error) {
	if s.stuck == nil {
		s.stuck = fmt.Errorf("%w: %w", ErrFatal, err)
	}
}

func (s *SourceKafka) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
	defer cancel()

	fetches := s.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return ErrClosed
	}

	var firstErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		if firstErr == nil || isFatalKafkaError(err) {
			firstErr = fmt.Errorf("fetch topic=%q partition=%d: %w", topic, partition, err)
		}
	})
	if firstErr != nil && isFatalKafkaError(firstErr) {
		return fmt.Errorf("%w: %w", ErrFatal, firstErr)
	}

	s.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		tp := topicPartition{topic: r.Topic, partition: r.Partition}
		t := s.tracks[tp]
		if t == nil {
			t = &offsetTrack{acked: make(map[int64]struct{})}
			s.tracks[tp] = t
		}
		t.inflight = append(t.inflight, r)
		s.pending = append(s.pending, r)
		if len(t.inflight) > s.cfg.MaxUncommitted {
			s.stop(fmt.Errorf("topic=%q partition=%d: %d records behind offset %d are uncommitted",
				r.Topic, r.Partition, len(t.inflight), t.inflight[0].Offset))
		}
	})
	stuck := s.stuck
	s.mu.Unlock()

	if stuck != nil {
		return stuck
	}

	if len(s.pending) == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

func isFatalKafkaError(err error) bool {
	return errors.Is(err, kerr.SaslAuthenticationFailed) ||
		errors.Is(err, kerr.TopicAuthorizationFailed) ||
		errors.Is(err, kerr.GroupAuthorizationFailed) ||
		errors.Is(err, kerr.ClusterAuthorizationFailed)
}

// AckBatch marks msgs as persisted and commits, per partition, the highest
// offset below which every received record has been acknowledged.
func (s *SourceKafka) AckBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	touched := make(map[topicPartition]struct{})
	for _, m := range msgs {
		km, ok := m.(*kafkaMessage)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("message is not a kafka message: %T", m)
		}
		tp := topicPartition{topic: km.r.Topic, partition: km.r.Partition}
		t := s.tracks[tp]
		if t == nil {
			continue
		}
		t.acked[km.r.Offset] = struct{}{}
		touched[tp] = struct{}{}
	}

	var commit []*kgo.Record
	for tp := range touched {
		if last := s.tracks[tp].advance(); last != nil {
			commit = append(commit, last)
		}
	}
	s.mu.Unlock()

	if len(commit) == 0 {
		return nil
	}
	if err := s.client.CommitRecords(ctx, commit...); err != nil {
		return fmt.Errorf("commit kafka offsets: %w", err)
	}
	return nil
}

// advance drops the acknowledged prefix of inflight and returns its last
// record, or nil when the head is still unacknowledged.
func (t *offsetTrack) advance() *kgo.Record {
	var last *kgo.Record
	n := 0
	for n < len(t.inflight) {
		r := t.inflight[n]
		if _, ok := t.acked[r.Offset]; !ok {
			break
		}
		delete(t.acked, r.Offset)
		last = r
		n++
	}
	if n > 0 {
		clear(t.inflight[:n])
		t.inflight = t.inflight[n:]
	}
	return last
}

func (s *SourceKafka) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.client.Close()
	})
}

type kafkaMessage struct {
	src *SourceKafka
	r   *kgo.Record
}

func (m *kafkaMessage) Data() Envelope {
	return Envelope{Key: m.r.Key, Payload: m.r.Value}
}

func (m *kafkaMessage) EstimatedSizeBytes() (int64, bool) {
	return int64(len(m.r.Key) + len(m.r.Value)), true
}

// Fail stops the source. The offset stays uncommitted, so the record is
// redelivered after a restart.
func (m *kafkaMessage) Fail(_ context.Context, reason error) error {
	m.src.mu.Lock()
	defer m.src.mu.Unlock()
	m.src.stop(fmt.Errorf("topic=%q partition=%d offset=%d not written: %w",
		m.r.Topic, m.r.Partition, m.r.Offset, reason))
	return nil
}
