package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// KeyAttribute is the SQS message attribute carrying the record key.
const KeyAttribute = "key"

// sqsDeleteBatchMax is the SQS limit of entries per DeleteMessageBatch call.
const sqsDeleteBatchMax = 10

type SourceSQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	Pollers int
	BufSize int

	// FailVisibilityTimeoutSeconds, when set, makes Fail shorten the
	// visibility timeout so the message is redelivered sooner.
	FailVisibilityTimeoutSeconds *int32

	Logger *slog.Logger
}

func (c *SourceSQSConfig) validate() error {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return errors.New("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		return errors.New("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		return errors.New("visibility timeout must be non-negative")
	}
	if c.Pollers < 1 {
		return errors.New("pollers must be at least 1")
	}
	if c.BufSize < 1 {
		return errors.New("buffer size must be at least 1")
	}
	if c.FailVisibilityTimeoutSeconds != nil && *c.FailVisibilityTimeoutSeconds < 0 {
		return errors.New("fail visibility timeout seconds must be non-negative")
	}
	return nil
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    30,
	Pollers:         3,
	BufSize:         256,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SourceSQS is an alternate record source reading bet events from a queue.
type SourceSQS struct {
	cfg    SourceSQSConfig
	logger *slog.Logger

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	bufCh chan *sqstypes.Message

	closeOnce sync.Once
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

func NewSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SourceSQSConfig) (*SourceSQS, error) {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		return nil, errors.New("queue url is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := newSQS(client, queueURL, cfg)
	s.startPollers(ctx)
	return s, nil
}

func newSQS(client sqsAPI, queueURL string, cfg SourceSQSConfig) *SourceSQS {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	s := &SourceSQS{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		queueURL: queueURL,
		bufCh:    make(chan *sqstypes.Message, cfg.BufSize),
		cancel:   func() {},
	}
	s.queueURLPtr = &s.queueURL
	return s
}

func (s *SourceSQS) startPollers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(s.cfg.Pollers)
	for i := 0; i < s.cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

func (s *SourceSQS) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              s.queueURLPtr,
			MaxNumberOfMessages:   s.cfg.MaxMessages,
			WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
			VisibilityTimeout:     s.cfg.VisibilityTO,
			MessageAttributeNames: []string{KeyAttribute},
		})
		cancel()

		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("sqs receive failed", "queue", s.queueURL, "error", err)
			}
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		for i := range out.Messages {
			msg := &out.Messages[i]
			select {
			case s.bufCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *SourceSQS) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

func (s *SourceSQS) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-s.bufCh:
		if !ok {
			return nil, ErrClosed
		}
		return &sqsMessage{src: s, m: m}, nil
	}
}

func (s *SourceSQS) AckBatch(ctx context.Context, msgs []Message) error {
	metas := make([]AckMetadata, 0, len(msgs))
	for i, m := range msgs {
		if m == nil {
			continue
		}
		sm, ok := m.(*sqsMessage)
		if !ok {
			return fmt.Errorf("message is not an sqs message: %T", m)
		}
		rh := aws.ToString(sm.m.ReceiptHandle)
		if rh == "" {
			return errors.New("sqs message without receipt handle")
		}
		// Entry ids only need to be unique within one request.
		metas = append(metas, AckMetadata{ID: fmt.Sprintf("m%d", i), Handle: rh})
	}
	return s.AckBatchMeta(ctx, metas)
}

// AckBatchMeta deletes the messages identified by metas, in chunks of ten.
func (s *SourceSQS) AckBatchMeta(ctx context.Context, metas []AckMetadata) error {
	if len(metas) == 0 {
		return nil
	}

	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, sqsDeleteBatchMax)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += sqsDeleteBatchMax {
		end := min(i+sqsDeleteBatchMax, len(metas))

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &metas[j].ID,
				ReceiptHandle: &metas[j].Handle,
			})
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return fmt.Errorf("sqs delete batch: %w", err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs delete failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

type sqsMessage struct {
	src *SourceSQS
	m   *sqstypes.Message
}

func (m *sqsMessage) Data() Envelope {
	env := Envelope{Payload: []byte(aws.ToString(m.m.Body))}
	if attr, ok := m.m.MessageAttributes[KeyAttribute]; ok && attr.StringValue != nil {
		env.Key = []byte(*attr.StringValue)
	}
	return env
}

func (m *sqsMessage) AckMeta() (AckMetadata, bool) {
	id, rh := aws.ToString(m.m.MessageId), aws.ToString(m.m.ReceiptHandle)
	if id == "" || rh == "" {
		return AckMetadata{}, false
	}
	return AckMetadata{ID: id, Handle: rh}, true
}

func (m *sqsMessage) EstimatedSizeBytes() (int64, bool) {
	return int64(len(aws.ToString(m.m.Body))), true
}

func (m *sqsMessage) Fail(ctx context.Context, err error) error {
	if m.src.cfg.FailVisibilityTimeoutSeconds == nil {
		return nil
	}
	_, callErr := m.src.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          m.src.queueURLPtr,
		ReceiptHandle:     m.m.ReceiptHandle,
		VisibilityTimeout: *m.src.cfg.FailVisibilityTimeoutSeconds,
	})
	if callErr != nil && !errors.Is(callErr, context.Canceled) && !errors.Is(callErr, context.DeadlineExceeded) {
		return callErr
	}
	return nil
}
