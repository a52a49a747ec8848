package transformer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/baldanca/betlake/bet"
	"github.com/baldanca/betlake/record"
)

// ErrInvalidJSON is returned by JSON when a payload is not a JSON document.
var ErrInvalidJSON = errors.New("payload is not valid json")

// Transformer converts a raw record into the value an encoder writes.
type Transformer[O any] interface {
	Transform(ctx context.Context, in record.Record) (O, error)
}

// Func adapts a function to a Transformer.
type Func[O any] func(ctx context.Context, in record.Record) (O, error)

func (f Func[O]) Transform(ctx context.Context, in record.Record) (O, error) { return f(ctx, in) }

// JSON passes records through unchanged after checking the payload is valid JSON.
type JSON struct{}

func (JSON) Transform(_ context.Context, in record.Record) (record.Record, error) {
	if !json.Valid(in.Payload) {
		return record.Record{}, ErrInvalidJSON
	}
	return in, nil
}

// Bet decodes a record payload into a bet.Bet.
type Bet struct{}

func (Bet) Transform(_ context.Context, in record.Record) (bet.Bet, error) {
	return bet.Decode(in.Payload)
}
