package ingestor

import (
	"errors"
	"fmt"
)

// Error taxonomy. These sentinels drive logging, metrics and retry rules.
var (
	// ErrSource is a transient receive failure; the loop polls again.
	ErrSource = errors.New("source error")
	// ErrDecode marks a record that cannot be decoded; it is skipped and counted.
	ErrDecode = errors.New("decode error")
	// ErrWrite marks a batch that could not be persisted after retries.
	ErrWrite = errors.New("write error")
)

// ShutdownFlushError reports batches still unwritten when shutdown gave up.
type ShutdownFlushError struct {
	Batches int
	Records int
	Err     error
}

func (e *ShutdownFlushError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shutdown flush incomplete: %d batches (%d records) not written", e.Batches, e.Records)
	}
	return fmt.Sprintf("shutdown flush incomplete: %d batches (%d records) not written: %v", e.Batches, e.Records, e.Err)
}

func (e *ShutdownFlushError) Unwrap() error { return e.Err }
