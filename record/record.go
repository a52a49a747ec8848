// Package record defines the unit of data that flows from a source through
// the accumulator to a writer.
package record

import "time"

// Record is an opaque payload with an optional key.
//
// ArrivalTime is stamped by the accumulator when the record is ingested; it
// is never taken from the source. A Record is not mutated after creation.
type Record struct {
	Key         []byte
	Payload     []byte
	ArrivalTime time.Time
}

// SizeBytes is the raw size of key plus payload.
func (r Record) SizeBytes() int64 {
	return int64(len(r.Key) + len(r.Payload))
}
