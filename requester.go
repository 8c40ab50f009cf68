package bench

import (
	"context"
	"encoding/binary"
	"strconv"
)

// Completion is invoked exactly once when an asynchronously sent record is
// acknowledged (err == nil) or has failed.
type Completion func(err error)

// Requester is the client binding for the system under test.
type Requester interface {
	// Setup connects to the system. It is called once before any request and
	// a failure aborts the run.
	Setup(mode Mode) error

	// Request sends the record and returns once the broker acknowledged it.
	Request(ctx context.Context, rec Record) error

	// RequestAsync sends the record without waiting. done may be called from
	// any goroutine, in any order relative to other records.
	RequestAsync(rec Record, done Completion)

	// Teardown is called upon benchmark completion.
	Teardown() error
}

// RequesterFactory creates new Requesters.
type RequesterFactory interface {
	// GetRequester returns a new Requester, called once per Benchmark run.
	GetRequester(num uint64) Requester
}

// KeyEncoder serializes a record key.
type KeyEncoder func(key int) []byte

// ValueEncoder serializes a record value.
type ValueEncoder func(value string) []byte

// IntegerKey encodes the key as a 4 byte big endian integer.
func IntegerKey(key int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(int32(key)))
	return b
}

// StringKey encodes the key as decimal text.
func StringKey(key int) []byte {
	return []byte(strconv.Itoa(key))
}

// StringValue encodes the value as UTF-8.
func StringValue(value string) []byte {
	return []byte(value)
}

// KeyEncoderByName resolves the key codec names accepted on the command line.
func KeyEncoderByName(name string) (KeyEncoder, bool) {
	switch name {
	case "", "integer", "int":
		return IntegerKey, true
	case "string":
		return StringKey, true
	default:
		return nil, false
	}
}
