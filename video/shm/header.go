// Package shm implements a named shared memory channel holding the latest
// frame. One writer publishes, any number of reader processes attach.
//
// A segment is a file under /dev/shm made of a fixed 32 byte header
// followed by the frame body:
//
//	offset  size  field
//	0       8     generation, incremented once per publish
//	8       8     timestamp seconds
//	16      4     timestamp microseconds
//	20      4     notify word, bumped per publish, used as a futex
//	24      4     body capacity in bytes
//	28      4     number of attached readers
//	32      ...   body
//
// Fields are stored in host byte order. The header and body are only
// written while holding the channel lock, so a reader holding the lock
// always sees a body and timestamp from the same generation.
package shm

import (
	"errors"
	"fmt"
	"time"
)

const (
	HeaderSize = 32

	offGeneration = 0
	offSeconds    = 8
	offMicros     = 16
	offNotify     = 20
	offCapacity   = 24
	offReaders    = 28
)

var (
	// ErrChannelCreation is returned when a segment cannot be created or
	// attached: permissions, a bad name, or an existing segment of another size.
	ErrChannelCreation = errors.New("channel creation error")

	// ErrPayloadSize is returned by Publish when the payload does not exactly
	// fill the body.
	ErrPayloadSize = errors.New("payload size does not match channel capacity")

	ErrTimeout  = errors.New("timed out waiting for channel update")
	ErrClosed   = errors.New("channel closed")
	ErrReadOnly = errors.New("channel attached read-only")
)

// Timestamp is the capture time stored in the header.
type Timestamp struct {
	Seconds      int64
	Microseconds uint32
}

// TimestampOf truncates t to microseconds.
func TimestampOf(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{
		Seconds:      t.Unix(),
		Microseconds: uint32(t.Nanosecond() / 1000),
	}
}

func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Microseconds)*1000)
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%06d", ts.Seconds, ts.Microseconds)
}

// Header is a snapshot of a channel's header.
type Header struct {
	Generation uint64
	Timestamp  Timestamp
}
