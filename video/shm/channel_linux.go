package shm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Dir is where segments are created.
var Dir = "/dev/shm"

// Channel is one process's view of a shared frame segment.
type Channel struct {
	name     string
	path     string
	capacity int
	creator  bool
	readOnly bool

	f   *os.File
	mem []byte

	// mu serializes goroutines of this process; flock on f serializes
	// processes.
	mu     sync.Mutex
	closed atomic.Bool
}

// Open creates the named segment with room for capacity body bytes, or
// attaches to it as a writer if it already exists with the same capacity.
func Open(name string, capacity int) (*Channel, error) {
	if capacity <= 0 || capacity > math.MaxUint32 {
		return nil, fmt.Errorf("%w: invalid capacity %d", ErrChannelCreation, capacity)
	}
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}

	creator := true
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if errors.Is(err, os.ErrExist) {
		creator = false
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChannelCreation, path, err)
	}

	c := &Channel{name: name, path: path, capacity: capacity, creator: creator, f: f}
	if err := c.setup(capacity); err != nil {
		f.Close()
		if creator {
			os.Remove(path)
		}
		return nil, err
	}
	if !creator {
		log.Warnf("shm: reusing existing segment %s (%d readers attached); it stays after Close", path, atomic.LoadUint32(c.u32(offReaders)))
	}
	log.Debugf("shm: opened %s (%d bytes, creator=%v)", path, capacity, creator)
	return c, nil
}

// Attach maps an existing segment for reading. The capacity is taken from
// the segment header.
func Attach(name string) (*Channel, error) {
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelCreation, path, err)
	}
	c := &Channel{name: name, path: path, readOnly: true, f: f}
	if err := c.setup(0); err != nil {
		f.Close()
		return nil, err
	}
	log.Debugf("shm: attached %s (%d bytes)", path, c.capacity)
	return c, nil
}

// setup checks or initializes the segment and maps it. A capacity of zero
// means attach with whatever the header says.
func (c *Channel) setup(capacity int) error {
	if err := flock(c.f, unix.LOCK_EX); err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrChannelCreation, c.path, err)
	}
	defer flock(c.f, unix.LOCK_UN)

	st, err := c.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelCreation, err)
	}
	size := st.Size()
	fresh := false
	switch {
	case size == 0 && capacity > 0:
		// Either we just created it, or the creator has not initialized it yet.
		if err := c.f.Truncate(int64(HeaderSize + capacity)); err != nil {
			return fmt.Errorf("%w: truncate %s: %v", ErrChannelCreation, c.path, err)
		}
		size = int64(HeaderSize + capacity)
		fresh = true
	case size < HeaderSize:
		return fmt.Errorf("%w: %s is %d bytes, too small for a header", ErrChannelCreation, c.path, size)
	case capacity > 0 && size != int64(HeaderSize+capacity):
		return fmt.Errorf("%w: %s holds %d bytes, want %d", ErrChannelCreation, c.path, size-HeaderSize, capacity)
	}

	mem, err := unix.Mmap(int(c.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap %s: %v", ErrChannelCreation, c.path, err)
	}
	c.mem = mem

	stored := int(*c.u32(offCapacity))
	switch {
	case fresh || (capacity > 0 && stored == 0):
		*c.u32(offCapacity) = uint32(capacity)
		c.capacity = capacity
	case capacity > 0 && stored != capacity:
		unix.Munmap(mem)
		return fmt.Errorf("%w: %s header capacity %d, want %d", ErrChannelCreation, c.path, stored, capacity)
	case capacity == 0:
		if stored == 0 || int64(HeaderSize+stored) != size {
			unix.Munmap(mem)
			return fmt.Errorf("%w: %s is not initialized", ErrChannelCreation, c.path)
		}
		c.capacity = stored
	}

	if c.readOnly {
		atomic.AddUint32(c.u32(offReaders), 1)
	}
	return nil
}

func segmentPath(name string) (string, error) {
	n := strings.TrimPrefix(name, "/")
	if n == "" || n == "." || n == ".." || strings.ContainsRune(n, '/') {
		return "", fmt.Errorf("%w: invalid channel name %q", ErrChannelCreation, name)
	}
	return filepath.Join(Dir, n), nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

func (c *Channel) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&c.mem[off])) }
func (c *Channel) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&c.mem[off])) }
func (c *Channel) i64(off int) *int64  { return (*int64)(unsafe.Pointer(&c.mem[off])) }

func (c *Channel) body() []byte { return c.mem[HeaderSize : HeaderSize+c.capacity] }

func (c *Channel) Name() string  { return c.name }
func (c *Channel) Path() string  { return c.path }
func (c *Channel) Capacity() int { return c.capacity }

// Creator reports whether this handle created the segment file and so
// removes it on Close.
func (c *Channel) Creator() bool { return c.creator }

// Readers returns the number of attached readers.
func (c *Channel) Readers() int {
	if c.closed.Load() {
		return 0
	}
	return int(atomic.LoadUint32(c.u32(offReaders)))
}

// Lock takes exclusive access to the segment, across goroutines and
// processes. Every Lock must be paired with Unlock.
func (c *Channel) Lock() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := flock(c.f, unix.LOCK_EX); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("shm: lock %s: %w", c.path, err)
	}
	return nil
}

func (c *Channel) Unlock() error {
	err := flock(c.f, unix.LOCK_UN)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("shm: unlock %s: %w", c.path, err)
	}
	return nil
}

// WithLock runs fn while holding the lock.
func (c *Channel) WithLock(fn func() error) (err error) {
	if err := c.Lock(); err != nil {
		return err
	}
	defer func() {
		if uerr := c.Unlock(); err == nil {
			err = uerr
		}
	}()
	return fn()
}

// Publish replaces the body with payload, stamps it with ts, bumps the
// generation and wakes all waiters. The payload must be exactly Capacity
// bytes.
func (c *Channel) Publish(payload []byte, ts time.Time) (Header, error) {
	if c.closed.Load() {
		return Header{}, ErrClosed
	}
	if c.readOnly {
		return Header{}, ErrReadOnly
	}
	if len(payload) != c.capacity {
		return Header{}, fmt.Errorf("%w: got %d bytes, channel %s holds %d", ErrPayloadSize, len(payload), c.name, c.capacity)
	}

	var h Header
	var notify *uint32
	err := c.WithLock(func() error {
		notify = c.u32(offNotify)
		copy(c.body(), payload)
		h.Timestamp = TimestampOf(ts)
		*c.i64(offSeconds) = h.Timestamp.Seconds
		*c.u32(offMicros) = h.Timestamp.Microseconds
		h.Generation = atomic.AddUint64(c.u64(offGeneration), 1)
		atomic.AddUint32(notify, 1)
		return nil
	})
	if err != nil {
		return Header{}, err
	}
	if err := futexWakeAll(notify); err != nil {
		log.Warnf("shm: wake %s: %v", c.name, err)
	}
	return h, nil
}

// WaitForUpdate blocks until the generation differs from last, or the
// timeout elapses. It returns the generation it observed. A publish that
// happened before the call returns immediately.
func (c *Channel) WaitForUpdate(last uint64, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		var gen uint64
		var seq uint32
		var notify *uint32
		err := c.WithLock(func() error {
			notify = c.u32(offNotify)
			gen = atomic.LoadUint64(c.u64(offGeneration))
			seq = atomic.LoadUint32(notify)
			return nil
		})
		if err != nil {
			return 0, err
		}
		if gen != last {
			return gen, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return gen, ErrTimeout
		}
		if err := futexWaitTimeout(notify, seq, remaining); err != nil {
			return gen, fmt.Errorf("shm: wait on %s: %w", c.name, err)
		}
	}
}

// Read copies the body into dst under the lock and returns the header it
// was published with. dst must hold at least Capacity bytes.
func (c *Channel) Read(dst []byte) (Header, error) {
	if len(dst) < c.capacity {
		return Header{}, fmt.Errorf("%w: destination %d bytes, channel %s holds %d", ErrPayloadSize, len(dst), c.name, c.capacity)
	}
	var h Header
	err := c.WithLock(func() error {
		copy(dst, c.body())
		h = c.header()
		return nil
	})
	return h, err
}

// Header returns the current header under the lock.
func (c *Channel) Header() (Header, error) {
	var h Header
	err := c.WithLock(func() error {
		h = c.header()
		return nil
	})
	return h, err
}

func (c *Channel) header() Header {
	return Header{
		Generation: atomic.LoadUint64(c.u64(offGeneration)),
		Timestamp: Timestamp{
			Seconds:      *c.i64(offSeconds),
			Microseconds: *c.u32(offMicros),
		},
	}
}

// Close unmaps the segment. The creator removes the segment file once no
// readers remain attached; otherwise it stays for the readers.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error
	if err := flock(c.f, unix.LOCK_EX); err != nil {
		result = multierror.Append(result, err)
	}
	if c.readOnly {
		p := c.u32(offReaders)
		for {
			n := atomic.LoadUint32(p)
			if n == 0 || atomic.CompareAndSwapUint32(p, n, n-1) {
				break
			}
		}
	}
	readers := atomic.LoadUint32(c.u32(offReaders))
	remove := c.creator && readers == 0
	if remove {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if err := unix.Munmap(c.mem); err != nil {
		result = multierror.Append(result, err)
	}
	c.mem = nil
	// Closing the descriptor drops the flock.
	if err := c.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	log.Debugf("shm: closed %s (removed=%v, readers=%d)", c.path, remove, readers)
	return result.ErrorOrNil()
}
