package shm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func testName(t *testing.T) string {
	t.Helper()
	name := "camshm-test-" + uuid.NewString()
	t.Cleanup(func() { os.Remove(Dir + "/" + name) })
	return name
}

func openOrFail(t *testing.T, name string, capacity int) *Channel {
	t.Helper()
	c, err := Open(name, capacity)
	if err != nil {
		t.Fatalf("Open(%q, %d): %v", name, capacity, err)
	}
	return c
}

func TestPublishSizeMustMatch(t *testing.T) {
	c := openOrFail(t, testName(t), 921600)
	defer c.Close()

	for _, n := range []int{921599, 921601, 0} {
		if _, err := c.Publish(make([]byte, n), time.Now()); !errors.Is(err, ErrPayloadSize) {
			t.Errorf("%d byte payload: got %v, want ErrPayloadSize", n, err)
		}
	}
	h, err := c.Header()
	if err != nil {
		t.Fatal(err)
	}
	if h.Generation != 0 {
		t.Fatalf("rejected publishes changed generation to %d", h.Generation)
	}

	h, err = c.Publish(make([]byte, 921600), time.Now())
	if err != nil {
		t.Fatalf("exact payload: %v", err)
	}
	if h.Generation != 1 {
		t.Fatalf("generation %d, want 1", h.Generation)
	}
}

func TestPublishIncrementsGeneration(t *testing.T) {
	c := openOrFail(t, testName(t), 16)
	defer c.Close()

	for i := uint64(1); i <= 5; i++ {
		ts := time.Unix(1000+int64(i), 250000*1000)
		h, err := c.Publish(bytes.Repeat([]byte{byte(i)}, 16), ts)
		if err != nil {
			t.Fatal(err)
		}
		if h.Generation != i {
			t.Fatalf("publish %d: generation %d", i, h.Generation)
		}
		got, err := c.Header()
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Fatalf("header %+v, publish returned %+v", got, h)
		}
		if got.Timestamp.Seconds != 1000+int64(i) || got.Timestamp.Microseconds != 250000 {
			t.Fatalf("timestamp %v", got.Timestamp)
		}
	}
}

func TestAttachReadsLatestFrame(t *testing.T) {
	name := testName(t)
	w := openOrFail(t, name, 4)
	defer w.Close()
	if _, err := w.Publish([]byte{1, 2, 3, 4}, time.Unix(7, 0)); err != nil {
		t.Fatal(err)
	}

	r, err := Attach("/" + name)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Close()
	if r.Capacity() != 4 {
		t.Fatalf("capacity %d", r.Capacity())
	}
	if w.Readers() != 1 {
		t.Fatalf("readers %d, want 1", w.Readers())
	}

	buf := make([]byte, 4)
	h, err := r.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) || h.Generation != 1 || h.Timestamp.Seconds != 7 {
		t.Fatalf("read %v %+v", buf, h)
	}
	if _, err := r.Publish(buf, time.Now()); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("reader publish: got %v, want ErrReadOnly", err)
	}
	if _, err := r.Read(make([]byte, 3)); !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("short read buffer: got %v", err)
	}
}

func TestOpenIncompatibleSegment(t *testing.T) {
	name := testName(t)
	c := openOrFail(t, name, 100)
	defer c.Close()

	if _, err := Open(name, 200); !errors.Is(err, ErrChannelCreation) {
		t.Fatalf("got %v, want ErrChannelCreation", err)
	}
	// The existing segment is untouched.
	st, err := os.Stat(c.Path())
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != HeaderSize+100 {
		t.Fatalf("segment resized to %d", st.Size())
	}

	second := openOrFail(t, name, 100)
	if second.Creator() {
		t.Errorf("second writer claims to be the creator")
	}
	second.Close()
	if _, err := os.Stat(c.Path()); err != nil {
		t.Fatalf("non-creator close removed the segment: %v", err)
	}
}

func TestAttachMissing(t *testing.T) {
	_, err := Attach(testName(t))
	if !errors.Is(err, ErrChannelCreation) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v", err)
	}
}

func TestInvalidNames(t *testing.T) {
	for _, name := range []string{"", "/", "a/b", "..", "/../x"} {
		if _, err := Open(name, 8); !errors.Is(err, ErrChannelCreation) {
			t.Errorf("Open(%q): got %v", name, err)
		}
	}
	if _, err := Open(testName(t), 0); !errors.Is(err, ErrChannelCreation) {
		t.Errorf("zero capacity: got %v", err)
	}
}

func TestWaitForUpdateTimeout(t *testing.T) {
	c := openOrFail(t, testName(t), 8)
	defer c.Close()

	start := time.Now()
	gen, err := c.WaitForUpdate(0, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if gen != 0 {
		t.Fatalf("generation %d", gen)
	}
	if d := time.Since(start); d < 90*time.Millisecond || d > 2*time.Second {
		t.Fatalf("waited %v", d)
	}
}

func TestWaitForUpdateWakes(t *testing.T) {
	name := testName(t)
	w := openOrFail(t, name, 8)
	defer w.Close()
	r, err := Attach(name)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	done := make(chan error, 1)
	var gen uint64
	go func() {
		var err error
		gen, err = r.WaitForUpdate(0, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if _, err := w.Publish(make([]byte, 8), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}
	if gen != 1 {
		t.Fatalf("generation %d, want 1", gen)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("wake took %v", d)
	}
}

func TestWaitForUpdateSeesEarlierPublish(t *testing.T) {
	c := openOrFail(t, testName(t), 8)
	defer c.Close()
	if _, err := c.Publish(make([]byte, 8), time.Now()); err != nil {
		t.Fatal(err)
	}
	gen, err := c.WaitForUpdate(0, time.Millisecond)
	if err != nil || gen != 1 {
		t.Fatalf("got %d, %v", gen, err)
	}
}

func TestReadersSeeConsistentFrames(t *testing.T) {
	const (
		size   = 64 * 1024
		frames = 200
	)
	name := testName(t)
	w := openOrFail(t, name, size)
	defer w.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		r, err := Attach(name)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(r *Channel) {
			defer wg.Done()
			defer r.Close()
			buf := make([]byte, size)
			for {
				select {
				case <-stop:
					return
				default:
				}
				h, err := r.Read(buf)
				if err != nil {
					errs <- err
					return
				}
				if h.Generation == 0 {
					continue
				}
				want := byte(h.Generation)
				if h.Timestamp.Seconds != int64(h.Generation) {
					errs <- errors.New("timestamp does not match generation")
					return
				}
				for _, b := range buf {
					if b != want {
						errs <- errors.New("torn frame")
						return
					}
				}
			}
		}(r)
	}

	frame := make([]byte, size)
	for i := 1; i <= frames; i++ {
		for j := range frame {
			frame[j] = byte(i)
		}
		if _, err := w.Publish(frame, time.Unix(int64(i), 0)); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCloseRemovesSegment(t *testing.T) {
	name := testName(t)
	c := openOrFail(t, name, 8)
	path := c.Path()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("segment still present: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Publish(make([]byte, 8), time.Now()); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestCloseKeepsSegmentForReaders(t *testing.T) {
	name := testName(t)
	w := openOrFail(t, name, 8)
	r, err := Attach(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(w.Path()); err != nil {
		t.Fatalf("segment removed while a reader is attached: %v", err)
	}
	if _, err := r.Read(make([]byte, 8)); err != nil {
		t.Fatalf("read after writer closed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenReusedSegmentWarns(t *testing.T) {
	name := testName(t)
	w := openOrFail(t, name, 8)
	r, err := Attach(name)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	// The reader keeps the segment alive past the writer.
	w.Close()

	hook := logtest.NewGlobal()
	defer hook.Reset()
	again := openOrFail(t, name, 8)
	defer again.Close()
	if again.Creator() {
		t.Fatalf("reopened leftover segment claims to be the creator")
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, again.Path()) && strings.Contains(e.Message, "1 readers") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("no warning about reusing %s", again.Path())
	}
}

func TestTimestampOf(t *testing.T) {
	ts := TimestampOf(time.Unix(5, 123456789))
	if ts.Seconds != 5 || ts.Microseconds != 123456 {
		t.Fatalf("got %+v", ts)
	}
	if ts.String() != "5.123456" {
		t.Fatalf("string %q", ts.String())
	}
	if !ts.Time().Equal(time.Unix(5, 123456000)) {
		t.Fatalf("time %v", ts.Time())
	}
	if (TimestampOf(time.Time{}) != Timestamp{}) {
		t.Fatalf("zero time should give a zero timestamp")
	}
}

func TestAttachWhenReady(t *testing.T) {
	name := testName(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		c   *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := AttachWhenReady(ctx, name)
		done <- result{c, err}
	}()

	time.Sleep(50 * time.Millisecond)
	w := openOrFail(t, name, 64)
	defer w.Close()
	if _, err := w.Publish(make([]byte, 64), time.Now()); err != nil {
		t.Fatal(err)
	}

	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	defer r.c.Close()
	if r.c.Capacity() != 64 {
		t.Fatalf("attached with capacity %d", r.c.Capacity())
	}
}

func TestAttachWhenReadyCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := AttachWhenReady(ctx, testName(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
	if _, err := AttachWhenReady(ctx, "a/b"); !errors.Is(err, ErrChannelCreation) {
		t.Fatalf("invalid name gave %v", err)
	}
}
