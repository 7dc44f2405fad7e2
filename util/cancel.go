package util

import (
	"os"
	"os/signal"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Cancellation is a one-shot flag that loops poll between cycles. It is
// safe for concurrent use.
type Cancellation struct {
	once sync.Once
	done chan struct{}
	c    *sync.Cond
	set  bool
}

func NewCancellation() *Cancellation {
	return &Cancellation{
		done: make(chan struct{}),
		c:    sync.NewCond(&sync.Mutex{}),
	}
}

func (c *Cancellation) Cancel() {
	c.once.Do(func() {
		c.c.L.Lock()
		c.set = true
		close(c.done)
		c.c.Broadcast()
		c.c.L.Unlock()
	})
}

func (c *Cancellation) Cancelled() bool {
	c.c.L.Lock()
	defer c.c.L.Unlock()
	return c.set
}

// Done is closed on cancellation.
func (c *Cancellation) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until cancelled.
func (c *Cancellation) Wait() {
	c.c.L.Lock()
	defer c.c.L.Unlock()
	for !c.set {
		c.c.Wait()
	}
}

// NotifyOnSignal cancels on the first of the given signals. It returns a
// function that stops listening.
func (c *Cancellation) NotifyOnSignal(sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			log.Infof("Caught signal %v, shutting down", sig)
			c.Cancel()
		case <-quit:
		case <-c.done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}
