package util

import (
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestCancellation(t *testing.T) {
	c := NewCancellation()
	if c.Cancelled() {
		t.Fatal("cancelled before Cancel")
	}
	select {
	case <-c.Done():
		t.Fatal("done before Cancel")
	default:
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Wait()
		}()
	}
	for i := 0; i < 3; i++ {
		go c.Cancel()
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("waiters were not released")
	}
	if !c.Cancelled() {
		t.Fatal("not cancelled")
	}
	<-c.Done()
}

func TestNotifyOnSignal(t *testing.T) {
	c := NewCancellation()
	stop := c.NotifyOnSignal(syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not cancel")
	}
}
