package shm

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (not private) futex operations so that waiters in other processes
// mapping the same segment are woken.
const (
	futexWait = 0
	futexWake = 1
)

// futexWaitTimeout sleeps while *addr == val, for at most d. Wakeups,
// value changes, timeouts and interrupts all return nil: callers always
// re-check the generation.
func futexWaitTimeout(addr *uint32, val uint32, d time.Duration) error {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWait, uintptr(val),
		uintptr(unsafe.Pointer(&ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	}
	return errno
}

func futexWakeAll(addr *uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWake, uintptr(math.MaxInt32),
		0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
