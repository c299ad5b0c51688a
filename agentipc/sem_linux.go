//go:build linux

package agentipc

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sem is a process-shared counting semaphore over a 32-bit futex word in
// the mapped region. It reproduces the POSIX unnamed-semaphore calls the
// ring protocol is written against: Post, Wait, Getvalue, Destroy.
type sem struct {
	word *uint32
}

func semAt(b []byte) sem {
	return sem{word: (*uint32)(unsafe.Pointer(&b[0]))}
}

func (s sem) init(value uint32) {
	atomic.StoreUint32(s.word, value)
}

// post increments the count and wakes one waiter.
func (s sem) post() error {
	atomic.AddUint32(s.word, 1)
	return s.futex(unix.FUTEX_WAKE, 1)
}

// wait decrements the count, blocking in the kernel while it is zero.
func (s sem) wait() error {
	for {
		v := atomic.LoadUint32(s.word)
		if v > 0 {
			if atomic.CompareAndSwapUint32(s.word, v, v-1) {
				return nil
			}
			continue
		}
		if err := s.futex(unix.FUTEX_WAIT, 0); err != nil &&
			!errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// getvalue reads the current count without blocking.
func (s sem) getvalue() uint32 {
	return atomic.LoadUint32(s.word)
}

// destroy wakes every waiter so nothing sleeps on memory about to be
// unmapped.
func (s sem) destroy() error {
	return s.futex(unix.FUTEX_WAKE, math.MaxInt32)
}

// futex issues the non-private futex op; the word is shared across
// processes through the memfd mapping.
func (s sem) futex(op int, val uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(s.word)),
		uintptr(op),
		uintptr(val),
		0, 0, 0,
	)
	if errno != 0 && !errors.Is(errno, unix.EAGAIN) {
		return fmt.Errorf("futex op %d: %w", op, errno)
	}
	return nil
}
