package rexec

import (
	"context"
)

// ShutdownHandle completes once every process tracked at shutdown time has terminated and been reaped.
type ShutdownHandle struct {
	done    chan struct{}
	aborted chan struct{}

	// fulfillCount is only written from the server loop.
	fulfillCount int
}

func newShutdownHandle() *ShutdownHandle {
	return &ShutdownHandle{
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

// Done is closed when the shutdown has completed.
func (h *ShutdownHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the shutdown completes. It returns ErrServerClosed if the server
// was closed with processes still running.
func (h *ShutdownHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-h.aborted:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fulfilled reports whether the shutdown has completed.
func (h *ShutdownHandle) Fulfilled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *ShutdownHandle) fulfill() {
	if h.fulfillCount > 0 {
		return
	}
	h.fulfillCount++
	close(h.done)
}

func (h *ShutdownHandle) abort() {
	if h.fulfillCount > 0 {
		return
	}
	select {
	case <-h.aborted:
	default:
		close(h.aborted)
	}
}
