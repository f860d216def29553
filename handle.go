package beacon

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
)

// BroadcasterHandle manages a Broadcaster running on a background
// goroutine, returned by Broadcaster.RunInBackground (spec.md §4.5).
// The zero value is not usable; obtain one from RunInBackground.
type BroadcasterHandle struct {
	b      *Broadcaster
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	shutdown bool
	err      error
	panicVal interface{}
}

// RunInBackground starts the broadcaster on its own goroutine and
// returns immediately with a handle for mutating the service table and
// for shutting it down.
func (b *Broadcaster) RunInBackground() (*BroadcasterHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &BroadcasterHandle{b: b, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.mu.Lock()
				h.panicVal = r
				h.mu.Unlock()
			}
		}()
		err := b.Run(ctx)
		h.mu.Lock()
		h.err = wrapShutdownErr(err)
		h.mu.Unlock()
	}()

	runtime.SetFinalizer(h, finalizeBroadcasterHandle)
	return h, nil
}

func finalizeBroadcasterHandle(h *BroadcasterHandle) {
	err := h.Shutdown()
	if p := h.takePanic(); p != nil {
		panic(p)
	}
	if err != nil && !isBenignCloseError(err) {
		logf(h.b.cfg.logger, "beacon: broadcaster handle dropped with unreported error: %s", err)
	}
}

func (h *BroadcasterHandle) takePanic() interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.panicVal
	h.panicVal = nil
	return p
}

// Shutdown stops the broadcaster and blocks until its goroutine exits,
// returning a *ShutdownError wrapping any fatal error the run loop
// terminated with (spec.md §4.5, §7). Calling Shutdown more than once
// is safe; subsequent calls return the same result.
func (h *BroadcasterHandle) Shutdown() error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		<-h.done
		return h.errLocked()
	}
	h.shutdown = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
	runtime.SetFinalizer(h, nil)

	if p := h.takePanic(); p != nil {
		panic(p)
	}
	return h.errLocked()
}

func (h *BroadcasterHandle) errLocked() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// AddService adds or replaces a service on the running broadcaster.
func (h *BroadcasterHandle) AddService(svc *Service) error {
	return h.b.AddService(svc)
}

// RemoveNamedService removes a single named service from the running
// broadcaster.
func (h *BroadcasterHandle) RemoveNamedService(serviceType, instanceName string) bool {
	return h.b.RemoveNamedService(serviceType, instanceName)
}

// RemoveServiceType removes every service of a type from the running
// broadcaster.
func (h *BroadcasterHandle) RemoveServiceType(serviceType string) bool {
	return h.b.RemoveServiceType(serviceType)
}

// BrowserHandle manages a Browser running on a background goroutine,
// returned by Browser.RunInBackground (spec.md §4.5).
type BrowserHandle struct {
	br     *Browser
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	shutdown bool
	err      error
	panicVal interface{}
}

// RunInBackground starts the browser on its own goroutine, dispatching
// events to handler, and returns immediately with a handle.
func (br *Browser) RunInBackground(handler EventHandler) (*BrowserHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &BrowserHandle{br: br, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.mu.Lock()
				h.panicVal = r
				h.mu.Unlock()
			}
		}()
		err := br.Run(ctx, handler)
		h.mu.Lock()
		h.err = wrapShutdownErr(err)
		h.mu.Unlock()
	}()

	runtime.SetFinalizer(h, finalizeBrowserHandle)
	return h, nil
}

func finalizeBrowserHandle(h *BrowserHandle) {
	err := h.Shutdown()
	if p := h.takePanic(); p != nil {
		panic(p)
	}
	if err != nil && !isBenignCloseError(err) {
		logf(h.br.cfg.logger, "beacon: browser handle dropped with unreported error: %s", err)
	}
}

func (h *BrowserHandle) takePanic() interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.panicVal
	h.panicVal = nil
	return p
}

// Shutdown stops the browser and blocks until its goroutine exits,
// returning a *ShutdownError wrapping any fatal error the run loop
// terminated with. Calling Shutdown more than once is safe.
func (h *BrowserHandle) Shutdown() error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		<-h.done
		return h.errLocked()
	}
	h.shutdown = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
	runtime.SetFinalizer(h, nil)

	if p := h.takePanic(); p != nil {
		panic(p)
	}
	return h.errLocked()
}

func (h *BrowserHandle) errLocked() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// wrapShutdownErr wraps a run loop's terminal error in a *ShutdownError,
// the type spec.md §4.5/§7 documents as what a handle's Shutdown
// surfaces a fatal loop error as. A nil err (graceful, context-canceled
// exit) stays nil.
func wrapShutdownErr(err error) error {
	if err == nil {
		return nil
	}
	return &ShutdownError{Err: err}
}

// isBenignCloseError reports whether err is the expected consequence of
// closing the socket out from under an in-flight Recv, not a genuine
// fault worth surfacing when a handle is dropped rather than explicitly
// shut down.
func isBenignCloseError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var sockErr *SocketError
	if errors.As(err, &sockErr) {
		return errors.Is(sockErr.Err, net.ErrClosed)
	}
	return false
}
