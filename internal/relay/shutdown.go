package relay

import (
	"context"
	"sync"

	"github.com/sammck-go/logger"
)

// OnceActivateHandler is invoked exactly once, with shutdown paused, to
// activate an object managed by a ShutdownHelper. Returning a non-nil error
// aborts activation and immediately starts shutdown.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a ShutdownHelper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, to
	// perform synchronous teardown. completionError is advisory; the
	// returned error becomes the final status from WaitShutdown.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by any object with asynchronous,
// idempotent, waitable shutdown.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// ShutdownHelper gives an object exactly-once, waitable, composable
// asynchronous shutdown. Client Sessions, the Server, and the HTTP listener
// embed one. An owner may register children (other AsyncShutdowners) that
// must finish tearing down before the owner is considered done; the Server
// registers the bus connection this way.
type ShutdownHelper struct {
	logger.Logger

	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount int
	isActivated        bool
	isScheduledShutdown  bool
	isStartedShutdown    bool
	isDoneShutdown       bool
	shutdownErr          error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(log logger.Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = log
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.DLogf("shutdown started")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.DLogf("shutdown done")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown prevents shutdown from starting until a matching
// ResumeShutdown call. Returns an error if shutdown has already started.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown; if the pause count reaches zero
// and shutdown was scheduled in the meantime, shutdown begins now.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Activate marks the helper as activated. Fails if shutdown already started.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate runs onceActivateHandler with shutdown paused, then
// activates the object on success or starts shutdown on failure.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext begins shutdown with ctx.Err() as soon as ctx completes.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsDoneShutdown reports whether shutdown has fully completed.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownDoneChan is closed once shutdown has fully completed.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown blocks until shutdown completes and returns its status.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown starts shutdown (if not already started) and waits for it.
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules shutdown exactly once. Safe to call repeatedly.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory status and waits for completion.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild registers child as owned: child is torn down once this
// helper's own HandleOnceShutdown returns, and this helper's shutdown is not
// considered complete until child's is. The Server uses it for the bus
// connection; a Client Session has no children and instead releases its
// subscription memberships and closes its Shell Proxies synchronously in
// its own HandleOnceShutdown.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			<-child.ShutdownDoneChan()
		}
		h.wg.Done()
	}()
}
