// Package worker provides a group of managed background goroutines sharing
// one halt signal.
package worker

import "sync"

// Worker is a set of managed background goroutines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan struct{}
}

// Go executes fn in a new goroutine. Multiple goroutines may be started under
// the same Worker. fn must monitor HaltCh and return once it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Signal closes the halt channel without waiting. It is safe to call from a
// goroutine started under the Worker and safe to call more than once.
func (w *Worker) Signal() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
}

// Halt signals every goroutine to terminate and waits until all of them have
// returned. It must not be called from one of those goroutines.
func (w *Worker) Halt() {
	w.Signal()
	w.Wait()
}

// HaltCh returns the channel that is closed on Signal or Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Halted reports whether Signal or Halt has been called.
func (w *Worker) Halted() bool {
	select {
	case <-w.HaltCh():
		return true
	default:
		return false
	}
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}
