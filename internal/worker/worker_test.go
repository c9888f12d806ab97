package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	var w Worker
	var exited atomic.Int32

	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			exited.Add(1)
		})
	}

	require.False(t, w.Halted())
	w.Halt()
	require.True(t, w.Halted())
	require.EqualValues(t, 4, exited.Load())
}

func TestWorkerSignalFromInside(t *testing.T) {
	var w Worker
	done := make(chan struct{})

	w.Go(func() {
		// Signalling from a managed goroutine must not deadlock.
		w.Signal()
		w.Signal()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked inside a worker goroutine")
	}
	w.Halt()
}

func TestWorkerHaltWithoutGo(t *testing.T) {
	var w Worker
	w.Halt()
	w.Halt()
	require.True(t, w.Halted())
}
