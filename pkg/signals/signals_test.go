package signals

import (
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// TestSetupCancelsOnSignal checks both signals close stopCh and cancel ctx.
func TestSetupCancelsOnSignal(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT} {
		t.Run(sig.String(), func(t *testing.T) {
			stopCh := make(chan struct{})
			ctx := Setup(stopCh)

			time.AfterFunc(50*time.Millisecond, func() {
				_ = syscall.Kill(syscall.Getpid(), sig)
			})
			waitClosed(t, stopCh, "stopCh")
			waitClosed(t, ctx.Done(), "ctx.Done()")
		})
	}
}

// TestSetupToleratesClosedStopCh checks an already-closed stopCh does not
// prevent cancellation.
func TestSetupToleratesClosedStopCh(t *testing.T) {
	stopCh := make(chan struct{})
	close(stopCh)
	ctx := Setup(stopCh)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})
	waitClosed(t, ctx.Done(), "ctx.Done()")
}

// TestSetupReleasesHandlerAfterFirstSignal checks the handler is removed so
// a second signal gets the default behavior.
func TestSetupReleasesHandlerAfterFirstSignal(t *testing.T) {
	stopped := make(chan chan<- os.Signal, 1)
	stopNotify = func(c chan<- os.Signal) {
		signal.Stop(c)
		stopped <- c
	}
	defer func() { stopNotify = signal.Stop }()

	ctx := Setup(nil)
	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	})
	waitClosed(t, ctx.Done(), "ctx.Done()")

	select {
	case c := <-stopped:
		if c == nil {
			t.Fatal("handler released with a nil channel")
		}
	default:
		t.Fatal("handler still registered after the first signal")
	}
}
