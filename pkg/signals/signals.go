// Package signals wires SIGINT/SIGTERM to graceful shutdown.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

var stopNotify = signal.Stop

// Setup registers a handler for SIGINT and SIGTERM and returns a context
// canceled on the first one. stopCh, if non-nil, is closed at the same time.
// The handler is removed after the first signal so a second one terminates
// the process with the default behavior.
func Setup(stopCh chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		stopNotify(sigCh)
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")

		if stopCh != nil {
			func() {
				// stopCh may already be closed by the caller
				defer func() { _ = recover() }()
				close(stopCh)
			}()
		}
		cancel()
	}()

	return ctx
}
