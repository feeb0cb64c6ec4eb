// Package signals contains a context canceled when the process receives a termination signal.
package signals

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var onlyOneSignalHandler = make(chan struct{})

// SignalContext returns a context that is canceled when the process receives SIGINT or SIGTERM.
// A second signal terminates the process immediately with exit code 1.
// It can be invoked only once.
func SignalContext(parentCtx context.Context) context.Context {
	// Panics when called twice
	close(onlyOneSignalHandler)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	return signalContext(parentCtx, sigCh, os.Exit)
}

func signalContext(parentCtx context.Context, sigCh <-chan os.Signal, exit func(int)) context.Context {
	ctx, cancel := context.WithCancel(parentCtx)

	go func() {
		var sig os.Signal
		select {
		case sig = <-sigCh:
		case <-ctx.Done():
			return
		}
		slog.Info("Received signal; beginning shutdown", slog.String("signal", sig.String()))
		cancel()

		sig = <-sigCh
		slog.Error("Received second signal; forcing shutdown", slog.String("signal", sig.String()))
		exit(1)
	}()

	return ctx
}
