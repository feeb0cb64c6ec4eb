package signals

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSignalContext(t *testing.T) {
	t.Run("first signal cancels, second exits", func(t *testing.T) {
		sigCh := make(chan os.Signal, 2)
		exitCode := make(chan int, 1)
		ctx := signalContext(t.Context(), sigCh, func(code int) {
			exitCode <- code
		})

		require.NoError(t, ctx.Err())

		sigCh <- syscall.SIGTERM
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("Context was not canceled in 5s")
		}
		assert.Empty(t, exitCode)

		sigCh <- os.Interrupt
		select {
		case code := <-exitCode:
			assert.Equal(t, 1, code)
		case <-time.After(5 * time.Second):
			t.Fatal("Exit was not invoked in 5s")
		}
	})

	t.Run("parent canceled", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		parentCtx, cancel := context.WithCancel(t.Context())
		ctx := signalContext(parentCtx, make(chan os.Signal), func(int) {
			t.Error("Exit should not be invoked")
		})

		cancel()
		<-ctx.Done()
	})
}
