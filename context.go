package nixforge

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the
// process receives SIGINT or SIGTERM.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		// Unregister so that a second signal terminates immediately,
		// in case shutdown hangs.
		stop()
	}()
	return ctx, stop
}
