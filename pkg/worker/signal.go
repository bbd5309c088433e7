package worker

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignal blocks until SIGTERM or SIGINT is received (or the
// platform's equivalent). cmd/worker uses this to trigger the same
// drain as an explicit Stop call.
func WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
}
