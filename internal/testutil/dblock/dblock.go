// Package dblock serializes database integration tests across test binaries.
// go test runs packages in parallel processes, and the repository and idempotency
// suites share one schema, so each holds a loopback listener while it runs.
package dblock

import (
	"net"
	"os"
	"time"
)

const defaultAddr = "127.0.0.1:45433"

// Acquire blocks until the lock is held and returns its release func.
func Acquire() func() {
	addr := os.Getenv("WALLET_TEST_DB_LOCK_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return func() { _ = ln.Close() }
		}
		time.Sleep(50 * time.Millisecond)
	}
}
