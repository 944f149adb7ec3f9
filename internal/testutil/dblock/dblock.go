// Package dblock serializes integration tests that share one PostgreSQL
// database across test binaries.
package dblock

import (
	"net"
	"os"
	"time"
)

const defaultLockAddr = "127.0.0.1:45432"

// Acquire blocks until this process holds the lock and returns its release func.
// The lock is a listening TCP socket, so it is dropped if the process dies.
// ARENA_TEST_DB_LOCK_ADDR overrides the address for parallel CI shards.
func Acquire() func() {
	addr := os.Getenv("ARENA_TEST_DB_LOCK_ADDR")
	if addr == "" {
		addr = defaultLockAddr
	}
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return func() { ln.Close() }
		}
		time.Sleep(50 * time.Millisecond)
	}
}
