// Package cache holds the node-local table of observed latch states. The
// in-memory cache can run a background goroutine that sweeps expired
// entries; RistrettoCache trades exactness for bounded memory.
package cache
