// Package catalog maps latch names to their authoritative state.
//
// State lives in an adapter.Store and is only ever changed through a
// compare-and-swap on its version, retried with backoff when another node
// wins the race. Every successful mutation is announced on a syncbus.Bus so
// that other nodes can refresh their handles.
//
// Each creation of a name starts a new incarnation with its own ID. Removal
// leaves a tombstone carrying the last version, so a later creation under
// the same name continues the version sequence and stale writers from the
// previous incarnation can never succeed.
package catalog
