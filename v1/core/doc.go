// Package core exposes cluster-wide countdown latches.
//
// A Node is one participant of the cluster. It hands out Latch handles that
// cache the last observed state of a named latch and park local waiters
// until the count reaches zero or the latch is removed. State changes made
// anywhere in the cluster reach a Node through its syncbus.Bus; a polling
// loop covers names with blocked waiters in case a notification is lost.
package core
