// Package syncbus carries latch change notifications between nodes.
//
// A Bus only has to provide at-least-once delivery: events may be duplicated,
// coalesced or reordered, and subscribers re-read the catalog on every event.
// Implementations live in the redis, nats and kafka subpackages; InMemoryBus
// serves tests and single process clusters. CircuitBreakerBus can wrap any of
// them so that a failing transport stops slowing down latch mutations.
package syncbus
