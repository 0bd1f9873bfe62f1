// Package redis provides a Redis-backed key/value client used by storage
// agents and the session cache. Values are stored as JSON with an optional
// per-client TTL so cached state expires together with the agents that
// produced it.
package redis
