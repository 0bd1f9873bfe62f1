// Package agent contains the core marketplace participants: agents with
// named capabilities, the keyed identities they sign with, the factory that
// instantiates built-in and plugin-provided agent types, and the registry
// that tracks liveness through heartbeats and evicts idle agents.
package agent
