// Package api exposes the marketplace over HTTP: agent registration and
// discovery, service transactions, ledger inspection, contract lifecycle
// actions, and a WebSocket event feed. All responses are JSON; errors share
// a single {error, code} envelope.
package api
