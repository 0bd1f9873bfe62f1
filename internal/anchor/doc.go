// Package anchor houses external-chain connectivity for the local ledger.
// It periodically submits checkpoints of the ledger head to an EVM network
// so third parties can verify that the marketplace history has not been
// rewritten, and exposes chain snapshots and new-head subscriptions to the
// API layer. Multi-chain endpoints are described in a YAML file and managed
// through a named registry with a default chain.
package anchor
