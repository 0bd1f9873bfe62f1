// Package ledger implements the proof-of-work record ledger that backs the
// marketplace. It batches pending records into hash-linked blocks, pays out
// mining rewards, runs service contracts through an explicit state machine,
// and validates records, blocks, and full chains received from peers.
package ledger
