// Package store provides the durable, tamper-evident event store.
//
// # Write model
//
// Append buffers an event in memory and assigns its per-entity version
// optimistically; Flush makes all buffered events durable in one
// transaction. CurrentVersion and LoadEvents reflect only durable state,
// so a caller that needs to observe its own writes must flush first.
// This buffered-write/explicit-flush split is the store's durability
// contract, not an implementation detail.
//
// # Integrity
//
// SealIntegrityBlock takes the durable events appended since the last
// seal, computes a Merkle tree over their content hashes, and appends a
// block whose hash chains to the previous block (the first block chains
// to a fixed genesis value). The chain is global across entities.
// VerifyIntegrity walks the chain from genesis, recomputing every leaf
// from the stored columns, and reports exactly where tampering,
// reordering, or deletion broke it.
package store
