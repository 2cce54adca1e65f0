// Package codec provides the canonical JSON serialization and
// content-addressed hashing used for all identity computation in foundry.
//
// # Why canonical JSON
//
// Three subsystems depend on the same input always producing the same bytes:
//
//   - The worker pool deduplicates execution requests by a key derived from
//     (tool, params). Two callers sending semantically identical params must
//     collide on the same key.
//   - The event store hashes each event's content into Merkle leaves. Replay
//     and verification must recompute the exact hash the sealer computed.
//   - Golden trace tests compare serialized output byte-for-byte.
//
// Standard json.Marshal does not guarantee key order for maps decoded from
// the wire, so hashing its output is not stable. MarshalCanonical follows
// RFC 8785: keys sorted by UTF-16 code units, strings NFC normalized, no
// HTML escaping.
//
// # Numbers
//
// Unlike strict RFC 8785, numbers are carried as their literal JSON source
// text (via json.Number) rather than re-serialized. Tool params and event
// payloads arrive as raw JSON from external clients; preserving the literal
// avoids float re-formatting ambiguity while keeping hashing deterministic.
// Go float values cannot be hashed directly - callers must round-trip
// through JSON first (CanonicalizeJSON).
package codec
