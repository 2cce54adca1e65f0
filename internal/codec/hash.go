package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent   = "foundry/event/v1"
	DomainRequest = "foundry/request/v1"
	DomainBlock   = "foundry/block/v1"
	DomainNode    = "foundry/merkle-node/v1"
	DomainRandom  = "foundry/random/v1"
)

// HashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain || 0x00 || data). The null byte separator prevents
// domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash computes the content hash of a durable event. This hash is the
// event's Merkle leaf: it covers every stored column, so mutating any of
// them after sealing is detectable by integrity verification.
func EventHash(id, entityID, eventType string, payload json.RawMessage, version, timestampNs int64) (string, error) {
	canonicalPayload, err := CanonicalizeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("EventHash: payload: %w", err)
	}

	obj := map[string]any{
		"id":        id,
		"entity_id": entityID,
		"type":      eventType,
		"payload":   json.RawMessage(canonicalPayload),
		"version":   version,
		"ts":        timestampNs,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventHash: %w", err)
	}

	return HashWithDomain(DomainEvent, canonical), nil
}

// EventID computes the content-addressed ID for an event before it is
// durable. Unlike EventHash it excludes the timestamp, so the ID is stable
// across replays of the same logical append.
func EventID(entityID, eventType string, payload json.RawMessage, version int64) (string, error) {
	canonicalPayload, err := CanonicalizeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("EventID: payload: %w", err)
	}

	obj := map[string]any{
		"entity_id": entityID,
		"type":      eventType,
		"payload":   json.RawMessage(canonicalPayload),
		"version":   version,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: %w", err)
	}

	return HashWithDomain(DomainEvent, canonical), nil
}

// RequestKey computes the dedup key for a worker execution request.
// Identical (tool, params) pairs always collide on the same key, regardless
// of params key order or whitespace on the wire.
func RequestKey(tool string, params json.RawMessage) (string, error) {
	canonicalParams, err := CanonicalizeJSON(params)
	if err != nil {
		return "", fmt.Errorf("RequestKey: params: %w", err)
	}

	obj := map[string]any{
		"tool":   tool,
		"params": json.RawMessage(canonicalParams),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RequestKey: %w", err)
	}

	return HashWithDomain(DomainRequest, canonical), nil
}

// BlockHash computes an integrity block's chain hash from its Merkle root
// and the previous block's hash.
func BlockHash(merkleRoot, previousHash string) string {
	return HashWithDomain(DomainBlock, []byte(merkleRoot+"\x00"+previousHash))
}

// MustRequestKey is like RequestKey but panics on error.
// Use only in tests or when inputs are known to be valid JSON.
func MustRequestKey(tool string, params json.RawMessage) string {
	key, err := RequestKey(tool, params)
	if err != nil {
		panic(err)
	}
	return key
}
