package store

import "github.com/roach88/foundry/internal/codec"

// MerkleRoot computes the Merkle root over leaf hashes in order.
//
// A single leaf is its own root. An odd node at any level is promoted to
// the next level unchanged. Interior nodes are domain-separated from
// event hashes so a leaf can never be confused with a subtree root.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, codec.HashWithDomain(codec.DomainNode, []byte(level[i]+"\x00"+level[i+1])))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}

	return level[0]
}
