package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/foundry/internal/codec"
)

// DefaultSealMaxEvents bounds one integrity block when the caller passes
// a non-positive limit.
const DefaultSealMaxEvents = 1000

// Genesis is the fixed previous-hash of the first integrity block.
var Genesis = codec.HashWithDomain(codec.DomainBlock, []byte("genesis"))

// SealIntegrityBlock seals all durable events appended since the previous
// seal, bounded by maxEvents, into a new block chained to the previous
// one. Returns (nil, nil) when there is nothing new to seal. Buffered
// events are not sealed; flush first.
func (s *Store) SealIntegrityBlock(ctx context.Context, maxEvents int) (*IntegrityBlock, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultSealMaxEvents
	}

	prevHash, prevLastSeq, err := s.lastBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, entity_id, type, payload, version, timestamp_ns, hash
		FROM events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, prevLastSeq, maxEvents)
	if err != nil {
		return nil, fmt.Errorf("seal: load unsealed events: %w", err)
	}
	defer rows.Close()

	var (
		leaves   []string
		firstSeq int64
		lastSeq  int64
	)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("seal: %w", err)
		}
		if len(leaves) == 0 {
			firstSeq = e.Seq
		}
		lastSeq = e.Seq
		leaves = append(leaves, e.Hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	if len(leaves) == 0 {
		return nil, nil
	}

	root := MerkleRoot(leaves)
	blockHash := codec.BlockHash(root, prevHash)
	sealedAt := s.clock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO integrity_blocks
		(first_seq, last_seq, event_count, merkle_root, previous_hash, block_hash, sealed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		firstSeq,
		lastSeq,
		len(leaves),
		root,
		prevHash,
		blockHash,
		sealedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("seal: insert block: %w", err)
	}

	blockID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("seal: last insert id: %w", err)
	}

	block := &IntegrityBlock{
		BlockID:      blockID,
		FirstSeq:     firstSeq,
		LastSeq:      lastSeq,
		EventCount:   int64(len(leaves)),
		MerkleRoot:   root,
		PreviousHash: prevHash,
		BlockHash:    blockHash,
		SealedAt:     sealedAt,
	}

	slog.Info("integrity block sealed",
		"block_id", blockID,
		"events", len(leaves),
		"merkle_root", root,
	)
	return block, nil
}

// lastBlock returns the newest block's hash and last sealed seq, or the
// genesis hash and 0 when no block exists.
func (s *Store) lastBlock(ctx context.Context) (hash string, lastSeq int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT block_hash, last_seq FROM integrity_blocks
		ORDER BY block_id DESC LIMIT 1
	`).Scan(&hash, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("load last block: %w", err)
	}
	return hash, lastSeq, nil
}

// VerifyReport is the structured outcome of an integrity walk. A broken
// chain is reported here, never as a Go error; the error return of
// VerifyIntegrity covers I/O failures only.
type VerifyReport struct {
	Valid  bool
	Error  string
	Blocks int64
	// BlockID identifies the first block that failed verification.
	BlockID int64
}

// VerifyIntegrity walks the whole chain from genesis. For each block it
// recomputes every event's hash from the stored columns and the Merkle
// root over them ("Merkle Root mismatch" on divergence), and checks the
// block's previous-hash link and its own chained hash ("Hash chain
// broken" on divergence).
func (s *Store) VerifyIntegrity(ctx context.Context) (VerifyReport, error) {
	blocks, err := s.LoadIntegrityBlocks(ctx)
	if err != nil {
		return VerifyReport{}, err
	}

	prevHash := Genesis
	for _, b := range blocks {
		if b.PreviousHash != prevHash {
			return VerifyReport{Error: "Hash chain broken", BlockID: b.BlockID}, nil
		}

		events, err := s.loadEventsBySeq(ctx, b.FirstSeq, b.LastSeq)
		if err != nil {
			return VerifyReport{}, fmt.Errorf("verify: %w", err)
		}
		if int64(len(events)) != b.EventCount {
			return VerifyReport{Error: "Merkle Root mismatch", BlockID: b.BlockID}, nil
		}

		leaves := make([]string, 0, len(events))
		for _, e := range events {
			leaf, err := codec.EventHash(e.ID, e.EntityID, e.Type, e.Payload, e.Version, e.Timestamp.UnixNano())
			if err != nil {
				// Tampered payload that no longer canonicalizes.
				return VerifyReport{Error: "Merkle Root mismatch", BlockID: b.BlockID}, nil
			}
			leaves = append(leaves, leaf)
		}

		if MerkleRoot(leaves) != b.MerkleRoot {
			return VerifyReport{Error: "Merkle Root mismatch", BlockID: b.BlockID}, nil
		}

		if codec.BlockHash(b.MerkleRoot, b.PreviousHash) != b.BlockHash {
			return VerifyReport{Error: "Hash chain broken", BlockID: b.BlockID}, nil
		}

		prevHash = b.BlockHash
	}

	return VerifyReport{Valid: true, Blocks: int64(len(blocks))}, nil
}

// LoadIntegrityBlocks returns every sealed block in chain order.
func (s *Store) LoadIntegrityBlocks(ctx context.Context) ([]IntegrityBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_id, first_seq, last_seq, event_count, merkle_root, previous_hash, block_hash, sealed_at_ns
		FROM integrity_blocks
		ORDER BY block_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load integrity blocks: %w", err)
	}
	defer rows.Close()

	var blocks []IntegrityBlock
	for rows.Next() {
		var (
			b          IntegrityBlock
			sealedAtNs int64
		)
		if err := rows.Scan(&b.BlockID, &b.FirstSeq, &b.LastSeq, &b.EventCount, &b.MerkleRoot, &b.PreviousHash, &b.BlockHash, &sealedAtNs); err != nil {
			return nil, fmt.Errorf("load integrity blocks: %w", err)
		}
		b.SealedAt = time.Unix(0, sealedAtNs)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load integrity blocks: %w", err)
	}

	return blocks, nil
}
