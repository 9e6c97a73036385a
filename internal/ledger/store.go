// Package ledger replicates the server's append-only block feed into a
// local block store.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/Valstan/MatricaRMZ-sub000/internal/errors"
)

// Block is one entry of the append-only feed.
type Block struct {
	Height    int64           `json:"height"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// Store is the local append-only ledger over the ledger_blocks table.
// Blocks are only ever appended; the store never rewinds.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LastHeight returns the height of the newest local block, 0 when empty.
func (s *Store) LastHeight() (int64, error) {
	var h sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(height) FROM ledger_blocks").Scan(&h); err != nil {
		return 0, fmt.Errorf("failed to read ledger index: %w", err)
	}
	if !h.Valid {
		return 0, nil
	}
	return h.Int64, nil
}

// lastBlock returns height and hash of the newest local block.
func (s *Store) lastBlock() (int64, string, error) {
	var height int64
	var hash string
	err := s.db.QueryRow(
		"SELECT height, hash FROM ledger_blocks ORDER BY height DESC LIMIT 1").Scan(&height, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read last block: %w", err)
	}
	return height, hash, nil
}

// AppendRemoteBlock validates and appends one remote block. The block must
// extend the chain exactly: height last+1 and prev_hash matching the local
// tip. An invalid block fails loudly rather than being skipped.
func (s *Store) AppendRemoteBlock(b Block) error {
	if b.Hash == "" {
		return apperrors.New(apperrors.ErrLedgerAppend, "block has no hash")
	}
	lastHeight, lastHash, err := s.lastBlock()
	if err != nil {
		return err
	}
	if b.Height != lastHeight+1 {
		return apperrors.New(apperrors.ErrLedgerAppend,
			fmt.Sprintf("block height %d does not extend local height %d", b.Height, lastHeight))
	}
	if lastHeight > 0 && b.PrevHash != lastHash {
		return apperrors.New(apperrors.ErrLedgerAppend,
			fmt.Sprintf("block %d prev_hash does not match local tip", b.Height))
	}

	payload := string(b.Payload)
	createdAt := b.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err = s.db.Exec(
		"INSERT INTO ledger_blocks (height, hash, prev_hash, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		b.Height, b.Hash, b.PrevHash, payload, createdAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLedgerAppend, "failed to append block", err)
	}
	return nil
}

// BlockCount returns the number of local blocks.
func (s *Store) BlockCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM ledger_blocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return n, nil
}
