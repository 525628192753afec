package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"certledger.org/internal/ledger"
)

var _ ledger.BlockStore = (*Store)(nil)

// SaveBlock inserts b. Blocks are immutable, so an existing index is an error.
func (s *Store) SaveBlock(ctx context.Context, b ledger.Block) error {
	if s.db == nil {
		return errNoDB
	}
	data, err := json.Marshal(b.Data)
	if err != nil {
		return fmt.Errorf("marshal block data: %w", err)
	}
	var txID string
	if b.Data.Anchor != nil {
		txID = b.Data.Anchor.TxID
	}
	_, err = s.db.ExecContext(ctx, `
		insert into ledger_blocks (idx, ts, preceding_hash, hash, certificate_id, tx_id, data)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, b.Index, b.Timestamp.UTC(), b.PrecedingHash, b.Hash, b.Data.CertificateID, nullIfEmpty(txID), data)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("block %d already stored: %s", b.Index, pgErr.ConstraintName)
	}
	return err
}

// LoadBlocks returns every stored block in index order.
func (s *Store) LoadBlocks(ctx context.Context) ([]ledger.Block, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select idx, ts, preceding_hash, hash, data
		from ledger_blocks
		order by idx asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Block
	for rows.Next() {
		var (
			b   ledger.Block
			raw []byte
		)
		if err := rows.Scan(&b.Index, &b.Timestamp, &b.PrecedingHash, &b.Hash, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &b.Data); err != nil {
			return nil, fmt.Errorf("decode block %d: %w", b.Index, err)
		}
		b.Timestamp = b.Timestamp.UTC()
		b.Data.IssuedAt = b.Data.IssuedAt.UTC()
		if b.Data.Anchor != nil {
			b.Data.Anchor.BlockTimestamp = b.Data.Anchor.BlockTimestamp.UTC()
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
