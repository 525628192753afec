package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"certledger.org/internal/approval"
	"certledger.org/internal/certificate"
)

var _ approval.Repository = (*Store)(nil)

const approvalColumns = `
	id, sequence, certificate_id, entity_type, entity_id, entity_name, content_hash,
	coalesce(artifact_location, ''), status, submitted_by, submitter_name, approvers,
	required_approvals, rejection, submission_version, coalesce(previous_approval_id, ''),
	blockchain_tx_id, blockchain_block_number, blockchain_block_timestamp,
	coalesce(explorer_url, ''), created_at, updated_at, product, company,
	pending_tx_id, pending_tx_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (approval.CertificateApproval, error) {
	var (
		a           approval.CertificateApproval
		entityType  string
		status      string
		approvers   []byte
		rejection   []byte
		txID        sql.NullString
		blockNumber sql.NullInt64
		blockTime   sql.NullTime
		explorerURL string
		product     []byte
		company     []byte
		pendingTx   sql.NullString
		pendingAt   sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Sequence, &a.CertificateID, &entityType, &a.EntityID, &a.EntityName,
		&a.ContentHash, &a.ArtifactLocation, &status, &a.SubmittedBy, &a.SubmitterName, &approvers,
		&a.RequiredApprovals, &rejection, &a.SubmissionVersion, &a.PreviousApprovalID,
		&txID, &blockNumber, &blockTime, &explorerURL, &a.CreatedAt, &a.UpdatedAt, &product, &company,
		&pendingTx, &pendingAt)
	if err != nil {
		return approval.CertificateApproval{}, err
	}
	a.EntityType = certificate.EntityType(entityType)
	a.Status = approval.Status(status)
	a.Approvers = []approval.Approver{}
	if len(approvers) > 0 {
		if err := json.Unmarshal(approvers, &a.Approvers); err != nil {
			return approval.CertificateApproval{}, fmt.Errorf("decode approvers: %w", err)
		}
	}
	for i := range a.Approvers {
		a.Approvers[i].ApprovedAt = a.Approvers[i].ApprovedAt.UTC()
	}
	if len(rejection) > 0 {
		var r approval.Rejection
		if err := json.Unmarshal(rejection, &r); err != nil {
			return approval.CertificateApproval{}, fmt.Errorf("decode rejection: %w", err)
		}
		r.RejectedAt = r.RejectedAt.UTC()
		a.Rejection = &r
	}
	if txID.Valid {
		a.BlockchainReference = &approval.BlockchainReference{
			TxID:           txID.String,
			BlockNumber:    uint64(blockNumber.Int64),
			BlockTimestamp: blockTime.Time.UTC(),
			ExplorerURL:    explorerURL,
		}
	}
	if len(product) > 0 {
		if err := json.Unmarshal(product, &a.Product); err != nil {
			return approval.CertificateApproval{}, fmt.Errorf("decode product: %w", err)
		}
	}
	if len(company) > 0 {
		if err := json.Unmarshal(company, &a.Company); err != nil {
			return approval.CertificateApproval{}, fmt.Errorf("decode company: %w", err)
		}
	}
	if pendingTx.Valid {
		a.PendingAnchor = &approval.PendingAnchor{TxID: pendingTx.String, BroadcastAt: pendingAt.Time.UTC()}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

// encodeDetails renders the product and company jsonb columns, nil for SQL null.
func encodeDetails(a approval.CertificateApproval) (product, company any, err error) {
	if a.Product != nil {
		raw, err := json.Marshal(a.Product)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal product: %w", err)
		}
		product = raw
	}
	if a.Company != nil {
		raw, err := json.Marshal(a.Company)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal company: %w", err)
		}
		company = raw
	}
	return product, company, nil
}

// encodeSignatures renders the jsonb columns. rejection is nil for SQL null.
func encodeSignatures(a approval.CertificateApproval) (approvers []byte, rejection any, err error) {
	list := a.Approvers
	if list == nil {
		list = []approval.Approver{}
	}
	if approvers, err = json.Marshal(list); err != nil {
		return nil, nil, fmt.Errorf("marshal approvers: %w", err)
	}
	if a.Rejection != nil {
		raw, err := json.Marshal(a.Rejection)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal rejection: %w", err)
		}
		rejection = raw
	}
	return approvers, rejection, nil
}

func (s *Store) NextSequence(ctx context.Context) (uint64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var seq uint64
	err := s.db.QueryRowContext(ctx, `select nextval('approval_sequence')`).Scan(&seq)
	return seq, err
}

func (s *Store) Create(ctx context.Context, a approval.CertificateApproval) error {
	if s.db == nil {
		return errNoDB
	}
	approvers, rejection, err := encodeSignatures(a)
	if err != nil {
		return err
	}
	product, company, err := encodeDetails(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into certificate_approvals (
			id, sequence, certificate_id, entity_type, entity_id, entity_name, content_hash,
			artifact_location, status, submitted_by, submitter_name, approvers, required_approvals,
			rejection, submission_version, previous_approval_id, created_at, updated_at, product, company
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, a.ID, a.Sequence, a.CertificateID, string(a.EntityType), a.EntityID, a.EntityName, a.ContentHash,
		nullIfEmpty(a.ArtifactLocation), string(a.Status), a.SubmittedBy, a.SubmitterName, approvers,
		a.RequiredApprovals, rejection, a.SubmissionVersion, nullIfEmpty(a.PreviousApprovalID),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), product, company)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", approval.ErrAlreadySubmitted, pgErr.ConstraintName)
		case pgErrForeignKeyViolation, pgErrCheckViolation:
			return fmt.Errorf("%w: %s", approval.ErrInvalidPayload, pgErr.Message)
		}
	}
	return err
}

// Update rewrites the mutable columns of a. The blockchain reference and the
// pending anchor are written only by SaveAnchor and SavePendingAnchor.
func (s *Store) Update(ctx context.Context, a approval.CertificateApproval) error {
	if s.db == nil {
		return errNoDB
	}
	approvers, rejection, err := encodeSignatures(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update certificate_approvals
		set status = $2, approvers = $3, rejection = $4, required_approvals = $5, updated_at = $6
		where id = $1
	`, a.ID, string(a.Status), approvers, rejection, a.RequiredApprovals, a.UpdatedAt.UTC())
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: %s", approval.ErrAlreadySubmitted, pgErr.ConstraintName)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return approval.ErrNotFound
	}
	return nil
}

func (s *Store) SaveAnchor(ctx context.Context, id string, ref approval.BlockchainReference, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update certificate_approvals
		set blockchain_tx_id = $2, blockchain_block_number = $3, blockchain_block_timestamp = $4,
		    explorer_url = $5, updated_at = $6, pending_tx_id = null, pending_tx_at = null
		where id = $1 and blockchain_tx_id is null
	`, id, ref.TxID, int64(ref.BlockNumber), nullTime(ref.BlockTimestamp), nullIfEmpty(ref.ExplorerURL), at.UTC())
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: tx %s belongs to another record", approval.ErrAnchorAlreadyExists, ref.TxID)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.anchoredOrMissing(ctx, id)
}

// anchoredOrMissing explains a conditional anchor update that matched no row.
func (s *Store) anchoredOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from certificate_approvals where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return approval.ErrNotFound
	}
	return approval.ErrAnchorAlreadyExists
}

func (s *Store) SavePendingAnchor(ctx context.Context, id string, p *approval.PendingAnchor, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	var (
		txID any
		sent any
	)
	if p != nil {
		txID, sent = p.TxID, p.BroadcastAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		update certificate_approvals
		set pending_tx_id = $2, pending_tx_at = $3, updated_at = $4
		where id = $1 and blockchain_tx_id is null
	`, id, txID, sent, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.anchoredOrMissing(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (approval.CertificateApproval, error) {
	if s.db == nil {
		return approval.CertificateApproval{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+approvalColumns+` from certificate_approvals where id = $1`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.CertificateApproval{}, approval.ErrNotFound
	}
	return a, err
}

// listQuery renders f as a where clause with positional arguments.
func listQuery(f approval.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.CertificateID != "" {
		add("certificate_id = ?", f.CertificateID)
	}
	if f.EntityType != "" {
		add("entity_type = ?", string(f.EntityType))
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.SubmittedBy != "" {
		add("submitted_by = ?", f.SubmittedBy)
	}
	if f.PreviousApprovalID != "" {
		add("previous_approval_id = ?", f.PreviousApprovalID)
	}
	if f.ActedBy != "" {
		add("(approvers @> jsonb_build_array(jsonb_build_object('approver_id', ?::text)) or rejection->>'rejected_by' = ?)", f.ActedBy)
	}
	if f.Unanchored {
		where = append(where, "blockchain_tx_id is null")
	}
	q := `select ` + approvalColumns + ` from certificate_approvals`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	return q + " order by sequence desc", args
}

func (s *Store) List(ctx context.Context, f approval.Filter) ([]approval.CertificateApproval, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	q, args := listQuery(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []approval.CertificateApproval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
