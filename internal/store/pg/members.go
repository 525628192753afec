package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"certledger.org/internal/auth"
)

var _ auth.Directory = (*Store)(nil)

func (s *Store) Member(ctx context.Context, userID string) (auth.Member, error) {
	if s.db == nil {
		return auth.Member{}, errNoDB
	}
	var (
		m      auth.Member
		role   string
		wallet sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, role, wallet from members where id = $1
	`, userID).Scan(&m.ID, &m.Name, &role, &wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Member{}, auth.ErrMemberNotFound
	}
	if err != nil {
		return auth.Member{}, err
	}
	m.Role = auth.Role(role)
	m.Wallet = wallet.String
	return m, nil
}

func (s *Store) IsEligibleApprover(ctx context.Context, userID string) (bool, error) {
	m, err := s.Member(ctx, userID)
	if errors.Is(err, auth.ErrMemberNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Role.CanApprove(), nil
}

func (s *Store) CountEligibleApprovers(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from members where role = $1`, string(auth.RoleAdmin)).Scan(&n)
	return n, err
}

// PutMember inserts or updates m. A wallet already registered to another
// member is rejected with auth.ErrInvalidMember.
func (s *Store) PutMember(ctx context.Context, m auth.Member) error {
	if s.db == nil {
		return errNoDB
	}
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into members (id, name, role, wallet)
		values ($1, $2, $3, $4)
		on conflict (id) do update
		set name = excluded.name, role = excluded.role, wallet = excluded.wallet, updated_at = now()
	`, m.ID, m.Name, string(m.Role), nullIfEmpty(m.Wallet))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: wallet %s is already registered", auth.ErrInvalidMember, m.Wallet)
	}
	return err
}

func (s *Store) ListMembers(ctx context.Context) ([]auth.Member, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, name, role, wallet from members order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Member
	for rows.Next() {
		var (
			m      auth.Member
			role   string
			wallet sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Name, &role, &wallet); err != nil {
			return nil, err
		}
		m.Role = auth.Role(role)
		m.Wallet = wallet.String
		out = append(out, m)
	}
	return out, rows.Err()
}
