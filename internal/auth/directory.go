package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"certledger.org/internal/signature"
)

var (
	ErrMemberNotFound = errors.New("auth: member not found")
	ErrInvalidMember  = errors.New("auth: invalid member")
)

// Member is a registered user as seen by the approval workflow.
type Member struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Wallet string `json:"wallet,omitempty"`
}

// Validate normalises the wallet address and checks required fields.
func (m *Member) Validate() error {
	m.ID = strings.TrimSpace(m.ID)
	m.Name = strings.TrimSpace(m.Name)
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMember)
	}
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}
	if m.Wallet != "" {
		w, err := signature.NormalizeAddress(m.Wallet)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMember, err)
		}
		m.Wallet = w
	}
	return nil
}

// Directory answers identity questions for the approval workflow.
type Directory interface {
	Member(ctx context.Context, userID string) (Member, error)
	IsEligibleApprover(ctx context.Context, userID string) (bool, error)
	CountEligibleApprovers(ctx context.Context) (int, error)
}

// MemoryDirectory is a Directory held in memory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	members map[string]Member
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory(members ...Member) (*MemoryDirectory, error) {
	d := &MemoryDirectory{members: make(map[string]Member, len(members))}
	for _, m := range members {
		if err := d.Put(m); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Put inserts or replaces m.
func (d *MemoryDirectory) Put(m Member) error {
	if err := m.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.ID] = m
	return nil
}

func (d *MemoryDirectory) Remove(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, userID)
}

func (d *MemoryDirectory) Member(_ context.Context, userID string) (Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[userID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return m, nil
}

func (d *MemoryDirectory) IsEligibleApprover(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[userID]
	return ok && m.Role.CanApprove(), nil
}

func (d *MemoryDirectory) CountEligibleApprovers(context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, m := range d.members {
		if m.Role.CanApprove() {
			n++
		}
	}
	return n, nil
}

// Members lists every member ordered by id.
func (d *MemoryDirectory) Members() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseMembers reads the comma separated "id:role:wallet:name" list used by
// CERTD_MEMBERS. Wallet may be empty; name may contain colons.
func ParseMembers(raw string) ([]Member, error) {
	var out []Member
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: entry %q needs at least id:role", ErrInvalidMember, entry)
		}
		role, err := ParseRole(parts[1])
		if err != nil {
			return nil, err
		}
		m := Member{ID: parts[0], Role: role}
		if len(parts) > 2 {
			m.Wallet = strings.TrimSpace(parts[2])
		}
		if len(parts) > 3 {
			m.Name = parts[3]
		}
		if m.Name == "" {
			m.Name = strings.TrimSpace(m.ID)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
