package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"certledger.org/internal/certificate"
)

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	Status             Status
	CertificateID      string
	EntityType         certificate.EntityType
	EntityID           string
	SubmittedBy        string
	ActedBy            string // approved or rejected by this user
	PreviousApprovalID string
	Unanchored         bool
}

// Match reports whether a satisfies f.
func (f Filter) Match(a CertificateApproval) bool {
	switch {
	case f.Status != "" && a.Status != f.Status:
		return false
	case f.CertificateID != "" && a.CertificateID != f.CertificateID:
		return false
	case f.EntityType != "" && a.EntityType != f.EntityType:
		return false
	case f.EntityID != "" && a.EntityID != f.EntityID:
		return false
	case f.SubmittedBy != "" && a.SubmittedBy != f.SubmittedBy:
		return false
	case f.PreviousApprovalID != "" && a.PreviousApprovalID != f.PreviousApprovalID:
		return false
	case f.Unanchored && a.BlockchainReference != nil:
		return false
	}
	if f.ActedBy != "" {
		rejected := a.Rejection != nil && a.Rejection.RejectedBy == f.ActedBy
		if !rejected && !a.HasApprover(f.ActedBy) {
			return false
		}
	}
	return true
}

// Repository persists approval records. Callers serialise writes per record;
// implementations only need to make each call atomic.
type Repository interface {
	NextSequence(ctx context.Context) (uint64, error)
	Create(ctx context.Context, a CertificateApproval) error
	Update(ctx context.Context, a CertificateApproval) error
	// SaveAnchor sets the blockchain reference if none is set yet and
	// returns ErrAnchorAlreadyExists otherwise.
	SaveAnchor(ctx context.Context, id string, ref BlockchainReference, at time.Time) error
	// SavePendingAnchor replaces the pending anchor of an unanchored record.
	// A nil p clears it.
	SavePendingAnchor(ctx context.Context, id string, p *PendingAnchor, at time.Time) error
	Get(ctx context.Context, id string) (CertificateApproval, error)
	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]CertificateApproval, error)
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	seq     uint64
	records map[string]CertificateApproval
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]CertificateApproval)}
}

func (m *MemoryRepository) NextSequence(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *MemoryRepository) Create(_ context.Context, a CertificateApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[a.ID]; ok {
		return ErrAlreadySubmitted
	}
	m.records[a.ID] = a.Clone()
	return nil
}

func (m *MemoryRepository) Update(_ context.Context, a CertificateApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[a.ID]; !ok {
		return ErrNotFound
	}
	m.records[a.ID] = a.Clone()
	return nil
}

func (m *MemoryRepository) SaveAnchor(_ context.Context, id string, ref BlockchainReference, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if a.BlockchainReference != nil {
		return ErrAnchorAlreadyExists
	}
	a.BlockchainReference = &ref
	a.PendingAnchor = nil
	a.UpdatedAt = at
	m.records[id] = a
	return nil
}

func (m *MemoryRepository) SavePendingAnchor(_ context.Context, id string, p *PendingAnchor, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if a.BlockchainReference != nil {
		return ErrAnchorAlreadyExists
	}
	a.PendingAnchor = nil
	if p != nil {
		cp := *p
		a.PendingAnchor = &cp
	}
	a.UpdatedAt = at
	m.records[id] = a
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (CertificateApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.records[id]
	if !ok {
		return CertificateApproval{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]CertificateApproval, error) {
	m.mu.RLock()
	out := make([]CertificateApproval, 0)
	for _, a := range m.records {
		if f.Match(a) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out, nil
}
