package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"certledger.org/internal/certificate"
	"certledger.org/internal/obs"
)

// Service defines certificate ledger operations.
type Service interface {
	Genesis(ctx context.Context, initial certificate.Payload) (Block, error)
	Append(ctx context.Context, data certificate.Payload) (Block, error)
	Len() int
	Block(index int) (Block, error)
	IsBlockValid(index int) (bool, error)
	ValidateBlock(index int) (BlockValidation, error)
	IsChainValid() bool
	FindCorrupted() []int
	Verify() IntegrityReport
	FindByCertificateID(certificateID string) (Block, bool)
	FindByEntityID(entityID string) []Block
	FindByTxID(txID string) (Block, bool)
	Certificates(page, limit int) Page
	Stats() Stats
	VerifyCertificate(certificateID, contentHash string) Verification
}

// BlockStore persists blocks. SaveBlock is called with the writer lock held, in
// index order, before the block becomes visible to readers.
type BlockStore interface {
	SaveBlock(ctx context.Context, b Block) error
	LoadBlocks(ctx context.Context) ([]Block, error)
}

// Option configures InMemory.
type Option func(*InMemory)

// WithStore persists appended blocks through store.
func WithStore(store BlockStore) Option {
	return func(s *InMemory) { s.store = store }
}

// WithClock overrides the block timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// InMemory is a single-writer hash chain held in memory, optionally backed by a
// BlockStore. Appends are serialized; reads scan a snapshot taken under the
// read lock.
type InMemory struct {
	mu     sync.RWMutex
	blocks []Block
	store  BlockStore
	now    func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger. Call Genesis or Load before Append.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultGenesisData is the fixed payload of block 0.
func DefaultGenesisData() certificate.Payload {
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return certificate.Payload{
		CertificateID: "GENESIS",
		EntityType:    certificate.EntityCompany,
		EntityID:      "SYSTEM",
		EntityName:    "Certificate Ledger",
		ContentHash:   strings.Repeat("0", 64),
		IssuedAt:      issued,
	}
}

// Load replaces an empty ledger with the blocks held by the store. Stored blocks
// are taken as they are: corruption is reported by Verify, not repaired.
func (s *InMemory) Load(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) > 0 {
		return 0, ErrAlreadyInitialized
	}
	blocks, err := s.store.LoadBlocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load blocks: %w", err)
	}
	for i, b := range blocks {
		if b.Index != i {
			return 0, fmt.Errorf("load blocks: gap at position %d (index %d)", i, b.Index)
		}
	}
	s.blocks = blocks
	obs.ObserveLedger(len(blocks), validSnapshot(blocks))
	return len(blocks), nil
}

// Genesis creates block 0 with the fixed sentinel predecessor.
func (s *InMemory) Genesis(ctx context.Context, initial certificate.Payload) (Block, error) {
	data, err := certificate.New(initial)
	if err != nil {
		return Block{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) > 0 {
		return Block{}, ErrAlreadyInitialized
	}
	b := Block{
		Index:         0,
		Timestamp:     data.IssuedAt,
		PrecedingHash: GenesisPrecedingHash,
		Data:          data,
	}
	b.Hash = ComputeHash(b)
	if err := s.persist(ctx, b); err != nil {
		return Block{}, err
	}
	s.blocks = append(s.blocks, b)
	obs.ObserveLedger(len(s.blocks), true)
	return b.clone(), nil
}

// Append links data to the current tip.
func (s *InMemory) Append(ctx context.Context, data certificate.Payload) (Block, error) {
	data, err := certificate.New(data)
	if err != nil {
		return Block{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 {
		return Block{}, ErrLedgerUninitialized
	}
	last := s.blocks[len(s.blocks)-1]
	b := Block{
		Index:         len(s.blocks),
		Timestamp:     s.now().UTC().Truncate(time.Microsecond),
		PrecedingHash: last.Hash,
		Data:          data,
	}
	b.Hash = ComputeHash(b)
	if err := s.persist(ctx, b); err != nil {
		return Block{}, err
	}
	s.blocks = append(s.blocks, b)
	obs.ObserveLedger(len(s.blocks), true)
	return b.clone(), nil
}

func (s *InMemory) persist(ctx context.Context, b Block) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveBlock(ctx, b); err != nil {
		return fmt.Errorf("save block %d: %w", b.Index, err)
	}
	return nil
}

// snapshot copies the block slice under the read lock. Blocks are values, and
// writers replace rather than mutate pointer fields, so the copy stays
// consistent after the lock is released.
func (s *InMemory) snapshot() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Block, len(s.blocks))
	copy(out, s.blocks)
	return out
}

func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

func (s *InMemory) Block(index int) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.blocks) {
		return Block{}, ErrBlockIndexOutOfRange
	}
	return s.blocks[index].clone(), nil
}

func validateAt(blocks []Block, i int) BlockValidation {
	b := blocks[i]
	computed := ComputeHash(b)
	v := BlockValidation{
		Index:        i,
		HashValid:    b.Hash == computed,
		StoredHash:   b.Hash,
		ComputedHash: computed,
	}
	if i == 0 {
		v.PrecedingHashValid = b.PrecedingHash == GenesisPrecedingHash
	} else {
		v.PrecedingHashValid = b.PrecedingHash == blocks[i-1].Hash
	}
	v.Valid = v.HashValid && v.PrecedingHashValid && b.Index == i
	return v
}

func validSnapshot(blocks []Block) bool {
	for i := range blocks {
		if !validateAt(blocks, i).Valid {
			return false
		}
	}
	return true
}

// IsBlockValid checks the block's own hash and its link to the predecessor.
func (s *InMemory) IsBlockValid(index int) (bool, error) {
	v, err := s.ValidateBlock(index)
	if err != nil {
		return false, err
	}
	return v.Valid, nil
}

func (s *InMemory) ValidateBlock(index int) (BlockValidation, error) {
	blocks := s.snapshot()
	if index < 0 || index >= len(blocks) {
		return BlockValidation{}, ErrBlockIndexOutOfRange
	}
	return validateAt(blocks, index), nil
}

func (s *InMemory) IsChainValid() bool {
	return validSnapshot(s.snapshot())
}

// FindCorrupted returns every index failing IsBlockValid, in ascending order.
func (s *InMemory) FindCorrupted() []int {
	return s.Verify().Corrupted
}

// Verify scans the whole chain and reports each failing check.
func (s *InMemory) Verify() IntegrityReport {
	blocks := s.snapshot()
	rep := IntegrityReport{
		TotalBlocks: len(blocks),
		Corrupted:   []int{},
		Violations:  []Violation{},
		CheckedAt:   time.Now().UTC(),
	}
	for i := range blocks {
		v := validateAt(blocks, i)
		if v.Valid {
			continue
		}
		rep.Corrupted = append(rep.Corrupted, i)
		if !v.HashValid || blocks[i].Index != i {
			rep.Violations = append(rep.Violations, Violation{Index: i, Field: FieldHash})
		}
		if !v.PrecedingHashValid {
			rep.Violations = append(rep.Violations, Violation{Index: i, Field: FieldPrecedingHash})
		}
	}
	rep.Valid = len(rep.Corrupted) == 0
	obs.ObserveLedger(len(blocks), rep.Valid)
	return rep
}

// FindByCertificateID returns the most recent block for certificateID.
func (s *InMemory) FindByCertificateID(certificateID string) (Block, bool) {
	blocks := s.snapshot()
	for i := len(blocks) - 1; i >= 1; i-- {
		if blocks[i].Data.CertificateID == certificateID {
			return blocks[i].clone(), true
		}
	}
	return Block{}, false
}

func (s *InMemory) FindByEntityID(entityID string) []Block {
	var out []Block
	for _, b := range s.snapshot() {
		if b.Index > 0 && b.Data.EntityID == entityID {
			out = append(out, b.clone())
		}
	}
	return out
}

func (s *InMemory) FindByTxID(txID string) (Block, bool) {
	txID = strings.ToLower(strings.TrimSpace(txID))
	if txID == "" {
		return Block{}, false
	}
	for _, b := range s.snapshot() {
		if b.Data.Anchor != nil && strings.ToLower(b.Data.Anchor.TxID) == txID {
			return b.clone(), true
		}
	}
	return Block{}, false
}

// Certificates pages through certificate blocks, genesis excluded.
func (s *InMemory) Certificates(page, limit int) Page {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	blocks := s.snapshot()
	var certs []Block
	if len(blocks) > 1 {
		certs = blocks[1:]
	}
	total := len(certs)
	out := Page{
		Items:      []Block{},
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}
	start := (page - 1) * limit
	if start >= total {
		return out
	}
	end := min(start+limit, total)
	for _, b := range certs[start:end] {
		out.Items = append(out.Items, b.clone())
	}
	return out
}

func (s *InMemory) Stats() Stats {
	blocks := s.snapshot()
	st := Stats{TotalBlocks: len(blocks), Valid: validSnapshot(blocks)}
	if len(blocks) <= 1 {
		return st
	}
	for _, b := range blocks[1:] {
		st.TotalCertificates++
		switch b.Data.EntityType {
		case certificate.EntityProduct:
			st.ProductCertificates++
		case certificate.EntityCompany:
			st.CompanyCertificates++
		}
		if b.Data.Anchor != nil {
			st.AnchoredCertificates++
		}
	}
	latest := blocks[len(blocks)-1].clone().Data
	st.LatestCertificate = &latest
	return st
}

// VerifyCertificate checks an artifact hash against the latest ledger record
// for certificateID. The block itself must also pass its integrity checks.
func (s *InMemory) VerifyCertificate(certificateID, contentHash string) Verification {
	blocks := s.snapshot()
	for i := len(blocks) - 1; i >= 1; i-- {
		if blocks[i].Data.CertificateID != certificateID {
			continue
		}
		b := blocks[i].clone()
		if b.Data.ContentHash != certificate.NormalizeHash(contentHash) {
			return Verification{
				Status:  StatusTampered,
				Message: "content hash does not match the ledger record",
				Block:   &b,
			}
		}
		if !validateAt(blocks, i).Valid {
			return Verification{
				Status:  StatusCorrupted,
				Message: (&IntegrityError{Index: i, Field: FieldHash}).Error(),
				Block:   &b,
			}
		}
		return Verification{
			Status:  StatusAuthentic,
			Valid:   true,
			Message: "certificate is authentic",
			Block:   &b,
		}
	}
	return Verification{Status: StatusNotFound, Message: "certificate not found in ledger"}
}
