package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an append-only in-process chain. Broadcast queues a transaction
// and Await mines it into its own block.
type Memory struct {
	mu          sync.RWMutex
	txs         map[string]Record
	pending     map[string][]byte
	height      uint64
	submissions int
	failNext    int
	delay       time.Duration
	explorer    string
	now         func() time.Time
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty chain. explorerBase, when set, prefixes tx ids in
// ExplorerURL.
func NewMemory(explorerBase string) *Memory {
	return &Memory{
		txs:      make(map[string]Record),
		pending:  make(map[string][]byte),
		explorer: strings.TrimSuffix(explorerBase, "/"),
		now:      time.Now,
	}
}

// FailNext makes the next n broadcasts fail with ErrUnavailable.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SetDelay holds back mining: Await waits d, or until ctx ends, before the
// transaction gets a block.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Submissions counts successful broadcasts.
func (m *Memory) Submissions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.submissions
}

// Submit broadcasts payload and waits for it to be mined.
func (m *Memory) Submit(ctx context.Context, payload []byte) (Receipt, error) {
	txID, err := m.Broadcast(ctx, payload)
	if err != nil {
		return Receipt{}, err
	}
	return m.Await(ctx, txID)
}

func (m *Memory) Broadcast(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return "", ErrUnavailable
	}
	m.submissions++
	sum := sha256.Sum256(append([]byte(strconv.Itoa(m.submissions)+":"), payload...))
	txID := "0x" + hex.EncodeToString(sum[:])
	m.pending[txID] = append([]byte(nil), payload...)
	return txID, nil
}

func (m *Memory) Await(ctx context.Context, txID string) (Receipt, error) {
	txID = strings.ToLower(strings.TrimSpace(txID))
	m.mu.RLock()
	rec, mined := m.txs[txID]
	_, queued := m.pending[txID]
	delay := m.delay
	m.mu.RUnlock()
	switch {
	case mined:
		return rec.Receipt, nil
	case !queued:
		return Receipt{}, ErrNotFound
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.txs[txID]; ok {
		return rec.Receipt, nil
	}
	payload, ok := m.pending[txID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	delete(m.pending, txID)
	m.height++
	rec = Record{
		Receipt: Receipt{
			TxID:           txID,
			BlockNumber:    m.height,
			BlockTimestamp: m.now().UTC().Truncate(time.Second),
			ExplorerURL:    m.explorerURL(txID),
		},
		Payload: payload,
	}
	m.txs[txID] = rec
	return rec.Receipt, nil
}

// Drop forgets a transaction that was broadcast but not yet mined.
func (m *Memory) Drop(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, strings.ToLower(txID))
}

func (m *Memory) Read(ctx context.Context, txID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.txs[strings.ToLower(strings.TrimSpace(txID))]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, nil
}

// Put stores raw bytes under txID, for tests that need foreign or malformed
// transactions.
func (m *Memory) Put(txID string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height++
	txID = strings.ToLower(txID)
	m.txs[txID] = Record{
		Receipt: Receipt{
			TxID:           txID,
			BlockNumber:    m.height,
			BlockTimestamp: m.now().UTC().Truncate(time.Second),
			ExplorerURL:    m.explorerURL(txID),
		},
		Payload: append([]byte(nil), payload...),
	}
}

func (m *Memory) ExplorerURL(txID string) string { return m.explorerURL(txID) }

func (m *Memory) explorerURL(txID string) string {
	if m.explorer == "" {
		return ""
	}
	return m.explorer + "/tx/" + txID
}
