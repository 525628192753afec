package anchor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"certledger.org/internal/approval"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
	"certledger.org/internal/chain"
	"certledger.org/internal/ledger"
	"certledger.org/internal/recovery"
	"certledger.org/internal/stream"
)

type env struct {
	wf     *approval.Workflow
	ledger *ledger.InMemory
	chain  *chain.Memory
	svc    *Service
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	dir, err := auth.NewMemoryDirectory(
		auth.Member{ID: "staff", Role: auth.RoleStaff},
		auth.Member{ID: "a1", Role: auth.RoleAdmin, Wallet: "0x1111111111111111111111111111111111111111"},
		auth.Member{ID: "a2", Role: auth.RoleAdmin, Wallet: "0x2222222222222222222222222222222222222222"},
	)
	if err != nil {
		t.Fatal(err)
	}
	wf := approval.New(approval.NewMemoryRepository(), dir,
		approval.WithVerifier(func(string, string, string) bool { return true }))
	l := ledger.NewInMemory()
	if _, err := l.Genesis(context.Background(), ledger.DefaultGenesisData()); err != nil {
		t.Fatal(err)
	}
	c := chain.NewMemory("https://explorer.test")
	return &env{wf: wf, ledger: l, chain: c, svc: New(wf, l, c, opts...)}
}

func (e *env) submit(t *testing.T, entityID string) approval.CertificateApproval {
	t.Helper()
	rec, err := e.wf.Submit(context.Background(), approval.SubmitRequest{
		CertificateID: "CERT-" + entityID,
		EntityType:    certificate.EntityCompany,
		EntityID:      entityID,
		EntityName:    "Company " + entityID,
		ContentHash:   strings.Repeat("9f", 32),
	}, "staff")
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (e *env) approveAll(t *testing.T, rec approval.CertificateApproval) {
	t.Helper()
	for _, id := range []string{"a1", "a2"} {
		if _, err := e.wf.Approve(context.Background(), rec.ID, id, "", "0xsig"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAnchorIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.submit(t, "c1")
	e.approveAll(t, rec)

	first, err := e.svc.Anchor(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.AlreadyAnchored || first.LedgerIndex != 1 || first.Chain.ExplorerURL == "" {
		t.Fatalf("unexpected receipt: %+v", first)
	}
	stored, _ := e.wf.Get(ctx, rec.ID)
	if stored.BlockchainReference == nil || stored.BlockchainReference.TxID != first.Chain.TxID {
		t.Fatalf("reference not recorded: %+v", stored.BlockchainReference)
	}
	b, ok := e.ledger.FindByTxID(first.Chain.TxID)
	if !ok || b.Data.Anchor == nil || b.Data.ContentHash != rec.ContentHash {
		t.Fatalf("ledger block missing or wrong: %+v", b)
	}

	second, err := e.svc.Anchor(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyAnchored || second.Chain.TxID != first.Chain.TxID || second.LedgerIndex != first.LedgerIndex {
		t.Fatalf("second anchor should return the stored receipt: %+v", second)
	}
	if e.chain.Submissions() != 1 || e.ledger.Len() != 2 {
		t.Fatalf("submissions=%d ledger=%d", e.chain.Submissions(), e.ledger.Len())
	}
}

func TestAnchorRoundTripPayload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.submit(t, "c1")
	e.approveAll(t, rec)
	rcpt, err := e.svc.Anchor(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := e.chain.Read(ctx, rcpt.Chain.TxID)
	if err != nil {
		t.Fatal(err)
	}
	p, err := chain.DecodePayload(raw.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if p.ContentHash != rec.ContentHash || p.CertificateID != rec.CertificateID || len(p.Approvers) != 2 {
		t.Fatalf("decoded payload: %+v", p)
	}
	if p.Approvers[0].Wallet != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("approver wallet: %+v", p.Approvers[0])
	}
}

func TestConcurrentApprovalsAnchorOnce(t *testing.T) {
	e := newEnv(t)
	e.chain.SetDelay(20 * time.Millisecond)
	ctx := context.Background()
	rec := e.submit(t, "c1")

	var (
		wg      sync.WaitGroup
		signals atomic.Int32
		full    = make(chan struct{})
	)
	for _, id := range []string{"a1", "a2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := e.wf.Approve(ctx, rec.ID, id, "", "0xsig")
			if err != nil {
				t.Errorf("approve %s: %v", id, err)
				return
			}
			if res.FullyApproved {
				signals.Add(1)
				close(full)
				if _, err := e.svc.Anchor(ctx, rec.ID); err != nil {
					t.Errorf("anchor: %v", err)
				}
			}
		}(id)
	}
	// Impatient callers racing the driver must not cause extra submissions.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-full:
				_, _ = e.svc.Anchor(ctx, rec.ID)
			case <-time.After(5 * time.Second):
			}
		}()
	}
	wg.Wait()

	if signals.Load() != 1 {
		t.Fatalf("fully approved signalled %d times", signals.Load())
	}
	if n := e.chain.Submissions(); n != 1 {
		t.Fatalf("chain submissions = %d, want 1", n)
	}
	if n := e.ledger.Len(); n != 2 {
		t.Fatalf("ledger blocks = %d, want 2", n)
	}
}

func TestChainFailureLeavesApprovedUnanchored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.submit(t, "c1")
	e.approveAll(t, rec)

	e.chain.FailNext(1)
	_, err := e.svc.Anchor(ctx, rec.ID)
	if !errors.Is(err, ErrExternalChainUnavailable) || !errors.Is(err, chain.ErrUnavailable) {
		t.Fatalf("expected ErrExternalChainUnavailable, got %v", err)
	}
	stored, _ := e.wf.Get(ctx, rec.ID)
	if stored.Status != approval.StatusApproved || stored.BlockchainReference != nil {
		t.Fatalf("approval must stay approved and unanchored: %+v", stored)
	}
	if e.ledger.Len() != 1 {
		t.Fatalf("no ledger block expected, len=%d", e.ledger.Len())
	}

	n, err := NewRetrier(e.svc).RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry pass = %d, %v", n, err)
	}
	if ready, _ := e.wf.ReadyForAnchoring(ctx); len(ready) != 0 {
		t.Fatalf("nothing should remain unanchored: %+v", ready)
	}
}

func TestAnchorTimeoutKeepsPendingTransaction(t *testing.T) {
	e := newEnv(t, WithTimeout(20*time.Millisecond))
	e.chain.SetDelay(time.Second)
	ctx := context.Background()
	rec := e.submit(t, "c1")
	e.approveAll(t, rec)

	_, err := e.svc.Anchor(ctx, rec.ID)
	if !errors.Is(err, ErrExternalChainUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}
	stored, _ := e.wf.Get(ctx, rec.ID)
	if stored.PendingAnchor == nil || stored.BlockchainReference != nil {
		t.Fatalf("broadcast transaction must be kept as pending: %+v", stored)
	}
	pending := stored.PendingAnchor.TxID

	// A second attempt that also times out waits on the same transaction.
	if _, err := e.svc.Anchor(ctx, rec.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}

	e.chain.SetDelay(0)
	n, err := NewRetrier(e.svc).RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry pass = %d, %v", n, err)
	}
	stored, _ = e.wf.Get(ctx, rec.ID)
	if stored.BlockchainReference == nil || stored.BlockchainReference.TxID != pending || stored.PendingAnchor != nil {
		t.Fatalf("retry should confirm the pending transaction: %+v", stored)
	}
	if n := e.chain.Submissions(); n != 1 {
		t.Fatalf("chain submissions = %d, want 1", n)
	}
	if _, ok := e.ledger.FindByTxID(pending); !ok {
		t.Fatal("ledger block missing for the confirmed transaction")
	}
}

func TestAnchorRebroadcastsDroppedTransaction(t *testing.T) {
	e := newEnv(t, WithTimeout(20*time.Millisecond))
	e.chain.SetDelay(time.Second)
	ctx := context.Background()
	rec := e.submit(t, "c1")
	e.approveAll(t, rec)

	if _, err := e.svc.Anchor(ctx, rec.ID); err == nil {
		t.Fatal("expected timeout")
	}
	stored, _ := e.wf.Get(ctx, rec.ID)
	dropped := stored.PendingAnchor.TxID
	e.chain.Drop(dropped)

	if _, err := e.svc.Anchor(ctx, rec.ID); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected dropped transaction, got %v", err)
	}
	if stored, _ = e.wf.Get(ctx, rec.ID); stored.PendingAnchor != nil {
		t.Fatalf("dropped transaction must be cleared: %+v", stored.PendingAnchor)
	}

	e.chain.SetDelay(0)
	rcpt, err := e.svc.Anchor(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Chain.TxID == dropped || e.chain.Submissions() != 2 {
		t.Fatalf("expected a fresh broadcast, got %+v after %d submissions", rcpt, e.chain.Submissions())
	}
}

func TestAnchorSurvivesInitiatorCancel(t *testing.T) {
	e := newEnv(t)
	e.chain.SetDelay(100 * time.Millisecond)
	rec := e.submit(t, "c1")
	e.approveAll(t, rec)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.svc.Anchor(first, rec.ID)
		firstErr <- err
	}()
	deadline := time.Now().Add(time.Second)
	for e.chain.Submissions() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	joined := make(chan error, 1)
	var rcpt Receipt
	go func() {
		var err error
		rcpt, err = e.svc.Anchor(context.Background(), rec.ID)
		joined <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("initiator should see its own cancellation, got %v", err)
	}
	if err := <-joined; err != nil {
		t.Fatalf("joined caller failed with the initiator's context: %v", err)
	}
	if rcpt.Chain.TxID == "" || e.chain.Submissions() != 1 {
		t.Fatalf("receipt %+v after %d submissions", rcpt, e.chain.Submissions())
	}
}

func TestAnchorCarriesEntityDetails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec, err := e.wf.Submit(ctx, approval.SubmitRequest{
		CertificateID: "CERT-p1",
		EntityType:    certificate.EntityProduct,
		EntityID:      "p1",
		EntityName:    "Acme Vinegar",
		ContentHash:   strings.Repeat("7e", 32),
		Product:       &certificate.ProductDetails{LTONumber: "LTO-1", CFPRNumber: "CFPR-2", LotNumber: "LOT-3", BrandName: "Acme"},
	}, "staff")
	if err != nil {
		t.Fatal(err)
	}
	e.approveAll(t, rec)
	rcpt, err := e.svc.Anchor(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}

	want := certificate.ProductDetails{LTONumber: "LTO-1", CFPRNumber: "CFPR-2", LotNumber: "LOT-3", BrandName: "Acme"}
	b, ok := e.ledger.FindByTxID(rcpt.Chain.TxID)
	if !ok || b.Data.Product == nil || *b.Data.Product != want || b.Data.Company != nil {
		t.Fatalf("ledger block details: %+v", b.Data)
	}

	cert, err := recovery.New(e.chain).Recover(ctx, rcpt.Chain.TxID)
	if err != nil {
		t.Fatal(err)
	}
	ent := cert.Payload.Entity
	if ent == nil || ent.Product == nil || *ent.Product != want || ent.Company != nil {
		t.Fatalf("recovered details: %+v", ent)
	}
	if cert.Payload.ContentHash != rec.ContentHash || cert.Payload.EntityID != "p1" {
		t.Fatalf("recovered payload: %+v", cert.Payload)
	}
}

func TestAnchorRequiresApproval(t *testing.T) {
	e := newEnv(t)
	rec := e.submit(t, "c1")
	if _, err := e.svc.Anchor(context.Background(), rec.ID); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	if _, err := e.svc.Anchor(context.Background(), "missing"); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expected approval.ErrNotFound, got %v", err)
	}
	if e.chain.Submissions() != 0 {
		t.Fatal("nothing should be submitted")
	}
}

type flakyLedger struct {
	*ledger.InMemory
	fail atomic.Bool
}

func (f *flakyLedger) Append(ctx context.Context, p certificate.Payload) (ledger.Block, error) {
	if f.fail.Swap(false) {
		return ledger.Block{}, errors.New("disk full")
	}
	return f.InMemory.Append(ctx, p)
}

func TestRetryAfterLedgerFailure(t *testing.T) {
	e := newEnv(t)
	fl := &flakyLedger{InMemory: e.ledger}
	fl.fail.Store(true)
	svc := New(e.wf, fl, e.chain)
	ctx := context.Background()
	rec := e.submit(t, "c1")
	e.approveAll(t, rec)

	if _, err := svc.Anchor(ctx, rec.ID); err == nil {
		t.Fatal("expected ledger failure")
	}
	stored, _ := e.wf.Get(ctx, rec.ID)
	if stored.BlockchainReference == nil {
		t.Fatal("reference must be recorded even when the ledger append fails")
	}

	n, err := NewRetrier(svc).RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry pass = %d, %v", n, err)
	}
	if _, ok := e.ledger.FindByTxID(stored.BlockchainReference.TxID); !ok {
		t.Fatal("retry should append the missing ledger block")
	}
	if e.chain.Submissions() != 1 {
		t.Fatalf("retry must not resubmit, submissions=%d", e.chain.Submissions())
	}
	if n, _ := NewRetrier(svc).RunOnce(ctx); n != 0 {
		t.Fatalf("nothing left to retry, got %d", n)
	}
}

func TestRetrierRunStopsWithContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRetrier(e.svc).Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAnchorPublishesEvent(t *testing.T) {
	events := stream.New()
	e := newEnv(t, WithPublisher(events))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := events.Subscribe(ctx)

	rec := e.submit(t, "c1")
	e.approveAll(t, rec)
	rcpt, err := e.svc.Anchor(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Type != stream.EventAnchored || evt.TxID != rcpt.Chain.TxID || evt.ApprovalID != rec.ID {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no anchored event")
	}
}
