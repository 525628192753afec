package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"certledger.org/internal/anchor"
	"certledger.org/internal/approval"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
	"certledger.org/internal/chain"
	"certledger.org/internal/ledger"
	"certledger.org/internal/recovery"
	"certledger.org/internal/signature"
)

type selftest struct {
	out      io.Writer
	keys     map[string]*ecdsa.PrivateKey
	wf       *approval.Workflow
	ledger   *ledger.InMemory
	chain    *chain.Memory
	anchors  *anchor.Service
	verifier *recovery.Verifier
}

// runSelftest drives one certificate through the whole pipeline against an
// in-process chain, then tampers with the ledger and repairs it.
func runSelftest(ctx context.Context, out io.Writer) error {
	st, err := newSelftest(ctx, out)
	if err != nil {
		return err
	}

	artifact := []byte("selftest artifact " + uuid.NewString())
	sum := sha256.Sum256(artifact)
	contentHash := hex.EncodeToString(sum[:])

	var (
		rec  approval.CertificateApproval
		rcpt anchor.Receipt
	)
	steps := []struct {
		name string
		run  func() error
	}{
		{"submit", func() error {
			rec, err = st.wf.Submit(ctx, approval.SubmitRequest{
				CertificateID: "CERT-" + uuid.NewString()[:8],
				EntityType:    certificate.EntityProduct,
				EntityID:      uuid.NewString(),
				EntityName:    "Selftest Product",
				ContentHash:   contentHash,
				Product:       &certificate.ProductDetails{LTONumber: "LTO-SELFTEST", BrandName: "Selftest"},
			}, "staff")
			return err
		}},
		{"approve x2", func() error {
			for i, id := range []string{"admin-1", "admin-2"} {
				sig, err := signature.Sign(approval.ApprovalMessageFor(rec), st.keys[id])
				if err != nil {
					return err
				}
				res, err := st.wf.Approve(ctx, rec.ID, id, "", sig)
				if err != nil {
					return err
				}
				if last := i == 1; res.FullyApproved != last {
					return fmt.Errorf("approval %d: fully approved = %v", i+1, res.FullyApproved)
				}
			}
			return nil
		}},
		{"anchor once", func() error {
			rcpt, err = st.anchors.Anchor(ctx, rec.ID)
			if err != nil {
				return err
			}
			again, err := st.anchors.Anchor(ctx, rec.ID)
			if err != nil {
				return err
			}
			if !again.AlreadyAnchored || st.chain.Submissions() != 1 {
				return errors.New("second anchor submitted again")
			}
			return nil
		}},
		{"recover from chain", func() error {
			v, err := st.verifier.VerifyHash(ctx, rcpt.Chain.TxID, contentHash)
			if err != nil {
				return err
			}
			if !v.Matches {
				return fmt.Errorf("recovered hash %s", v.ActualHash)
			}
			if ent := v.Certificate.Payload.Entity; ent == nil || ent.Product == nil || ent.Product.LTONumber != "LTO-SELFTEST" {
				return errors.New("entity details missing from the recovered payload")
			}
			return nil
		}},
		{"ledger verification", func() error {
			if v := st.ledger.VerifyCertificate(rec.CertificateID, contentHash); v.Status != ledger.StatusAuthentic {
				return fmt.Errorf("status %s: %s", v.Status, v.Message)
			}
			return nil
		}},
		{"tamper is detected", func() error {
			if err := st.ledger.Tamper(ctx, rcpt.LedgerIndex, func(b *ledger.Block) {
				b.Data.EntityName = "Forged Product"
			}); err != nil {
				return err
			}
			rep := st.ledger.Verify()
			if rep.Valid || len(rep.Corrupted) != 1 || rep.Corrupted[0] != rcpt.LedgerIndex {
				return fmt.Errorf("integrity report missed the change: %+v", rep.Corrupted)
			}
			return nil
		}},
		{"restore integrity", func() error {
			if _, err := st.ledger.RestoreIntegrity(ctx, rcpt.LedgerIndex); err != nil {
				return err
			}
			if !st.ledger.IsChainValid() {
				return errors.New("chain still invalid")
			}
			return nil
		}},
	}

	for _, s := range steps {
		if err := s.run(); err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", bad("FAIL"), s.name, err)
			return fmt.Errorf("%s: %w", s.name, err)
		}
		fmt.Fprintf(out, "%s %s\n", ok("PASS"), s.name)
	}
	fmt.Fprintf(out, "%s tx %s, ledger block %d\n", dim("anchored"), rcpt.Chain.TxID, rcpt.LedgerIndex)
	return nil
}

func newSelftest(ctx context.Context, out io.Writer) (*selftest, error) {
	st := &selftest{out: out, keys: map[string]*ecdsa.PrivateKey{}}
	members := []auth.Member{{ID: "staff", Name: "Selftest Staff", Role: auth.RoleStaff}}
	for _, id := range []string{"admin-1", "admin-2"} {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		st.keys[id] = key
		members = append(members, auth.Member{
			ID:     id,
			Name:   "Selftest " + id,
			Role:   auth.RoleAdmin,
			Wallet: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		})
	}
	dir, err := auth.NewMemoryDirectory(members...)
	if err != nil {
		return nil, err
	}

	st.ledger = ledger.NewInMemory()
	if _, err := st.ledger.Genesis(ctx, ledger.DefaultGenesisData()); err != nil {
		return nil, err
	}
	st.chain = chain.NewMemory("https://explorer.invalid")
	st.wf = approval.New(approval.NewMemoryRepository(), dir)
	st.anchors = anchor.New(st.wf, st.ledger, st.chain)
	st.verifier = recovery.New(st.chain)
	return st, nil
}
