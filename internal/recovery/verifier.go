// Package recovery reads anchored certificates back from the external chain.
// It never touches the local ledger or database, so it keeps working after
// both are lost.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"certledger.org/internal/chain"
	"certledger.org/internal/obs"
)

// MaxBatch bounds the ids accepted by one RecoverBatch call.
const MaxBatch = 100

var (
	ErrInvalidTxID     = errors.New("recovery: transaction id is required")
	ErrBatchTooLarge   = fmt.Errorf("recovery: at most %d transaction ids per batch", MaxBatch)
	ErrMissingExpected = errors.New("recovery: expected content hash is required")
)

// Certificate is a payload recovered from the chain with its location.
type Certificate struct {
	chain.Receipt
	Payload chain.AnchorPayload `json:"payload"`
}

// Verification is the outcome of comparing an on-chain hash to a local one.
// A mismatch is a result, not an error.
type Verification struct {
	TxID         string       `json:"tx_id"`
	ExpectedHash string       `json:"expected_hash"`
	ActualHash   string       `json:"actual_hash"`
	Matches      bool         `json:"matches"`
	Certificate  *Certificate `json:"certificate,omitempty"`
}

// Failure reports one id a batch could not recover.
type Failure struct {
	TxID  string `json:"tx_id"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// BatchResult keeps both lists in input order.
type BatchResult struct {
	Recovered []Certificate `json:"recovered"`
	Failed    []Failure     `json:"failed"`
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithConcurrency bounds parallel reads in RecoverBatch.
func WithConcurrency(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.limit = n
		}
	}
}

// Verifier recovers certificates through a chain.Reader.
type Verifier struct {
	reader chain.Reader
	limit  int
}

func New(reader chain.Reader, opts ...Option) *Verifier {
	v := &Verifier{reader: reader, limit: 8}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Recover reads txID and decodes its payload. Malformed or foreign calldata
// fails with chain.ErrPayloadDecode.
func (v *Verifier) Recover(ctx context.Context, txID string) (Certificate, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return Certificate{}, ErrInvalidTxID
	}
	rec, err := v.reader.Read(ctx, txID)
	if err != nil {
		obs.CountRecovery("failed")
		return Certificate{}, fmt.Errorf("read %s: %w", txID, err)
	}
	p, err := chain.DecodePayload(rec.Payload)
	if err != nil {
		obs.CountRecovery("failed")
		return Certificate{}, fmt.Errorf("decode %s: %w", txID, err)
	}
	obs.CountRecovery("recovered")
	return Certificate{Receipt: rec.Receipt, Payload: p}, nil
}

// VerifyHash recovers txID and compares its content hash to expected,
// ignoring case and a 0x prefix.
func (v *Verifier) VerifyHash(ctx context.Context, txID, expected string) (Verification, error) {
	want := normalizeHash(expected)
	if want == "" {
		return Verification{}, ErrMissingExpected
	}
	cert, err := v.Recover(ctx, txID)
	if err != nil {
		return Verification{}, err
	}
	got := normalizeHash(cert.Payload.ContentHash)
	return Verification{
		TxID:         cert.TxID,
		ExpectedHash: want,
		ActualHash:   got,
		Matches:      got == want,
		Certificate:  &cert,
	}, nil
}

// RecoverBatch recovers each id on its own; one failure never aborts the
// rest. Only a batch over MaxBatch fails as a whole.
func (v *Verifier) RecoverBatch(ctx context.Context, txIDs []string) (BatchResult, error) {
	if len(txIDs) > MaxBatch {
		return BatchResult{}, ErrBatchTooLarge
	}
	certs := make([]Certificate, len(txIDs))
	errs := make([]error, len(txIDs))

	var g errgroup.Group
	g.SetLimit(v.limit)
	for i, id := range txIDs {
		g.Go(func() error {
			certs[i], errs[i] = v.Recover(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResult{Recovered: []Certificate{}, Failed: []Failure{}}
	for i, id := range txIDs {
		if errs[i] != nil {
			out.Failed = append(out.Failed, Failure{TxID: id, Error: errs[i].Error(), Err: errs[i]})
			continue
		}
		out.Recovered = append(out.Recovered, certs[i])
	}
	return out, nil
}

func normalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "0x")
}
