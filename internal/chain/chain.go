// Package chain defines the contract with the external, publicly verifiable
// chain that certificates are anchored to, and an in-process implementation.
package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks a failed round trip to the chain. Callers may retry.
	ErrUnavailable = errors.New("chain: unavailable")
	// ErrNotFound means the chain has no successful transaction with that id.
	// From Await it means the transaction was dropped or reverted and will
	// never confirm.
	ErrNotFound = errors.New("chain: transaction not found")
	// ErrPayloadDecode means the transaction exists but carries no certificate payload.
	ErrPayloadDecode = errors.New("chain: payload decode failure")
)

// Receipt identifies a mined transaction.
type Receipt struct {
	TxID           string    `json:"tx_id"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	ExplorerURL    string    `json:"explorer_url,omitempty"`
}

// Record is a transaction read back from the chain with its raw payload.
type Record struct {
	Receipt
	Payload []byte `json:"-"`
}

// Submitter writes payloads to the chain in two steps, so the transaction id
// can be stored between sending and confirmation.
type Submitter interface {
	// Broadcast sends payload and returns the transaction id without waiting
	// for it to be mined.
	Broadcast(ctx context.Context, payload []byte) (string, error)
	// Await blocks until txID is mined or ctx ends.
	Await(ctx context.Context, txID string) (Receipt, error)
}

// Reader reads payloads back by transaction id.
type Reader interface {
	Read(ctx context.Context, txID string) (Record, error)
}

// Client is the full chain contract.
type Client interface {
	Submitter
	Reader
	ExplorerURL(txID string) string
}
