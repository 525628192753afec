// Package eth anchors certificate payloads on an Ethereum network. Each
// payload travels as the calldata of a zero-value transaction that the
// service wallet sends to itself.
package eth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"certledger.org/internal/chain"
)

// Backend is the subset of the JSON-RPC API the client uses.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config configures a Client.
type Config struct {
	RPCURL        string
	PrivateKeyHex string
	ChainID       int64 // 0 asks the node
	ExplorerBase  string
	PollInterval  time.Duration
}

// Client implements chain.Client over an Ethereum node.
type Client struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	explorer string
	poll     time.Duration

	// sendMu keeps nonces in order across concurrent submissions.
	sendMu sync.Mutex
}

var _ chain.Client = (*Client)(nil)

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", chain.ErrUnavailable, err)
	}
	c, err := New(ctx, rpc, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return c, nil
}

// New builds a Client on an existing backend. A key is only needed to submit.
func New(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	c := &Client{
		backend:  backend,
		explorer: strings.TrimSuffix(cfg.ExplorerBase, "/"),
		poll:     cfg.PollInterval,
	}
	if c.poll <= 0 {
		c.poll = 2 * time.Second
	}
	if cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
		if err != nil {
			return nil, fmt.Errorf("eth: private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else if c.key != nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %v", chain.ErrUnavailable, err)
		}
		c.chainID = id
	}
	return c, nil
}

// Address is the service wallet that signs anchor transactions.
func (c *Client) Address() common.Address { return c.from }

func (c *Client) ExplorerURL(txID string) string {
	if c.explorer == "" {
		return ""
	}
	return c.explorer + "/tx/" + txID
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", chain.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", chain.ErrUnavailable, op, err)
}

// Submit broadcasts payload and blocks until the transaction is mined or ctx
// ends.
func (c *Client) Submit(ctx context.Context, payload []byte) (chain.Receipt, error) {
	txID, err := c.Broadcast(ctx, payload)
	if err != nil {
		return chain.Receipt{}, err
	}
	return c.Await(ctx, txID)
}

// Broadcast signs and sends payload and returns the transaction hash. It does
// not wait for the transaction to be mined.
func (c *Client) Broadcast(ctx context.Context, payload []byte) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("%w: no signing key configured", chain.ErrUnavailable)
	}
	tx, err := c.send(ctx, payload)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Await polls for the receipt of txID until it is mined or ctx ends. A
// transaction the node no longer knows, or one that reverted, yields
// chain.ErrNotFound.
func (c *Client) Await(ctx context.Context, txID string) (chain.Receipt, error) {
	hash, err := parseHash(txID)
	if err != nil {
		return chain.Receipt{}, err
	}
	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return chain.Receipt{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return chain.Receipt{}, fmt.Errorf("%w: transaction %s reverted", chain.ErrNotFound, hash.Hex())
	}
	header, err := c.backend.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return chain.Receipt{}, unavailable("block header", err)
	}
	id := hash.Hex()
	return chain.Receipt{
		TxID:           id,
		BlockNumber:    receipt.BlockNumber.Uint64(),
		BlockTimestamp: time.Unix(int64(header.Time), 0).UTC(),
		ExplorerURL:    c.ExplorerURL(id),
	}, nil
}

func (c *Client) send(ctx context.Context, payload []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, unavailable("nonce", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, unavailable("gas tip", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, unavailable("head", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	to := c.from
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: payload})
	if err != nil {
		return nil, unavailable("estimate gas", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      payload,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("eth: sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, unavailable("send", err)
	}
	return signed, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, unavailable("receipt", err)
		}
		if _, _, err := c.backend.TransactionByHash(ctx, hash); errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: transaction %s was dropped", chain.ErrNotFound, hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, unavailable("wait mined", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Read returns the calldata of a successful, mined transaction.
func (c *Client) Read(ctx context.Context, txID string) (chain.Record, error) {
	hash, err := parseHash(txID)
	if err != nil {
		return chain.Record{}, err
	}

	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return chain.Record{}, chain.ErrNotFound
	case err != nil:
		return chain.Record{}, unavailable("transaction", err)
	case pending:
		return chain.Record{}, fmt.Errorf("%w: transaction is pending", chain.ErrNotFound)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return chain.Record{}, chain.ErrNotFound
	case err != nil:
		return chain.Record{}, unavailable("receipt", err)
	case receipt.Status != types.ReceiptStatusSuccessful:
		return chain.Record{}, fmt.Errorf("%w: transaction failed", chain.ErrNotFound)
	}
	header, err := c.backend.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return chain.Record{}, unavailable("block header", err)
	}
	id := hash.Hex()
	return chain.Record{
		Receipt: chain.Receipt{
			TxID:           id,
			BlockNumber:    receipt.BlockNumber.Uint64(),
			BlockTimestamp: time.Unix(int64(header.Time), 0).UTC(),
			ExplorerURL:    c.ExplorerURL(id),
		},
		Payload: tx.Data(),
	}, nil
}

func parseHash(txID string) (common.Hash, error) {
	txID = strings.TrimSpace(txID)
	raw := strings.TrimPrefix(strings.ToLower(txID), "0x")
	if len(raw) != 2*common.HashLength || !isHex(raw) {
		return common.Hash{}, fmt.Errorf("%w: malformed transaction id %q", chain.ErrNotFound, txID)
	}
	return common.HexToHash(raw), nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f') {
			return false
		}
	}
	return true
}
