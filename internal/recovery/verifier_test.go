package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"certledger.org/internal/chain"
)

var contentHash = strings.Repeat("ab", 32)

func anchored(t *testing.T, c *chain.Memory, certID, hash string) string {
	t.Helper()
	raw, err := chain.EncodePayload(chain.AnchorPayload{
		CertificateID:     certID,
		EntityType:        "product",
		EntityID:          "p-1",
		EntityName:        "Acme Vitamin C",
		ContentHash:       hash,
		SubmissionVersion: 1,
		Approvers:         []chain.ApproverStamp{{Wallet: "0x970e8128ab834e8eac17ab8e3812f010678cf791", Name: "Ana", Date: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}},
		Timestamp:         time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	rcpt, err := c.Submit(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	return rcpt.TxID
}

func TestRecover(t *testing.T) {
	c := chain.NewMemory("https://explorer.test")
	v := New(c)
	tx := anchored(t, c, "CERT-1", contentHash)

	cert, err := v.Recover(context.Background(), tx)
	if err != nil {
		t.Fatal(err)
	}
	if cert.TxID != tx || cert.BlockNumber != 1 || cert.ExplorerURL != "https://explorer.test/tx/"+tx {
		t.Fatalf("unexpected receipt: %+v", cert.Receipt)
	}
	if cert.Payload.CertificateID != "CERT-1" || cert.Payload.ContentHash != contentHash || len(cert.Payload.Approvers) != 1 {
		t.Fatalf("unexpected payload: %+v", cert.Payload)
	}

	// Ids are matched without regard to case.
	if _, err := v.Recover(context.Background(), strings.ToUpper(tx)); err != nil {
		t.Fatalf("upper-case id: %v", err)
	}
}

func TestRecoverErrors(t *testing.T) {
	c := chain.NewMemory("")
	c.Put("0xgarbage", []byte("hello, world"))
	c.Put("0xforeign", []byte(`{"type":"TRANSFER","version":"2.0"}`))
	v := New(c)

	tests := []struct {
		name string
		txID string
		want error
	}{
		{"empty id", "  ", ErrInvalidTxID},
		{"unknown id", "0xmissing", chain.ErrNotFound},
		{"not json", "0xgarbage", chain.ErrPayloadDecode},
		{"foreign payload", "0xforeign", chain.ErrPayloadDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Recover(context.Background(), tt.txID); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRecoverLegacyPayload(t *testing.T) {
	c := chain.NewMemory("")
	c.Put("0xlegacy", []byte(`{"type":"RCV_CERTIFICATE","version":"1.0","certificateId":"RCV-9","entityType":"company","entityName":"Old Co","pdfHash":"0xABCDEF","timestamp":"2024-06-01T00:00:00.000Z"}`))

	cert, err := New(c).Recover(context.Background(), "0xlegacy")
	if err != nil {
		t.Fatal(err)
	}
	p := cert.Payload
	if p.Version != chain.VersionLegacy || p.CertificateID != "RCV-9" || p.EntityName != "Old Co" || p.ContentHash != "abcdef" {
		t.Fatalf("unexpected legacy payload: %+v", p)
	}
}

func TestVerifyHash(t *testing.T) {
	c := chain.NewMemory("")
	v := New(c)
	tx := anchored(t, c, "CERT-1", contentHash)

	tests := []struct {
		name     string
		expected string
		matches  bool
	}{
		{"exact", contentHash, true},
		{"upper case with prefix", "0x" + strings.ToUpper(contentHash), true},
		{"substituted artifact", strings.Repeat("cd", 32), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.VerifyHash(context.Background(), tx, tt.expected)
			if err != nil {
				t.Fatal(err)
			}
			if res.Matches != tt.matches {
				t.Fatalf("matches = %v, want %v (%+v)", res.Matches, tt.matches, res)
			}
			if res.Certificate == nil || res.ActualHash != contentHash {
				t.Fatalf("payload should be returned either way: %+v", res)
			}
		})
	}

	if _, err := v.VerifyHash(context.Background(), tx, ""); !errors.Is(err, ErrMissingExpected) {
		t.Fatalf("expected ErrMissingExpected, got %v", err)
	}
	if _, err := v.VerifyHash(context.Background(), "0xmissing", contentHash); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverBatch(t *testing.T) {
	c := chain.NewMemory("")
	c.Put("0xbad", []byte("not a certificate"))
	v := New(c, WithConcurrency(3))

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, anchored(t, c, fmt.Sprintf("CERT-%d", i), contentHash))
	}
	ids = append(ids[:2], append([]string{"0xbad", "0xmissing"}, ids[2:]...)...)

	res, err := v.RecoverBatch(context.Background(), ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Recovered) != 6 || len(res.Failed) != 2 {
		t.Fatalf("recovered=%d failed=%d", len(res.Recovered), len(res.Failed))
	}
	for i, cert := range res.Recovered {
		if want := fmt.Sprintf("CERT-%d", i); cert.Payload.CertificateID != want {
			t.Fatalf("recovered[%d] = %s, want %s", i, cert.Payload.CertificateID, want)
		}
	}
	if res.Failed[0].TxID != "0xbad" || !errors.Is(res.Failed[0].Err, chain.ErrPayloadDecode) {
		t.Fatalf("failed[0] = %+v", res.Failed[0])
	}
	if res.Failed[1].TxID != "0xmissing" || !errors.Is(res.Failed[1].Err, chain.ErrNotFound) {
		t.Fatalf("failed[1] = %+v", res.Failed[1])
	}

	empty, err := v.RecoverBatch(context.Background(), nil)
	if err != nil || empty.Recovered == nil || empty.Failed == nil {
		t.Fatalf("empty batch: %+v, %v", empty, err)
	}
	if _, err := v.RecoverBatch(context.Background(), make([]string, MaxBatch+1)); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

type gaugeReader struct {
	chain.Reader
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (g *gaugeReader) Read(ctx context.Context, txID string) (chain.Record, error) {
	g.mu.Lock()
	g.inFlight++
	g.peak = max(g.peak, g.inFlight)
	g.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()
	return g.Reader.Read(ctx, txID)
}

func TestRecoverBatchBoundsParallelism(t *testing.T) {
	c := chain.NewMemory("")
	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, anchored(t, c, fmt.Sprintf("CERT-%d", i), contentHash))
	}
	g := &gaugeReader{Reader: c}
	res, err := New(g, WithConcurrency(4)).RecoverBatch(context.Background(), ids)
	if err != nil || len(res.Recovered) != 20 {
		t.Fatalf("recovered=%d err=%v", len(res.Recovered), err)
	}
	if g.peak > 4 {
		t.Fatalf("peak parallel reads = %d, want <= 4", g.peak)
	}
}
