package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"certledger.org/internal/certificate"
)

// TimeLayout is the fixed-width UTC encoding used for every timestamp that
// takes part in a block hash.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// canonicalBlock fixes field order and encodings for hashing. Optional fields
// are always present (null when unset) so two encoders cannot disagree on
// whether a key exists.
type canonicalBlock struct {
	Index         int           `json:"index"`
	Timestamp     string        `json:"timestamp"`
	PrecedingHash string        `json:"preceding_hash"`
	Data          canonicalData `json:"data"`
}

type canonicalData struct {
	CertificateID string            `json:"certificate_id"`
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	EntityName    string            `json:"entity_name"`
	ContentHash   string            `json:"content_hash"`
	IssuedAt      string            `json:"issued_at"`
	Product       *canonicalProduct `json:"product"`
	Company       *canonicalCompany `json:"company"`
	Anchor        *canonicalAnchor  `json:"anchor"`
}

type canonicalProduct struct {
	LTONumber  string `json:"lto_number"`
	CFPRNumber string `json:"cfpr_number"`
	LotNumber  string `json:"lot_number"`
	BrandName  string `json:"brand_name"`
}

type canonicalCompany struct {
	LicenseNumber string `json:"license_number"`
}

type canonicalAnchor struct {
	TxID           string `json:"tx_id"`
	BlockNumber    uint64 `json:"block_number"`
	BlockTimestamp string `json:"block_timestamp"`
}

func formatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// CanonicalBytes returns the exact byte string hashed by ComputeHash.
func CanonicalBytes(b Block) []byte {
	cb := canonicalBlock{
		Index:         b.Index,
		Timestamp:     formatTime(b.Timestamp),
		PrecedingHash: b.PrecedingHash,
		Data:          canonicalPayload(b.Data),
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding plain strings and integers cannot fail.
	_ = enc.Encode(cb)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

func canonicalPayload(p certificate.Payload) canonicalData {
	cd := canonicalData{
		CertificateID: p.CertificateID,
		EntityType:    string(p.EntityType),
		EntityID:      p.EntityID,
		EntityName:    p.EntityName,
		ContentHash:   p.ContentHash,
		IssuedAt:      formatTime(p.IssuedAt),
	}
	if p.Product != nil {
		cd.Product = &canonicalProduct{
			LTONumber:  p.Product.LTONumber,
			CFPRNumber: p.Product.CFPRNumber,
			LotNumber:  p.Product.LotNumber,
			BrandName:  p.Product.BrandName,
		}
	}
	if p.Company != nil {
		cd.Company = &canonicalCompany{LicenseNumber: p.Company.LicenseNumber}
	}
	if p.Anchor != nil {
		cd.Anchor = &canonicalAnchor{
			TxID:           p.Anchor.TxID,
			BlockNumber:    p.Anchor.BlockNumber,
			BlockTimestamp: formatTime(p.Anchor.BlockTimestamp),
		}
	}
	return cd
}

// ComputeHash returns the lower-case hex SHA-256 of the block's canonical
// encoding. The stored Hash field is not part of the input.
func ComputeHash(b Block) string {
	sum := sha256.Sum256(CanonicalBytes(b))
	return hex.EncodeToString(sum[:])
}
