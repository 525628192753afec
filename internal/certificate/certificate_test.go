package certificate

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validPayload() Payload {
	return Payload{
		CertificateID: "CERT-1",
		EntityType:    EntityProduct,
		EntityID:      "prod-1",
		EntityName:    "Rice Crackers",
		ContentHash:   strings.Repeat("ab", 32),
		IssuedAt:      time.Date(2025, 6, 1, 10, 0, 0, 123456789, time.FixedZone("PHT", 8*3600)),
		Product:       &ProductDetails{LTONumber: "LTO-9"},
	}
}

func TestNewNormalises(t *testing.T) {
	p := validPayload()
	p.ContentHash = "0x" + strings.ToUpper(p.ContentHash)
	p.EntityName = "  Rice Crackers "
	got, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got.ContentHash != strings.Repeat("ab", 32) {
		t.Fatalf("hash not normalised: %s", got.ContentHash)
	}
	if got.EntityName != "Rice Crackers" {
		t.Fatalf("name not trimmed: %q", got.EntityName)
	}
	if got.IssuedAt.Location() != time.UTC || got.IssuedAt.Nanosecond()%1000 != 0 {
		t.Fatalf("issued_at not UTC micros: %v", got.IssuedAt)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Payload)
	}{
		{"missing id", func(p *Payload) { p.CertificateID = "" }},
		{"bad type", func(p *Payload) { p.EntityType = "person" }},
		{"missing entity", func(p *Payload) { p.EntityID = "" }},
		{"missing name", func(p *Payload) { p.EntityName = "" }},
		{"short hash", func(p *Payload) { p.ContentHash = "abc" }},
		{"non hex hash", func(p *Payload) { p.ContentHash = strings.Repeat("zz", 32) }},
		{"zero issued", func(p *Payload) { p.IssuedAt = time.Time{} }},
		{"wrong variant", func(p *Payload) { p.Company = &CompanyDetails{LicenseNumber: "L"} }},
		{"anchor without tx", func(p *Payload) { p.Anchor = &AnchorRef{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPayload()
			tc.mut(&p)
			if _, err := New(p); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParseEntityType(t *testing.T) {
	if et, err := ParseEntityType(" Company "); err != nil || et != EntityCompany {
		t.Fatalf("ParseEntityType = %v, %v", et, err)
	}
	if _, err := ParseEntityType("brand"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
