package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("user-42", []string{"Admin", "viewer", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != issuer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !slices.Equal(claims.Roles, []string{"admin", "viewer"}) {
		t.Fatalf("roles were not normalised: %v", claims.Roles)
	}

	SetSecret("other-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken with a different secret, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv(secretEnvVariable, "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user", nil, time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestRejectsForeignTokens(t *testing.T) {
	SetSecret("test-secret")
	t.Cleanup(ResetSecretForTests)

	now := time.Now().UTC()
	base := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   "a1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
	}
	cases := map[string]struct {
		mutate func(*jwt.RegisteredClaims)
		method jwt.SigningMethod
	}{
		"other issuer":   {func(c *jwt.RegisteredClaims) { c.Issuer = "someone-else" }, jwt.SigningMethodHS256},
		"other audience": {func(c *jwt.RegisteredClaims) { c.Audience = jwt.ClaimStrings{"billing"} }, jwt.SigningMethodHS256},
		"expired":        {func(c *jwt.RegisteredClaims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }, jwt.SigningMethodHS256},
		"no expiry":      {func(c *jwt.RegisteredClaims) { c.ExpiresAt = nil }, jwt.SigningMethodHS256},
		"no subject":     {func(c *jwt.RegisteredClaims) { c.Subject = " " }, jwt.SigningMethodHS256},
		"future iat":     {func(c *jwt.RegisteredClaims) { c.IssuedAt = jwt.NewNumericDate(now.Add(time.Minute)) }, jwt.SigningMethodHS256},
		"hs512":          {func(*jwt.RegisteredClaims) {}, jwt.SigningMethodHS512},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rc := base()
			tc.mutate(&rc)
			token, err := jwt.NewWithClaims(tc.method, Claims{Roles: []string{"admin"}, RegisteredClaims: rc}).
				SignedString([]byte("test-secret"))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestUnknownRolesDropped(t *testing.T) {
	SetSecret("test-secret")
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("u1", []string{"root", "STAFF", "superuser"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(claims.Roles, []string{"staff"}) {
		t.Fatalf("roles = %v", claims.Roles)
	}
}

func TestShortSecretRefused(t *testing.T) {
	SetSecret("short")
	t.Cleanup(ResetSecretForTests)
	if _, err := GenerateToken("u1", nil, time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("err = %v, want ErrMissingSecret", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), " u1 ", []string{"Staff", "staff"})
	if id, ok := UserIDFromContext(ctx); !ok || id != "u1" {
		t.Fatalf("user id = %q %v", id, ok)
	}
	if !HasRole(ctx, "STAFF") || HasRole(ctx, "admin") {
		t.Fatalf("unexpected roles: %v", RolesFromContext(ctx))
	}
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context should have no user")
	}
}

func TestParseMembers(t *testing.T) {
	members, err := ParseMembers("a1:admin:0x970E8128AB834E8EAC17AB8E3812F010678CF791:Ana Cruz, s1:staff::, v1:viewer")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 3 {
		t.Fatalf("got %d members", len(members))
	}
	if members[0].Wallet != "0x970e8128ab834e8eac17ab8e3812f010678cf791" || members[0].Name != "Ana Cruz" {
		t.Fatalf("unexpected admin: %+v", members[0])
	}
	if members[2].Name != "v1" {
		t.Fatalf("name should default to id: %+v", members[2])
	}

	for _, bad := range []string{"solo", "x:root", "x:admin:0x12"} {
		if _, err := ParseMembers(bad); !errors.Is(err, ErrInvalidMember) {
			t.Fatalf("%q: expected ErrInvalidMember, got %v", bad, err)
		}
	}
}

func TestMemoryDirectory(t *testing.T) {
	d, err := NewMemoryDirectory(
		Member{ID: "a1", Role: RoleAdmin},
		Member{ID: "a2", Role: RoleAdmin},
		Member{ID: "s1", Role: RoleStaff},
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if n, _ := d.CountEligibleApprovers(ctx); n != 2 {
		t.Fatalf("eligible = %d", n)
	}
	if ok, _ := d.IsEligibleApprover(ctx, "s1"); ok {
		t.Fatal("staff cannot approve")
	}
	if _, err := d.Member(ctx, "nobody"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
	d.Remove("a2")
	if n, _ := d.CountEligibleApprovers(ctx); n != 1 {
		t.Fatalf("eligible after remove = %d", n)
	}
}
