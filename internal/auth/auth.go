package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "certledger"
	audience          = "certd"
	secretEnvVariable = "CERTD_AUTH_SECRET"
	clockSkew         = 5 * time.Second
	minSecretLen      = 8
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSecret means neither SetSecret nor CERTD_AUTH_SECRET supplied a key.
	ErrMissingSecret = errors.New("auth secret is not configured")
)

// Claims are the bearer token claims minted by the identity service.
// Roles hold only known Role names, lower-cased and deduplicated.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

var (
	secretMu sync.Mutex
	secret   []byte
)

// SetSecret installs the HS256 secret, overriding the environment. An
// empty value falls back to CERTD_AUTH_SECRET on next use.
func SetSecret(raw string) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if raw = strings.TrimSpace(raw); raw == "" {
		secret = nil
		return
	}
	secret = []byte(raw)
}

// ResetSecretForTests clears the installed secret. Only intended for test use.
func ResetSecretForTests() { SetSecret("") }

func signingKey() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret == nil {
		if raw := strings.TrimSpace(os.Getenv(secretEnvVariable)); raw != "" {
			secret = []byte(raw)
		}
	}
	switch {
	case secret == nil:
		return nil, ErrMissingSecret
	case len(secret) < minSecretLen:
		return nil, fmt.Errorf("%w: secret shorter than %d bytes", ErrMissingSecret, minSecretLen)
	}
	return secret, nil
}

// GenerateToken signs an HS256 token for userID. certctl uses it to mint
// development tokens; production tokens come from the identity service.
func GenerateToken(userID string, roles []string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("userID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	key, err := signingKey()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		Roles: knownRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies signature, issuer, audience and time claims.
// Every validation failure is reported as ErrInvalidToken; a missing secret
// is reported as ErrMissingSecret.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return key, nil })
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil || claims.ExpiresAt.Before(claims.IssuedAt.Time) {
		return nil, ErrInvalidToken
	}
	claims.Roles = knownRoles(claims.Roles)
	return claims, nil
}

// knownRoles lower-cases and deduplicates roles, dropping names outside the
// Role enum.
func knownRoles(roles []string) []string {
	var out []string
	seen := make(map[Role]bool, len(roles))
	for _, raw := range roles {
		r, err := ParseRole(raw)
		if err != nil || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, string(r))
	}
	return out
}
