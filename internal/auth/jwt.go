package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is set on every token this service issues
const Issuer = "telemetry-hub"

// Operator roles
const (
	RolePlatform = "platform"
	RoleTenant   = "tenant"
)

// ErrInvalidToken is returned for any token that fails verification
var ErrInvalidToken = errors.New("invalid token")

// Claims identifies an operator. Tenant operators only see their own tenant.
type Claims struct {
	TenantID string `json:"tenantId,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// CanAccessTenant reports whether the operator may read a tenant's data
func (c *Claims) CanAccessTenant(tenantID string) bool {
	return c.Role == RolePlatform || c.TenantID == tenantID
}

// JWTManager issues and verifies HS256 operator tokens
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a manager. expiration <= 0 defaults to 24h.
func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
		now:        time.Now,
	}
}

// Issue creates a signed token for an operator
func (m *JWTManager) Issue(subject, tenantID, role string) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("jwt secret not set")
	}
	if role != RolePlatform && role != RoleTenant {
		return "", fmt.Errorf("unknown role: %s", role)
	}
	if role == RoleTenant && tenantID == "" {
		return "", fmt.Errorf("tenant role requires a tenant id")
	}

	now := m.now()
	claims := &Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and validates its signature, expiry and issuer
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims stores verified claims in the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
