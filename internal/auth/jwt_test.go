package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_IssueAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	token, err := m.Issue("ops@example.com", "tenant-1", RoleTenant)
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, RoleTenant, claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestJWTManager_IssueValidation(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	_, err := m.Issue("x", "", RoleTenant)
	assert.Error(t, err)

	_, err = m.Issue("x", "", "admin")
	assert.Error(t, err)

	_, err = NewJWTManager("", time.Hour).Issue("x", "", RolePlatform)
	assert.Error(t, err)
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager("test-secret", time.Minute)
	issuedAt := time.Now().Add(-time.Hour)
	m.now = func() time.Time { return issuedAt }

	token, err := m.Issue("x", "", RolePlatform)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Hour).Issue("x", "", RolePlatform)
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_RejectsForeignIssuer(t *testing.T) {
	claims := &Claims{
		Role: RolePlatform,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_RejectsNoneAlgorithm(t *testing.T) {
	claims := &Claims{Role: RolePlatform, RegisteredClaims: jwt.RegisteredClaims{
		Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaims_CanAccessTenant(t *testing.T) {
	platform := &Claims{Role: RolePlatform}
	tenant := &Claims{Role: RoleTenant, TenantID: "t1"}

	assert.True(t, platform.CanAccessTenant("anything"))
	assert.True(t, tenant.CanAccessTenant("t1"))
	assert.False(t, tenant.CanAccessTenant("t2"))
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{Role: RolePlatform})
	claims, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, RolePlatform, claims.Role)
}
