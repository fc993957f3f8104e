package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("assertion-test-secret")

func signHS256(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func validClaims() *AssertionClaims {
	now := time.Now()
	return &AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "uac-backend",
			Subject:   "casuser",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		Attributes: map[string][]string{"memberOf": {"staff", "admins"}},
		AuthTime:   jwt.NewNumericDate(now.Add(-time.Second)),
	}
}

func newHMACVerifier(t *testing.T) *JWTPrincipalVerifier {
	v, err := NewJWTPrincipalVerifier(&JWTPrincipalVerifierConfig{Issuer: "uac-backend", HMACSecret: testSecret})
	require.NoError(t, err)
	return v
}

func TestJWTPrincipalVerifier_HMAC(t *testing.T) {
	v := newHMACVerifier(t)
	claims := validClaims()

	auth, err := v.Verify(context.Background(), signHS256(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "casuser", auth.Principal.ID)
	assert.Equal(t, []string{"staff", "admins"}, auth.Principal.Attributes["memberOf"])
	assert.Equal(t, claims.AuthTime.Unix(), auth.AuthenticatedAt.Unix())
}

func TestJWTPrincipalVerifier_RSA(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "assertion.pub")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0600))

	publicKey, err := LoadRSAPublicKey(path)
	require.NoError(t, err)

	v, err := NewJWTPrincipalVerifier(&JWTPrincipalVerifierConfig{PublicKey: publicKey})
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(privateKey)
	require.NoError(t, err)

	auth, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "casuser", auth.Principal.ID)

	// 只配置了公钥时拒绝 HMAC 断言
	_, err = v.Verify(context.Background(), signHS256(t, validClaims()))
	assert.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestJWTPrincipalVerifier_Rejects(t *testing.T) {
	v := newHMACVerifier(t)
	ctx := context.Background()

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err := v.Verify(ctx, signHS256(t, expired))
	assert.ErrorIs(t, err, ErrAssertionExpired)

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"
	_, err = v.Verify(ctx, signHS256(t, wrongIssuer))
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	noSubject := validClaims()
	noSubject.Subject = ""
	_, err = v.Verify(ctx, signHS256(t, noSubject))
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	_, err = v.Verify(ctx, signHS256(t, noExpiry))
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = v.Verify(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(ctx, unsigned)
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	_, err = v.Verify(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestNewJWTPrincipalVerifier_NoKey(t *testing.T) {
	_, err := NewJWTPrincipalVerifier(&JWTPrincipalVerifierConfig{Issuer: "x"})
	assert.ErrorIs(t, err, ErrNoVerificationKey)

	_, err = LoadRSAPublicKey(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
