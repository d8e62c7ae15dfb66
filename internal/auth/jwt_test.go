package auth

import (
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

func hsToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("dev-secret"))
	require.NoError(t, err)
	return s
}

func TestIdentityUnverified(t *testing.T) {
	v, err := NewVerifier("")
	require.NoError(t, err)

	id, err := v.Identity(hsToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}))
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	id, err = v.Identity(hsToken(t, jwt.MapClaims{"user_uuid": "u2"}))
	require.NoError(t, err)
	assert.Equal(t, "u2", id)

	_, err = v.Identity(hsToken(t, jwt.MapClaims{"role": "user"}))
	assert.ErrorIs(t, err, ErrNoSubject)

	_, err = v.Identity(hsToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()}))
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = v.Identity("not-a-token")
	assert.Error(t, err)
}

func TestIdentityVerifiedRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := NewVerifier(path)
	require.NoError(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"user_id": "u9"}).SignedString(key)
	require.NoError(t, err)
	id, err := v.Identity(signed)
	require.NoError(t, err)
	assert.Equal(t, "u9", id)

	_, err = v.Identity(hsToken(t, jwt.MapClaims{"sub": "u1"}))
	assert.Error(t, err)
}
