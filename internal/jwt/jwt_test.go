package jwt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned writes a certificate for a fresh key and returns the key and
// the PEM path.
func selfSigned(t *testing.T, cn string) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), cn+".pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return key, path
}

func sign(t *testing.T, key *ecdsa.PrivateKey, kid string, claims gojwt.MapClaims) string {
	t.Helper()
	tok := gojwt.NewWithClaims(gojwt.SigningMethodES256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestVerify(t *testing.T) {
	key, path := selfSigned(t, "admin")
	v, err := NewValidator([]string{path}, "echohost", "admin-api")
	require.NoError(t, err)
	assert.True(t, v.Enabled())

	good := sign(t, key, "admin", gojwt.MapClaims{
		"iss": "echohost", "aud": "admin-api", "sub": "ops",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	claims, err := v.Verify(good)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims["sub"])

	for name, claims := range map[string]gojwt.MapClaims{
		"wrong issuer":   {"iss": "other", "aud": "admin-api"},
		"wrong audience": {"iss": "echohost", "aud": "other"},
		"expired":        {"iss": "echohost", "aud": "admin-api", "exp": time.Now().Add(-time.Minute).Unix()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(sign(t, key, "admin", claims))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	other, _ := selfSigned(t, "intruder")
	_, err = v.Verify(sign(t, other, "admin", gojwt.MapClaims{"iss": "echohost", "aud": "admin-api"}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_NoKeys(t *testing.T) {
	v, err := NewValidator(nil, "", "")
	require.NoError(t, err)
	assert.False(t, v.Enabled())
	_, err = v.Verify("anything")
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestNewValidator_BadPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err := NewValidator([]string{path}, "", "")
	assert.Error(t, err)

	_, err = NewValidator([]string{filepath.Join(t.TempDir(), "missing.pem")}, "", "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
