package security

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/agstream/internal/store"
)

func TestGenerateAPIKey(t *testing.T) {
	rec, key, err := GenerateAPIKey("ci")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.Len(t, key, len(APIKeyPrefix)+64)
	assert.Equal(t, key[:12], rec.Prefix)
	assert.Equal(t, HashAPIKey(key), rec.KeyHash)
	assert.NotContains(t, rec.KeyHash, key)

	_, other, err := GenerateAPIKey("ci")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, _, err = GenerateAPIKey("  ")
	assert.Error(t, err)
}

type memKeys struct {
	keys map[string]*store.APIKey
}

func (m *memKeys) VerifyAPIKey(_ context.Context, hash string) (*store.APIKey, error) {
	return m.keys[hash], nil
}

func (m *memKeys) CountAPIKeys(context.Context) (int, error) { return len(m.keys), nil }

func TestAuthMiddleware(t *testing.T) {
	keys := &memKeys{keys: map[string]*store.APIKey{}}
	var seen *store.APIKey
	h := NewAuthMiddleware(keys, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = KeyFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(mod func(*http.Request)) int {
		req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
		if mod != nil {
			mod(req)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	// Open while no key exists.
	assert.Equal(t, http.StatusNoContent, do(nil))
	assert.Nil(t, seen)

	rec, key, err := GenerateAPIKey("ci")
	require.NoError(t, err)
	keys.keys[rec.KeyHash] = rec

	assert.Equal(t, http.StatusUnauthorized, do(nil))
	assert.Equal(t, http.StatusUnauthorized, do(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer agsk_wrong")
	}))
	assert.Equal(t, http.StatusNoContent, do(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+key)
	}))
	require.NotNil(t, seen)
	assert.Equal(t, "ci", seen.Name)
	assert.Equal(t, http.StatusNoContent, do(func(r *http.Request) {
		r.URL.RawQuery = "token=" + key
	}))
}

func TestParseTLSMode(t *testing.T) {
	for _, m := range []TLSMode{TLSModeOff, TLSModeSelfSigned, TLSModeACME, TLSModeCustom} {
		got, err := ParseTLSMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseTLSMode("letsencrypt")
	assert.Error(t, err)
}

func TestSelfSignedTLS(t *testing.T) {
	dir := t.TempDir()

	res, err := SetupTLS(TLSOptions{Mode: TLSModeSelfSigned, DataDir: dir})
	require.NoError(t, err)
	require.NotNil(t, res.Config)
	require.Len(t, res.Config.Certificates, 1)

	caPEM, err := ReadCACert(res.Paths)
	require.NoError(t, err)
	block, _ := pem.Decode(caPEM)
	require.NotNil(t, block)
	ca, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, ca.IsCA)

	leaf, err := x509.ParseCertificate(res.Config.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool})
	assert.NoError(t, err)

	// A second start reuses the files on disk.
	before, err := os.ReadFile(filepath.Join(dir, "server.crt"))
	require.NoError(t, err)
	_, err = SetupTLS(TLSOptions{Mode: TLSModeSelfSigned, DataDir: dir})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, "server.crt"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	custom, err := SetupTLS(TLSOptions{Mode: TLSModeCustom, CertFile: res.Paths.CertPath, KeyFile: res.Paths.KeyPath})
	require.NoError(t, err)
	assert.NotNil(t, custom.Config)
}

func TestSetupTLSErrors(t *testing.T) {
	off, err := SetupTLS(TLSOptions{Mode: TLSModeOff})
	require.NoError(t, err)
	assert.Nil(t, off.Config)

	_, err = SetupTLS(TLSOptions{Mode: TLSModeACME, DataDir: t.TempDir()})
	assert.Error(t, err)
	_, err = SetupTLS(TLSOptions{Mode: TLSModeCustom})
	assert.Error(t, err)

	acme, err := SetupTLS(TLSOptions{Mode: TLSModeACME, DataDir: t.TempDir(), Domains: []string{"agui.example.com"}})
	require.NoError(t, err)
	assert.NotNil(t, acme.ACMEManager)
	assert.NotNil(t, acme.Config.GetCertificate)
}
