package api_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caforge/caforge/api"
	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/est"
	"github.com/caforge/caforge/storage/memory"
)

// newESTHTTPEnv wires an EST engine into the HTTP surface. The engine is
// returned too, so mTLS tests can mint a client certificate directly.
func newESTHTTPEnv(t *testing.T, cfg est.Config) (http.Handler, *est.Engine) {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	store := memory.New()
	authority := ca.NewEngine(store, ca.NewLocalKeyBackend(master), ca.WithLogger(discardLogger()))
	if cfg.CARef == "" {
		cfg.CARef = "est-ca"
	}
	_, err = authority.CreateCA(t.Context(), ca.CreateCARequest{
		Ref:     cfg.CARef,
		Name:    "EST CA",
		Subject: pkix.Name{CommonName: "EST CA", Organization: []string{"caforge"}},
	})
	require.NoError(t, err)

	engine, err := est.NewEngine(store, authority, cfg, est.WithLogger(discardLogger()))
	require.NoError(t, err)

	a := api.New(store, authority, api.WithLogger(discardLogger()), api.WithEST(engine))
	return a.Handler(), engine
}

func newECDSACSRDER(t *testing.T, key *ecdsa.PrivateKey, commonName string) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	require.NoError(t, err)
	return der
}

// estBody wraps a DER blob the way EST clients send it: base64 with CRLF
// line breaks.
func estBody(der []byte) io.Reader {
	enc := base64.StdEncoding.EncodeToString(der)
	var buf bytes.Buffer
	for len(enc) > 64 {
		buf.WriteString(enc[:64])
		buf.WriteString("\r\n")
		enc = enc[64:]
	}
	buf.WriteString(enc)
	return &buf
}

func decodeESTCerts(t *testing.T, body []byte) []*x509.Certificate {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(string(body))
	require.NoError(t, err)
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	return p7.Certificates
}

func TestESTCACertsOverHTTP(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{})
	rr := doJSON(t, h, http.MethodGet, "/.well-known/est/cacerts", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/pkcs7-mime; smime-type=certs-only", rr.Header().Get("Content-Type"))
	assert.Equal(t, "base64", rr.Header().Get("Content-Transfer-Encoding"))

	certs := decodeESTCerts(t, rr.Body.Bytes())
	require.Len(t, certs, 1)
	assert.Equal(t, "EST CA", certs[0].Subject.CommonName)
}

func TestESTCSRAttrsOverHTTP(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{CSRAttributeOIDs: []string{"2.5.4.3"}})
	rr := doJSON(t, h, http.MethodGet, "/.well-known/est/csrattrs", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/csrattrs", rr.Header().Get("Content-Type"))
	_, err := base64.StdEncoding.DecodeString(rr.Body.String())
	assert.NoError(t, err)
}

func TestESTEnrollBasicAuth(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{BasicUser: "est-client", BasicPassword: "correct horse"})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", estBody(newECDSACSRDER(t, key, "sensor-9")))
	req.Header.Set("Content-Type", "application/pkcs10")
	req.SetBasicAuth("est-client", "correct horse")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	certs := decodeESTCerts(t, rr.Body.Bytes())
	require.Len(t, certs, 1)
	assert.Equal(t, "sensor-9", certs[0].Subject.CommonName)
}

func TestESTEnrollWrongCredentials(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{BasicUser: "est-client", BasicPassword: "correct horse"})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", estBody(newECDSACSRDER(t, key, "x")))
	req.SetBasicAuth("est-client", "wrong")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")
}

func TestESTEnrollRateLimited(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{BasicUser: "est-client", BasicPassword: "correct horse"})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER := newECDSACSRDER(t, key, "x")

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", estBody(csrDER))
		req.SetBasicAuth("est-client", "wrong")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	// The sixth attempt hits the lockout, correct password or not.
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", estBody(csrDER))
	req.SetBasicAuth("est-client", "correct horse")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestESTEnrollGarbageBody(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{BasicUser: "est-client", BasicPassword: "correct horse"})
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", bytes.NewReader([]byte("%%% not base64 %%%")))
	req.SetBasicAuth("est-client", "correct horse")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestESTReenrollRequiresClientCertificate(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{BasicUser: "est-client", BasicPassword: "correct horse"})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	// Basic credentials never satisfy re-enrollment.
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simplereenroll", estBody(newECDSACSRDER(t, key, "x")))
	req.SetBasicAuth("est-client", "correct horse")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestESTReenrollOverTLS(t *testing.T) {
	h, engine := newESTHTTPEnv(t, est.Config{})

	// Enroll a client through the engine to get a certificate it can
	// present for re-enrollment.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	certsDER, _, err := engine.Enroll(t.Context(), newECDSACSRDER(t, key, "agent-1"))
	require.NoError(t, err)
	p7, err := pkcs7.Parse(certsDER)
	require.NoError(t, err)
	require.NotEmpty(t, p7.Certificates)
	clientCert := p7.Certificates[0]

	ts := httptest.NewUnstartedServer(h)
	ts.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	ts.StartTLS()
	defer ts.Close()

	client := ts.Client()
	client.Transport.(*http.Transport).TLSClientConfig.Certificates = []tls.Certificate{{
		Certificate: [][]byte{clientCert.Raw},
		PrivateKey:  key,
	}}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost,
		ts.URL+"/.well-known/est/simplereenroll", estBody(newECDSACSRDER(t, key, "agent-1")))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	certs := decodeESTCerts(t, body)
	require.Len(t, certs, 1)
	assert.Equal(t, "agent-1", certs[0].Subject.CommonName)
	assert.NotEqual(t, clientCert.SerialNumber, certs[0].SerialNumber)
}

func TestESTServerKeyGenOverHTTP(t *testing.T) {
	h, _ := newESTHTTPEnv(t, est.Config{BasicUser: "est-client", BasicPassword: "correct horse"})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/serverkeygen", estBody(newECDSACSRDER(t, key, "kiosk-3")))
	req.SetBasicAuth("est-client", "correct horse")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	mediaType, params, err := mime.ParseMediaType(rr.Header().Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(rr.Body, params["boundary"])

	keyPart, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "application/pkcs8", keyPart.Header.Get("Content-Type"))
	keyRaw, err := io.ReadAll(keyPart)
	require.NoError(t, err)
	keyDER, err := base64.StdEncoding.DecodeString(string(keyRaw))
	require.NoError(t, err)
	generated, err := x509.ParsePKCS8PrivateKey(keyDER)
	require.NoError(t, err)

	certPart, err := mr.NextPart()
	require.NoError(t, err)
	certRaw, err := io.ReadAll(certPart)
	require.NoError(t, err)
	certs := decodeESTCerts(t, certRaw)
	require.Len(t, certs, 1)
	assert.Equal(t, "kiosk-3", certs[0].Subject.CommonName)

	// The generated key pair, not the CSR's, is what got certified.
	genKey, ok := generated.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, genKey.PublicKey.Equal(certs[0].PublicKey))
	assert.False(t, key.PublicKey.Equal(certs[0].PublicKey))
}

func TestESTNotConfigured(t *testing.T) {
	h, _, _ := newTestEnv(t)
	rr := doJSON(t, h, http.MethodGet, "/.well-known/est/cacerts", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
