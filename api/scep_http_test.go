package api_test

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caforge/caforge/api"
	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/scep"
	"github.com/caforge/caforge/storage/memory"
)

// SCEP signed-attribute OIDs, redeclared to act as a client.
var (
	scepOIDMessageType   = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	scepOIDPKIStatus     = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	scepOIDSenderNonce   = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	scepOIDTransactionID = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
)

// newSCEPHTTPEnv wires a SCEP engine over an RSA root CA into the full
// HTTP surface, so both the protocol routes and the management routes see
// the same store.
func newSCEPHTTPEnv(t *testing.T, cfg scep.Config) (http.Handler, *x509.Certificate) {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	store := memory.New()
	authority := ca.NewEngine(store, ca.NewLocalKeyBackend(master), ca.WithLogger(discardLogger()))
	if cfg.CARef == "" {
		cfg.CARef = "device-ca"
	}
	_, err = authority.CreateCA(t.Context(), ca.CreateCARequest{
		Ref:     cfg.CARef,
		Name:    "Device CA",
		Subject: pkix.Name{CommonName: "Device CA", Organization: []string{"caforge"}},
		KeyType: ca.KeyTypeRSA,
	})
	require.NoError(t, err)

	engine, err := scep.NewEngine(store, authority, cfg, scep.WithLogger(discardLogger()))
	require.NoError(t, err)

	caCert, err := authority.CACertificate(t.Context(), cfg.CARef)
	require.NoError(t, err)

	a := api.New(store, authority, api.WithLogger(discardLogger()), api.WithSCEP(engine))
	return a.Handler(), caCert
}

func newSCEPHTTPClient(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "enrollment-client"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// buildClientMessage envelopes the CSR to the CA and signs the pkiMessage
// the way a SCEP client does.
func buildClientMessage(t *testing.T, txnID string, payload []byte, recipient, signerCert *x509.Certificate, signerKey crypto.PrivateKey) []byte {
	t.Helper()
	enveloped, err := pkcs7.Encrypt(payload, []*x509.Certificate{recipient})
	require.NoError(t, err)

	nonce := make([]byte, 16)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	sd, err := pkcs7.NewSignedData(enveloped)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	err = sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{
			{Type: scepOIDTransactionID, Value: txnID},
			{Type: scepOIDMessageType, Value: string(scep.MsgPKCSReq)},
			{Type: scepOIDSenderNonce, Value: nonce},
		},
	})
	require.NoError(t, err)
	raw, err := sd.Finish()
	require.NoError(t, err)
	return raw
}

func newRSACSRDER(t *testing.T, key *rsa.PrivateKey, commonName string) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	require.NoError(t, err)
	return der
}

// postPKIOperation submits a pkiMessage body and returns the recorder.
func postPKIOperation(t *testing.T, h http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/scep/pkiclient.exe?operation=PKCSReq", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// certRepStatus verifies the response signature and reads its pkiStatus.
func certRepStatus(t *testing.T, raw []byte) (*pkcs7.PKCS7, scep.PKIStatus) {
	t.Helper()
	p7, err := pkcs7.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, p7.Verify())

	var msgType string
	require.NoError(t, p7.UnmarshalSignedAttribute(scepOIDMessageType, &msgType))
	assert.Equal(t, string(scep.MsgCertRep), msgType)

	var status string
	require.NoError(t, p7.UnmarshalSignedAttribute(scepOIDPKIStatus, &status))
	return p7, scep.PKIStatus(status)
}

func TestSCEPGetCACapsWithoutEngine(t *testing.T) {
	h, _, _ := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/scep/pkiclient.exe?operation=GetCACaps", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	caps := strings.Split(rr.Body.String(), "\n")
	assert.Contains(t, caps, "POSTPKIOperation")
	assert.Contains(t, caps, "SHA-256")
}

func TestSCEPGetCACert(t *testing.T) {
	h, caCert := newSCEPHTTPEnv(t, scep.Config{})
	req := httptest.NewRequest(http.MethodGet, "/scep/pkiclient.exe?operation=GetCACert", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-x509-ca-cert", rr.Header().Get("Content-Type"))
	got, err := x509.ParseCertificate(rr.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, got.Equal(caCert))
}

func TestSCEPUnknownOperation(t *testing.T) {
	h, _ := newSCEPHTTPEnv(t, scep.Config{})
	req := httptest.NewRequest(http.MethodGet, "/scep/pkiclient.exe?operation=SelfDestruct", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSCEPMissingMessage(t *testing.T) {
	h, _ := newSCEPHTTPEnv(t, scep.Config{})
	req := httptest.NewRequest(http.MethodGet, "/scep/pkiclient.exe?operation=PKCSReq", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSCEPGarbageMessage(t *testing.T) {
	h, _ := newSCEPHTTPEnv(t, scep.Config{})
	rr := postPKIOperation(t, h, []byte("definitely not DER"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSCEPUnconfiguredPKIOperation(t *testing.T) {
	h, _, _ := newTestEnv(t)
	rr := postPKIOperation(t, h, []byte("x"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSCEPEnrollAutoApprove(t *testing.T) {
	h, caCert := newSCEPHTTPEnv(t, scep.Config{AutoApprove: true})
	clientCert, clientKey := newSCEPHTTPClient(t)
	csrDER := newRSACSRDER(t, clientKey, "printer-7.example.com")

	msg := buildClientMessage(t, "txn-http-1", csrDER, caCert, clientCert, clientKey)
	rr := postPKIOperation(t, h, msg)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-pki-message", rr.Header().Get("Content-Type"))

	rep, status := certRepStatus(t, rr.Body.Bytes())
	require.Equal(t, scep.StatusSuccess, status)

	// Decrypt the envelope and unwrap the degenerate certs-only message.
	envelope, err := pkcs7.Parse(rep.Content)
	require.NoError(t, err)
	plain, err := envelope.Decrypt(clientCert, clientKey)
	require.NoError(t, err)
	degenerate, err := pkcs7.Parse(plain)
	require.NoError(t, err)
	require.NotEmpty(t, degenerate.Certificates)
	issued := degenerate.Certificates[0]
	assert.Equal(t, "printer-7.example.com", issued.Subject.CommonName)
	require.NoError(t, issued.CheckSignatureFrom(caCert))
}

func TestSCEPManualApprovalViaManagement(t *testing.T) {
	h, caCert := newSCEPHTTPEnv(t, scep.Config{})
	clientCert, clientKey := newSCEPHTTPClient(t)
	csrDER := newRSACSRDER(t, clientKey, "gateway-1.example.com")

	msg := buildClientMessage(t, "txn-manual-http", csrDER, caCert, clientCert, clientKey)
	rr := postPKIOperation(t, h, msg)
	require.Equal(t, http.StatusOK, rr.Code)
	_, status := certRepStatus(t, rr.Body.Bytes())
	assert.Equal(t, scep.StatusPending, status)

	var list api.SCEPRequestListResponse
	resp := doJSON(t, h, http.MethodGet, "/api/v1/scep/requests?status=pending", nil, &list)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, list.Requests, 1)
	assert.Equal(t, "txn-manual-http", list.Requests[0].TransactionID)

	var cert api.CertificateResponse
	resp = doJSON(t, h, http.MethodPost, "/api/v1/scep/requests/txn-manual-http/approve",
		api.ResolveSCEPRequestBody{Approver: "operator@example.com"}, &cert)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, cert.SubjectDN, "gateway-1.example.com")

	// A transaction resolves exactly once.
	resp = doJSON(t, h, http.MethodPost, "/api/v1/scep/requests/txn-manual-http/approve",
		api.ResolveSCEPRequestBody{Approver: "operator@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
	resp = doJSON(t, h, http.MethodPost, "/api/v1/scep/requests/txn-manual-http/reject",
		api.ResolveSCEPRequestBody{Approver: "operator@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	var txn api.SCEPRequestResponse
	resp = doJSON(t, h, http.MethodGet, "/api/v1/scep/requests/txn-manual-http", nil, &txn)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "approved", txn.Status)
	assert.Equal(t, "operator@example.com", txn.ApprovedBy)
}

func TestSCEPRejectViaManagement(t *testing.T) {
	h, caCert := newSCEPHTTPEnv(t, scep.Config{})
	clientCert, clientKey := newSCEPHTTPClient(t)
	csrDER := newRSACSRDER(t, clientKey, "rogue.example.com")

	msg := buildClientMessage(t, "txn-reject-http", csrDER, caCert, clientCert, clientKey)
	rr := postPKIOperation(t, h, msg)
	require.Equal(t, http.StatusOK, rr.Code)

	var txn api.SCEPRequestResponse
	resp := doJSON(t, h, http.MethodPost, "/api/v1/scep/requests/txn-reject-http/reject",
		api.ResolveSCEPRequestBody{Approver: "operator@example.com"}, &txn)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "rejected", txn.Status)

	// Polling the rejected transaction reports FAILURE to the client.
	poll := buildClientMessage(t, "txn-reject-http", csrDER, caCert, clientCert, clientKey)
	rr = postPKIOperation(t, h, poll)
	require.Equal(t, http.StatusOK, rr.Code)
	_, status := certRepStatus(t, rr.Body.Bytes())
	assert.Equal(t, scep.StatusFailure, status)
}
