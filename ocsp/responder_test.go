package ocsp_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stdocsp "golang.org/x/crypto/ocsp"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/ocsp"
	"github.com/caforge/caforge/storage"
	"github.com/caforge/caforge/storage/memory"
)

type fixture struct {
	eng       *ca.Engine
	store     *memory.Store
	responder *ocsp.Responder
	caCert    *x509.Certificate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	store := memory.New()
	eng := ca.NewEngine(store, ca.NewLocalKeyBackend(master), ca.WithLogger(logger))

	rec, err := eng.CreateCA(t.Context(), ca.CreateCARequest{
		Ref:         "root",
		Subject:     pkix.Name{CommonName: "Status Root CA"},
		OCSPEnabled: true,
	})
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(rec.CertificatePEM))
	require.NotNil(t, block)
	caCert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	return &fixture{
		eng:       eng,
		store:     store,
		responder: ocsp.NewResponder(store, eng.CASigner, ocsp.WithLogger(logger)),
		caCert:    caCert,
	}
}

func (f *fixture) issueLeaf(t *testing.T, cn string) (*storage.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	csrPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))

	rec, err := f.eng.IssueCertificate(t.Context(), "root", ca.IssueRequest{CSRPEM: csrPEM, ValidityDays: 30})
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(rec.CertificatePEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return rec, cert
}

func statusRequest(t *testing.T, leaf, issuer *x509.Certificate) []byte {
	t.Helper()
	der, err := stdocsp.CreateRequest(leaf, issuer, nil)
	require.NoError(t, err)
	return der
}

// Hand-rolled request structures for cases the x/crypto encoder cannot
// produce: arbitrary serials and the RFC 8954 nonce extension.
type testCertID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

type testSingleRequest struct {
	Cert testCertID
}

type testTBSRequest struct {
	RequestList []testSingleRequest
	Extensions  []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type testOCSPRequest struct {
	TBSRequest testTBSRequest
}

var (
	sha1OID  = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	nonceOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
)

func rawRequest(t *testing.T, issuer *x509.Certificate, serial *big.Int, withNonce bool) []byte {
	t.Helper()
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	_, err := asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &spki)
	require.NoError(t, err)
	nameHash := sha1.Sum(issuer.RawSubject)
	keyHash := sha1.Sum(spki.PublicKey.RightAlign())

	req := testOCSPRequest{
		TBSRequest: testTBSRequest{
			RequestList: []testSingleRequest{{
				Cert: testCertID{
					HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: sha1OID, Parameters: asn1.NullRawValue},
					NameHash:      nameHash[:],
					IssuerKeyHash: keyHash[:],
					SerialNumber:  serial,
				},
			}},
		},
	}
	if withNonce {
		nonce := make([]byte, 16)
		_, err := rand.Read(nonce)
		require.NoError(t, err)
		value, err := asn1.Marshal(nonce)
		require.NoError(t, err)
		req.TBSRequest.Extensions = []pkix.Extension{{Id: nonceOID, Value: value}}
	}
	der, err := asn1.Marshal(req)
	require.NoError(t, err)
	return der
}

func TestGoodStatus(t *testing.T) {
	f := newFixture(t)
	rec, leaf := f.issueLeaf(t, "good.example.com")

	result := f.responder.Respond(t.Context(), statusRequest(t, leaf, f.caCert))
	require.Equal(t, ocsp.OutcomeSuccess, result.Outcome)
	assert.False(t, result.FromCache)

	parsed, err := stdocsp.ParseResponse(result.Response, f.caCert)
	require.NoError(t, err)
	assert.Equal(t, stdocsp.Good, parsed.Status)
	assert.Equal(t, rec.SerialHex, parsed.SerialNumber.Text(16))
}

func TestRevokedStatus(t *testing.T) {
	f := newFixture(t)
	rec, leaf := f.issueLeaf(t, "revoked.example.com")
	_, err := f.eng.RevokeCertificate(t.Context(), rec.ID, 1)
	require.NoError(t, err)

	result := f.responder.Respond(t.Context(), statusRequest(t, leaf, f.caCert))
	require.Equal(t, ocsp.OutcomeSuccess, result.Outcome)

	parsed, err := stdocsp.ParseResponse(result.Response, f.caCert)
	require.NoError(t, err)
	assert.Equal(t, stdocsp.Revoked, parsed.Status)
	assert.Equal(t, 1, parsed.RevocationReason)
	assert.False(t, parsed.RevokedAt.IsZero())
}

func TestUnknownSerial(t *testing.T) {
	f := newFixture(t)

	result := f.responder.Respond(t.Context(), rawRequest(t, f.caCert, big.NewInt(987654), false))
	require.Equal(t, ocsp.OutcomeSuccess, result.Outcome)

	parsed, err := stdocsp.ParseResponse(result.Response, f.caCert)
	require.NoError(t, err)
	assert.Equal(t, stdocsp.Unknown, parsed.Status)
}

func TestUnknownIssuerUnauthorized(t *testing.T) {
	f := newFixture(t)

	// An issuer this responder has never seen.
	foreign := newFixture(t)
	_, foreignLeaf := foreign.issueLeaf(t, "foreign.example.com")

	result := f.responder.Respond(t.Context(), statusRequest(t, foreignLeaf, foreign.caCert))
	assert.Equal(t, ocsp.OutcomeUnauthorized, result.Outcome)
	assert.Equal(t, stdocsp.UnauthorizedErrorResponse, result.Response)
}

func TestDisabledCAUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	rec, err := f.store.GetCA(ctx, "root")
	require.NoError(t, err)
	rec.OCSPEnabled = false
	require.NoError(t, f.store.UpdateCA(ctx, rec))

	_, leaf := f.issueLeaf(t, "leaf.example.com")
	result := f.responder.Respond(ctx, statusRequest(t, leaf, f.caCert))
	assert.Equal(t, ocsp.OutcomeUnauthorized, result.Outcome)
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t)
	result := f.responder.Respond(t.Context(), []byte("this is not DER"))
	assert.Equal(t, ocsp.OutcomeMalformed, result.Outcome)
	assert.Equal(t, stdocsp.MalformedRequestErrorResponse, result.Response)
}

func TestCacheHitOnRepeat(t *testing.T) {
	f := newFixture(t)
	rec, leaf := f.issueLeaf(t, "cached.example.com")
	reqDER := statusRequest(t, leaf, f.caCert)
	ctx := t.Context()

	first := f.responder.Respond(ctx, reqDER)
	require.Equal(t, ocsp.OutcomeSuccess, first.Outcome)
	assert.False(t, first.FromCache)

	second := f.responder.Respond(ctx, reqDER)
	require.Equal(t, ocsp.OutcomeSuccess, second.Outcome)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Response, second.Response)

	entry, err := f.store.GetOCSPResponse(ctx, "root", rec.SerialHex)
	require.NoError(t, err)
	assert.Equal(t, storage.OCSPStatusGood, entry.Status)
	assert.Equal(t, first.Response, entry.Response)
}

func TestNonceBypassesCache(t *testing.T) {
	f := newFixture(t)
	rec, leaf := f.issueLeaf(t, "nonce.example.com")
	ctx := t.Context()

	// Prime the cache with a plain request.
	primed := f.responder.Respond(ctx, statusRequest(t, leaf, f.caCert))
	require.Equal(t, ocsp.OutcomeSuccess, primed.Outcome)

	serial, ok := new(big.Int).SetString(rec.SerialHex, 16)
	require.True(t, ok)
	result := f.responder.Respond(ctx, rawRequest(t, f.caCert, serial, true))
	require.Equal(t, ocsp.OutcomeSuccess, result.Outcome)
	assert.False(t, result.FromCache, "nonce requests must never be served from cache")

	parsed, err := stdocsp.ParseResponse(result.Response, f.caCert)
	require.NoError(t, err)
	assert.Equal(t, stdocsp.Good, parsed.Status)

	// The nonce response was not written back to the cache.
	entry, err := f.store.GetOCSPResponse(ctx, "root", rec.SerialHex)
	require.NoError(t, err)
	assert.Equal(t, primed.Response, entry.Response)
}

func TestRevocationInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	rec, leaf := f.issueLeaf(t, "invalidated.example.com")
	reqDER := statusRequest(t, leaf, f.caCert)
	ctx := t.Context()

	first := f.responder.Respond(ctx, reqDER)
	require.Equal(t, ocsp.OutcomeSuccess, first.Outcome)
	parsed, err := stdocsp.ParseResponse(first.Response, f.caCert)
	require.NoError(t, err)
	require.Equal(t, stdocsp.Good, parsed.Status)

	_, err = f.eng.RevokeCertificate(ctx, rec.ID, 1)
	require.NoError(t, err)

	// The stale good answer is gone; the next query reflects revocation.
	second := f.responder.Respond(ctx, reqDER)
	require.Equal(t, ocsp.OutcomeSuccess, second.Outcome)
	assert.False(t, second.FromCache)
	parsed, err = stdocsp.ParseResponse(second.Response, f.caCert)
	require.NoError(t, err)
	assert.Equal(t, stdocsp.Revoked, parsed.Status)
}

func TestKeylessCAInternalError(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	_, leaf := f.issueLeaf(t, "leaf.example.com")

	rec, err := f.store.GetCA(ctx, "root")
	require.NoError(t, err)
	rec.KeyEnvelope = nil
	require.NoError(t, f.store.UpdateCA(ctx, rec))

	result := f.responder.Respond(ctx, statusRequest(t, leaf, f.caCert))
	assert.Equal(t, ocsp.OutcomeInternal, result.Outcome)
	assert.Equal(t, stdocsp.InternalErrorErrorResponse, result.Response)
}
