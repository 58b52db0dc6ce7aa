// Package ocsp answers RFC 6960 certificate status queries for the CAs in
// the store. Responses are signed by the issuing CA itself and cached per
// (issuer, serial) until their nextUpdate. Requests carrying a nonce
// extension always get a freshly generated response; cached responses are
// never served for them.
package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	stdocsp "golang.org/x/crypto/ocsp"

	"github.com/caforge/caforge/internal/x509util"
	"github.com/caforge/caforge/storage"
)

// DefaultValidity is the nextUpdate window for generated responses when no
// override is configured.
const DefaultValidity = 24 * time.Hour

// idPKIXOCSPNonce is the RFC 8954 nonce extension OID.
var idPKIXOCSPNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

// SignerFunc returns a signer for the CA record, routing to whichever
// backend holds its key.
type SignerFunc func(ctx context.Context, rec *storage.CA) (crypto.Signer, error)

// Outcome classifies how a request was answered, so the HTTP layer can map
// status codes without re-parsing the response body.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeMalformed
	OutcomeUnauthorized
	OutcomeInternal
)

// Result is the answer to one OCSP request. Response is always a complete
// DER-encoded OCSPResponse: failure outcomes carry the pre-encoded RFC 6960
// error responses, which contain a status code and nothing else, so no
// internal error text can leak into the wire format.
type Result struct {
	Outcome   Outcome
	Response  []byte
	FromCache bool
}

// Responder implements the per-request flow: parse, locate the issuing CA
// by name or key hash, look up the certificate status, then serve from
// cache or generate and sign.
type Responder struct {
	store    storage.Store
	signer   SignerFunc
	logger   *slog.Logger
	validity time.Duration
	now      func() time.Time
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// WithValidity sets the nextUpdate window for generated responses.
func WithValidity(d time.Duration) Option {
	return func(r *Responder) {
		if d > 0 {
			r.validity = d
		}
	}
}

// NewResponder creates a responder over the store. The signer func is
// typically the CA engine's CASigner.
func NewResponder(store storage.Store, signer SignerFunc, opts ...Option) *Responder {
	r := &Responder{
		store:    store,
		signer:   signer,
		logger:   slog.Default(),
		validity: DefaultValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "ocsp")
	return r
}

// Respond answers a single DER-encoded OCSP request. It never returns an
// error: every failure maps to an RFC 6960 error response with its outcome,
// and internal details go to the log only.
func (r *Responder) Respond(ctx context.Context, reqDER []byte) Result {
	req, err := stdocsp.ParseRequest(reqDER)
	if err != nil || req.SerialNumber == nil {
		return Result{Outcome: OutcomeMalformed, Response: stdocsp.MalformedRequestErrorResponse}
	}
	if !req.HashAlgorithm.Available() {
		return Result{Outcome: OutcomeMalformed, Response: stdocsp.MalformedRequestErrorResponse}
	}

	issuer, issuerCert, err := r.findIssuer(ctx, req)
	if err != nil {
		r.logger.Error("issuer lookup failed", "error", err)
		return Result{Outcome: OutcomeInternal, Response: stdocsp.InternalErrorErrorResponse}
	}
	if issuer == nil || !issuer.OCSPEnabled {
		return Result{Outcome: OutcomeUnauthorized, Response: stdocsp.UnauthorizedErrorResponse}
	}

	serialHex := x509util.SerialText(req.SerialNumber)
	nonced := hasNonce(reqDER)

	if !nonced {
		cached, err := r.store.GetOCSPResponse(ctx, issuer.Ref, serialHex)
		switch {
		case err == nil && r.now().Before(cached.NextUpdate):
			return Result{Outcome: OutcomeSuccess, Response: cached.Response, FromCache: true}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			r.logger.Warn("response cache read failed", "ca", issuer.Ref, "serial", serialHex, "error", err)
		}
	}

	respDER, entry, err := r.generate(ctx, issuer, issuerCert, req, serialHex)
	if err != nil {
		r.logger.Error("response generation failed",
			"ca", issuer.Ref,
			"serial", serialHex,
			"error", err)
		return Result{Outcome: OutcomeInternal, Response: stdocsp.InternalErrorErrorResponse}
	}

	if !nonced {
		if err := r.store.PutOCSPResponse(ctx, entry); err != nil {
			r.logger.Warn("response cache write failed", "ca", issuer.Ref, "serial", serialHex, "error", err)
		}
	}

	r.logger.Info("status response",
		"ca", issuer.Ref,
		"serial", serialHex,
		"status", entry.Status,
		"nonce", nonced)
	return Result{Outcome: OutcomeSuccess, Response: respDER}
}

// findIssuer matches the request's issuer hashes against the stored CAs. A
// nil CA with nil error means no CA has authority for this request.
func (r *Responder) findIssuer(ctx context.Context, req *stdocsp.Request) (*storage.CA, *x509.Certificate, error) {
	cas, err := r.store.ListCAs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing CAs: %w", err)
	}
	for _, rec := range cas {
		cert, err := x509util.ParseCertificatePEM(rec.CertificatePEM)
		if err != nil {
			r.logger.Warn("skipping CA with unparsable certificate", "ca", rec.Ref, "error", err)
			continue
		}
		keyHash, nameHash, err := issuerHashes(cert, req.HashAlgorithm)
		if err != nil {
			r.logger.Warn("skipping CA with unhashable key", "ca", rec.Ref, "error", err)
			continue
		}
		if bytes.Equal(keyHash, req.IssuerKeyHash) || bytes.Equal(nameHash, req.IssuerNameHash) {
			return rec, cert, nil
		}
	}
	return nil, nil, nil
}

// issuerHashes computes the RFC 6960 CertID hashes for a CA certificate:
// the key hash over the subjectPublicKey BIT STRING content and the name
// hash over the DER-encoded subject name.
func issuerHashes(cert *x509.Certificate, algo crypto.Hash) (keyHash, nameHash []byte, err error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, nil, fmt.Errorf("parsing subject public key info: %w", err)
	}
	h := algo.New()
	h.Write(spki.PublicKey.RightAlign())
	keyHash = h.Sum(nil)
	h.Reset()
	h.Write(cert.RawSubject)
	nameHash = h.Sum(nil)
	return keyHash, nameHash, nil
}

// generate looks up the certificate's status and produces a signed
// response. The returned cache entry holds the same DER.
func (r *Responder) generate(ctx context.Context, issuer *storage.CA, issuerCert *x509.Certificate, req *stdocsp.Request, serialHex string) ([]byte, *storage.OCSPCacheEntry, error) {
	now := r.now().UTC()
	template := stdocsp.Response{
		Status:       stdocsp.Unknown,
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(r.validity),
		IssuerHash:   req.HashAlgorithm,
	}
	status := storage.OCSPStatusUnknown

	rec, err := r.store.GetCertificateBySerial(ctx, issuer.Ref, serialHex)
	switch {
	case err == nil:
		if rec.Status == storage.CertStatusRevoked {
			template.Status = stdocsp.Revoked
			template.RevokedAt = rec.RevokedAt.UTC()
			template.RevocationReason = rec.RevokeReason
			status = storage.OCSPStatusRevoked
		} else {
			// Active and superseded certificates are both "good":
			// renewal does not invalidate the prior certificate.
			template.Status = stdocsp.Good
			status = storage.OCSPStatusGood
		}
	case errors.Is(err, storage.ErrNotFound):
		// Serial never issued by this CA: unknown.
	default:
		return nil, nil, fmt.Errorf("certificate lookup: %w", err)
	}

	signer, err := r.signer(ctx, issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("obtaining CA signer: %w", err)
	}
	der, err := stdocsp.CreateResponse(issuerCert, issuerCert, template, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("signing response: %w", err)
	}

	entry := &storage.OCSPCacheEntry{
		CARef:      issuer.Ref,
		SerialHex:  serialHex,
		Status:     status,
		Response:   der,
		ThisUpdate: template.ThisUpdate,
		NextUpdate: template.NextUpdate,
	}
	return der, entry, nil
}

// hasNonce reports whether the raw request carries the RFC 8954 nonce
// extension. The x/crypto parser drops requestExtensions, so the DER is
// walked directly; malformed trailing structure reads as no nonce.
func hasNonce(reqDER []byte) bool {
	input := cryptobyte.String(reqDER)
	var outer cryptobyte.String
	if !input.ReadASN1(&outer, cbasn1.SEQUENCE) {
		return false
	}
	var tbs cryptobyte.String
	if !outer.ReadASN1(&tbs, cbasn1.SEQUENCE) {
		return false
	}
	// version [0] and requestorName [1] are optional; requestList is the
	// SEQUENCE after them, then requestExtensions [2].
	if !tbs.SkipOptionalASN1(cbasn1.Tag(0).Constructed().ContextSpecific()) ||
		!tbs.SkipOptionalASN1(cbasn1.Tag(1).Constructed().ContextSpecific()) ||
		!tbs.SkipASN1(cbasn1.SEQUENCE) {
		return false
	}
	var wrapper cryptobyte.String
	var present bool
	if !tbs.ReadOptionalASN1(&wrapper, &present, cbasn1.Tag(2).Constructed().ContextSpecific()) || !present {
		return false
	}
	var exts cryptobyte.String
	if !wrapper.ReadASN1(&exts, cbasn1.SEQUENCE) {
		return false
	}
	for !exts.Empty() {
		var ext cryptobyte.String
		if !exts.ReadASN1(&ext, cbasn1.SEQUENCE) {
			return false
		}
		var oid asn1.ObjectIdentifier
		if !ext.ReadASN1ObjectIdentifier(&oid) {
			return false
		}
		if oid.Equal(idPKIXOCSPNonce) {
			return true
		}
	}
	return false
}
