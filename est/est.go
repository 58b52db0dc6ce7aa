// Package est implements the RFC 7030 enrollment engine: cacerts,
// simpleenroll, simplereenroll, serverkeygen, and csrattrs. Bodies are raw
// DER here; base64 transfer encoding and authentication transport (TLS
// client certificates, basic credentials) belong to the HTTP layer, which
// calls CheckCredentials and VerifyClientCertificate to enforce them.
package est

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/smallstep/pkcs7"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/internal/util"
	"github.com/caforge/caforge/internal/x509util"
	"github.com/caforge/caforge/storage"
)

// DefaultValidityDays is the lifetime of certificates issued through EST
// when the configuration does not override it.
const DefaultValidityDays = 365

// Config holds the engine's enrollment policy, arriving out of band from
// the deployment configuration.
type Config struct {
	// CARef names the CA this enrollment service fronts.
	CARef string

	// ValidityDays for issued enrollment certificates. Defaults to
	// DefaultValidityDays.
	ValidityDays int

	// BasicUser and BasicPassword enable HTTP Basic enrollment when both
	// are set. Re-enrollment never accepts basic credentials alone.
	BasicUser     string
	BasicPassword string

	// CSRAttributeOIDs lists dotted OIDs advertised through csrattrs,
	// for example "2.5.4.3" to request a common name. May be empty.
	CSRAttributeOIDs []string
}

// Engine drives EST enrollment against one CA.
type Engine struct {
	store     storage.Store
	authority *ca.Engine
	caRef     string
	validity  int
	user      string
	password  string
	attrsDER  []byte
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine validates the configuration and returns a ready engine. The
// csrattrs payload is encoded once here so a bad OID is a startup error,
// not a per-request one.
func NewEngine(store storage.Store, authority *ca.Engine, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.CARef == "" {
		return nil, fmt.Errorf("%w: EST requires a CA ref", ca.ErrInvalidInput)
	}
	if (cfg.BasicUser == "") != (cfg.BasicPassword == "") {
		return nil, fmt.Errorf("%w: EST basic credentials require both user and password", ca.ErrInvalidInput)
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = DefaultValidityDays
	}
	attrsDER, err := encodeCSRAttrs(cfg.CSRAttributeOIDs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     store,
		authority: authority,
		caRef:     cfg.CARef,
		validity:  cfg.ValidityDays,
		user:      cfg.BasicUser,
		password:  cfg.BasicPassword,
		attrsDER:  attrsDER,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "est")
	return e, nil
}

// BasicAuthEnabled reports whether basic-credential enrollment is
// configured.
func (e *Engine) BasicAuthEnabled() bool {
	return e.user != ""
}

// CheckCredentials compares basic credentials against the configured pair
// in constant time, after NFKD normalization on both sides. It always
// fails when basic auth is not configured.
func (e *Engine) CheckCredentials(user, password string) bool {
	if e.user == "" {
		return false
	}
	userOK := util.ConstantTimeEquals([]byte(util.Normalize(user)), []byte(util.Normalize(e.user)))
	passOK := util.ConstantTimeEquals([]byte(util.Normalize(password)), []byte(util.Normalize(e.password)))
	return userOK && passOK
}

// CACerts returns the CA chain as a degenerate certs-only PKCS#7, per
// RFC 7030 §4.1.3. No authentication is required for this operation.
func (e *Engine) CACerts(ctx context.Context) ([]byte, error) {
	chain, err := e.authority.CAChain(ctx, e.caRef)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, cert := range chain {
		buf.Write(cert.Raw)
	}
	deg, err := pkcs7.DegenerateCertificate(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("assembling CA chain: %w", err)
	}
	return deg, nil
}

// CSRAttrs returns the DER-encoded csrattrs payload (RFC 7030 §4.5.2), an
// ASN.1 SEQUENCE of the configured attribute OIDs. An empty configuration
// yields an empty SEQUENCE, which clients treat as "no requirements".
func (e *Engine) CSRAttrs() []byte {
	return e.attrsDER
}

// Enroll handles simpleenroll: parse and verify the PKCS#10 request, issue
// through the CA engine, and wrap the new certificate as a certs-only
// PKCS#7. The HTTP layer has already authenticated the caller.
func (e *Engine) Enroll(ctx context.Context, csrDER []byte) ([]byte, *storage.Certificate, error) {
	csr, err := x509util.ParseCSRDER(csrDER)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ca.ErrInvalidInput, err)
	}
	return e.issue(ctx, csr, csrDER)
}

// Reenroll handles simplereenroll. The presented client certificate must
// chain to this engine's CA (proof of prior enrollment) and the CSR must
// keep the subject of the certificate being renewed; RFC 7030 §4.2.2
// forbids changing it on re-enrollment.
func (e *Engine) Reenroll(ctx context.Context, csrDER []byte, clientCert *x509.Certificate) ([]byte, *storage.Certificate, error) {
	if clientCert == nil {
		return nil, nil, fmt.Errorf("%w: re-enrollment requires a client certificate", ca.ErrPolicyViolation)
	}
	if err := e.VerifyClientCertificate(ctx, clientCert); err != nil {
		return nil, nil, err
	}
	csr, err := x509util.ParseCSRDER(csrDER)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ca.ErrInvalidInput, err)
	}
	if !bytes.Equal(csr.RawSubject, clientCert.RawSubject) {
		return nil, nil, fmt.Errorf("%w: re-enrollment must keep the certificate subject", ca.ErrPolicyViolation)
	}
	return e.issue(ctx, csr, csrDER)
}

// ServerKeyGen handles serverkeygen: a P-256 key pair is generated on the
// server, the certificate is issued for the client CSR's subject and SANs
// with the new public key, and both key and certificate are returned. The
// key DER is handed to the caller and never retained, logged, or cached;
// the audit trail records the issuance only.
func (e *Engine) ServerKeyGen(ctx context.Context, csrDER []byte) (keyDER, certsDER []byte, rec *storage.Certificate, err error) {
	csr, err := x509util.ParseCSRDER(csrDER)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ca.ErrInvalidInput, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	keyDER, err = x509util.MarshalPKCS8(key)
	if err != nil {
		return nil, nil, nil, err
	}

	issued, err := e.authority.IssueCertificate(ctx, e.caRef, ca.IssueRequest{
		Subject:        csr.Subject,
		DNSNames:       csr.DNSNames,
		IPAddresses:    csr.IPAddresses,
		EmailAddresses: csr.EmailAddresses,
		PublicKey:      key.Public(),
		ValidityDays:   e.validity,
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:    []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		Source:         storage.SourceEST,
	})
	if err != nil {
		util.WipeBytes(keyDER)
		return nil, nil, nil, err
	}

	certsDER, err = e.certsOnly(issued)
	if err != nil {
		util.WipeBytes(keyDER)
		return nil, nil, nil, err
	}
	e.logger.Info("server-side key generation enrollment",
		"ca", e.caRef,
		"serial", issued.SerialHex,
		"subject", issued.SubjectDN)
	return keyDER, certsDER, issued, nil
}

// VerifyClientCertificate checks that a presented certificate was issued
// under this engine's CA by resolving its chain and requiring the chain to
// pass through the CA's own certificate.
func (e *Engine) VerifyClientCertificate(ctx context.Context, cert *x509.Certificate) error {
	caCert, err := e.authority.CACertificate(ctx, e.caRef)
	if err != nil {
		return err
	}
	chain, err := e.authority.ResolveChain(ctx, cert)
	if err != nil {
		if errors.Is(err, ca.ErrChainNotFound) || errors.Is(err, ca.ErrChainTooDeep) {
			return fmt.Errorf("%w: presented certificate was not issued by this authority", ca.ErrPolicyViolation)
		}
		return err
	}
	for _, link := range chain[1:] {
		if bytes.Equal(link.Raw, caCert.Raw) {
			return nil
		}
	}
	return fmt.Errorf("%w: presented certificate does not chain to CA %q", ca.ErrPolicyViolation, e.caRef)
}

func (e *Engine) issue(ctx context.Context, csr *x509.CertificateRequest, csrDER []byte) ([]byte, *storage.Certificate, error) {
	issued, err := e.authority.IssueCertificate(ctx, e.caRef, ca.IssueRequest{
		CSRPEM:       x509util.EncodeCSRPEM(csrDER),
		ValidityDays: e.validity,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		Source:       storage.SourceEST,
	})
	if err != nil {
		return nil, nil, err
	}
	certsDER, err := e.certsOnly(issued)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Info("enrollment",
		"ca", e.caRef,
		"serial", issued.SerialHex,
		"subject", issued.SubjectDN)
	return certsDER, issued, nil
}

func (e *Engine) certsOnly(rec *storage.Certificate) ([]byte, error) {
	cert, err := x509util.ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}
	deg, err := pkcs7.DegenerateCertificate(cert.Raw)
	if err != nil {
		return nil, fmt.Errorf("assembling certificate payload: %w", err)
	}
	return deg, nil
}

// encodeCSRAttrs builds the csrattrs DER: SEQUENCE OF OBJECT IDENTIFIER.
func encodeCSRAttrs(dotted []string) ([]byte, error) {
	oids := make([]asn1.ObjectIdentifier, 0, len(dotted))
	for _, s := range dotted {
		oid, err := parseOID(s)
		if err != nil {
			return nil, fmt.Errorf("%w: csrattrs OID %q: %v", ca.ErrInvalidInput, s, err)
		}
		oids = append(oids, oid)
	}
	der, err := asn1.Marshal(oids)
	if err != nil {
		return nil, fmt.Errorf("encoding csrattrs: %w", err)
	}
	return der, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("too few components")
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("component %q is not a non-negative integer", p)
		}
		oid[i] = n
	}
	return oid, nil
}
