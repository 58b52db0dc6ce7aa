// Package ca implements the certificate authority core: CA creation,
// certificate issuance, revocation and renewal, chain resolution, and CRL
// generation. Signing is delegated to a SigningBackend so the same engine
// drives software keys and PKCS#11 devices.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caforge/caforge/internal/util"
	"github.com/caforge/caforge/internal/x509util"
	"github.com/caforge/caforge/storage"
)

// PolicyFunc validates the subject and SANs of a certificate about to be
// issued. Returning a non-nil error rejects the request as a policy
// violation. The default policy accepts everything; deployments plug in
// their own rules.
type PolicyFunc func(subject pkix.Name, dnsNames []string, ips []net.IP, emails []string) error

// Engine is the certificate authority core. All state lives in the store;
// the engine itself holds no record caches, so any number of instances can
// run against the same database.
type Engine struct {
	store  storage.Store
	local  SigningBackend
	remote SigningBackend
	policy PolicyFunc
	logger *slog.Logger
	crls   *CRLGenerator
	chains *ChainResolver
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemoteBackend attaches an HSM backend for CAs whose key lives in a
// PKCS#11 device.
func WithRemoteBackend(b SigningBackend) Option {
	return func(e *Engine) { e.remote = b }
}

// WithPolicy installs a subject/SAN policy check applied on every issuance.
func WithPolicy(p PolicyFunc) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCRLIdentity sets the generator identity recorded on CRL metadata,
// typically the instance name. Defaults to "caforge".
func WithCRLIdentity(identity string) Option {
	return func(e *Engine) { e.crls.identity = identity }
}

// WithCRLValidity sets the nextUpdate window applied when a caller does not
// name one. Defaults to DefaultCRLValidityDays.
func WithCRLValidity(days int) Option {
	return func(e *Engine) { e.crls.defaultDays = days }
}

// NewEngine creates an engine over the given store and local key backend.
func NewEngine(store storage.Store, local SigningBackend, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		local:  local,
		logger: slog.Default(),
		now:    time.Now,
	}
	e.crls = &CRLGenerator{
		store:    store,
		signer:   e.CASigner,
		identity: "caforge",
		now:      func() time.Time { return e.now() },
		locks:    make(map[string]*sync.Mutex),
	}
	e.chains = NewChainResolver(store)
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "ca")
	e.crls.logger = e.logger
	return e
}

// CASigner returns a signer for the CA's private key, routing to the local
// or remote backend based on the record. It fails with ErrNoSigningKey
// before touching any backend when the CA carries no key material.
func (e *Engine) CASigner(ctx context.Context, rec *storage.CA) (crypto.Signer, error) {
	switch {
	case rec.RemoteKeyID != "":
		if e.remote == nil {
			return nil, fmt.Errorf("%w: CA %q uses an HSM key but no HSM backend is configured", ErrBackendUnavailable, rec.Ref)
		}
		return e.remote.Signer(ctx, rec)
	case len(rec.KeyEnvelope) > 0:
		return e.local.Signer(ctx, rec)
	default:
		return nil, ErrNoSigningKey
	}
}

// CA loads a CA record by ref.
func (e *Engine) CA(ctx context.Context, ref string) (*storage.CA, error) {
	return e.store.GetCA(ctx, ref)
}

// CACertificate loads and parses a CA's own certificate.
func (e *Engine) CACertificate(ctx context.Context, ref string) (*x509.Certificate, error) {
	rec, err := e.store.GetCA(ctx, ref)
	if err != nil {
		return nil, err
	}
	return x509util.ParseCertificatePEM(rec.CertificatePEM)
}

// ---------------------------------------------------------------------------
// CA creation
// ---------------------------------------------------------------------------

// CA key algorithms. ECDSA P-256 is the default. RSA is required for CAs
// serving SCEP, whose pkcs7 envelope uses RSA key transport.
const (
	KeyTypeECDSA = "ecdsa"
	KeyTypeRSA   = "rsa"
)

// CreateCARequest holds the parameters for creating a root or intermediate
// CA. An empty ParentRef creates a self-signed root. When RemoteKeyID is
// set the CA signs with that HSM key and no local key is generated.
type CreateCARequest struct {
	Ref           string
	Name          string
	Subject       pkix.Name
	ParentRef     string
	KeyType       string
	ValidityYears int
	CDPEnabled    bool
	// CDPURL is the absolute URL where this CA's CRL is published. It is
	// embedded as the CRL distribution point in issued certificates when
	// CDPEnabled is set.
	CDPURL      string
	OCSPEnabled bool
	RemoteKeyID string
}

// CreateCA creates a CA, generating a P-256 key (unless an HSM key is
// referenced), signing the certificate with itself or the parent, and
// persisting the record. Intermediates also get a certificate row under the
// parent so parent CRLs can carry their revocation. When CDPEnabled, an
// initial empty CRL is generated so distribution works immediately.
func (e *Engine) CreateCA(ctx context.Context, req CreateCARequest) (*storage.CA, error) {
	if req.Ref == "" {
		return nil, fmt.Errorf("%w: CA ref is required", ErrInvalidInput)
	}
	if req.Subject.CommonName == "" {
		return nil, fmt.Errorf("%w: subject common name is required", ErrInvalidInput)
	}
	if req.ValidityYears <= 0 {
		req.ValidityYears = 10
	}

	rec := &storage.CA{
		Ref:         req.Ref,
		Name:        req.Name,
		ParentRef:   req.ParentRef,
		CDPEnabled:  req.CDPEnabled,
		CDPURL:      req.CDPURL,
		OCSPEnabled: req.OCSPEnabled,
		RemoteKeyID: req.RemoteKeyID,
		CreatedAt:   e.now().UTC(),
	}

	// Key material: HSM reference as-is, or a freshly generated local key
	// sealed under the master key.
	var signer crypto.Signer
	if req.RemoteKeyID != "" {
		var err error
		signer, err = e.CASigner(ctx, rec)
		if err != nil {
			return nil, err
		}
	} else {
		lb, ok := e.local.(*LocalKeyBackend)
		if !ok {
			return nil, fmt.Errorf("%w: local backend cannot generate keys", ErrBackendUnavailable)
		}
		var key crypto.Signer
		var err error
		switch req.KeyType {
		case "", KeyTypeECDSA:
			key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		case KeyTypeRSA:
			key, err = rsa.GenerateKey(rand.Reader, 2048)
		default:
			return nil, fmt.Errorf("%w: unknown key type %q", ErrInvalidInput, req.KeyType)
		}
		if err != nil {
			return nil, fmt.Errorf("generating CA key: %w", err)
		}
		envelope, err := lb.Seal(key, req.Ref)
		if err != nil {
			return nil, err
		}
		rec.KeyEnvelope = envelope
		signer = key
	}

	ski, err := x509util.SubjectKeyID(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("deriving subject key identifier: %w", err)
	}
	rec.SubjectKeyID = util.HexEncode(ski)

	now := e.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               req.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(req.ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
		MaxPathLenZero:        req.ParentRef != "",
	}

	var der []byte
	if req.ParentRef == "" {
		der, err = x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
		if err != nil {
			return nil, fmt.Errorf("self-signing root certificate: %w", err)
		}
		rec.IssuerDN = x509util.DNString(req.Subject)
	} else {
		parent, err := e.store.GetCA(ctx, req.ParentRef)
		if err != nil {
			return nil, fmt.Errorf("loading parent CA: %w", err)
		}
		if parent.Revoked {
			return nil, fmt.Errorf("%w: parent CA %q is revoked", ErrPolicyViolation, parent.Ref)
		}
		if !parent.HasSigningKey() {
			return nil, ErrNoSigningKey
		}
		parentCert, err := x509util.ParseCertificatePEM(parent.CertificatePEM)
		if err != nil {
			return nil, fmt.Errorf("parsing parent certificate: %w", err)
		}
		parentSigner, err := e.CASigner(ctx, parent)
		if err != nil {
			return nil, err
		}
		serial, err := e.store.NextSerial(ctx, parent.Ref)
		if err != nil {
			return nil, fmt.Errorf("allocating serial: %w", err)
		}
		template.SerialNumber = big.NewInt(serial)
		der, err = x509.CreateCertificate(rand.Reader, template, parentCert, signer.Public(), parentSigner)
		if err != nil {
			return nil, fmt.Errorf("signing intermediate certificate: %w", err)
		}
		rec.IssuerDN = x509util.DNString(parentCert.Subject)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing created certificate: %w", err)
	}
	rec.SubjectDN = x509util.DNString(cert.Subject)
	rec.CertificatePEM = x509util.EncodeCertPEM(der)

	if err := e.store.CreateCA(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing CA: %w", err)
	}

	// Intermediates are tracked as certificates of their parent so that
	// revoking one puts it on the parent's CRL.
	if req.ParentRef != "" {
		certRec := &storage.Certificate{
			ID:             uuid.NewString(),
			CARef:          req.ParentRef,
			SerialHex:      x509util.SerialText(cert.SerialNumber),
			SubjectDN:      rec.SubjectDN,
			IssuerDN:       rec.IssuerDN,
			AuthorityKeyID: util.HexEncode(cert.AuthorityKeyId),
			NotBefore:      cert.NotBefore,
			NotAfter:       cert.NotAfter,
			Status:         storage.CertStatusActive,
			Source:         storage.SourceCA,
			CertificatePEM: rec.CertificatePEM,
			CreatedAt:      now,
		}
		if err := e.store.CreateCertificate(ctx, certRec); err != nil {
			return nil, fmt.Errorf("recording intermediate certificate: %w", err)
		}
	}

	if req.CDPEnabled {
		if _, err := e.GenerateCRL(ctx, rec.Ref, 0); err != nil {
			return nil, fmt.Errorf("generating initial CRL: %w", err)
		}
	}

	e.logger.Info("CA created",
		"ca", rec.Ref,
		"subject", rec.SubjectDN,
		"parent", req.ParentRef,
		"hsm", req.RemoteKeyID != "")
	return rec, nil
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// IssueRequest describes a certificate to issue. Either CSRPEM carries a
// PKCS#10 request (subject, SANs, and public key are taken from it), or
// Subject plus PublicKey are given directly.
type IssueRequest struct {
	CSRPEM string

	Subject        pkix.Name
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string
	PublicKey      crypto.PublicKey

	ValidityDays int
	KeyUsage     x509.KeyUsage
	ExtKeyUsage  []x509.ExtKeyUsage
	// Source tags the enrollment channel; defaults to "manual".
	Source string
}

// IssueCertificate validates the request, allocates the next serial for the
// CA, assembles the certificate, signs it through the CA's backend, and
// persists the result. The stored record keeps the original CSR so the
// certificate can later be renewed.
func (e *Engine) IssueCertificate(ctx context.Context, caRef string, req IssueRequest) (*storage.Certificate, error) {
	caRec, err := e.store.GetCA(ctx, caRef)
	if err != nil {
		return nil, fmt.Errorf("loading CA: %w", err)
	}
	if caRec.Revoked {
		return nil, fmt.Errorf("%w: CA %q is revoked", ErrPolicyViolation, caRef)
	}
	if !caRec.HasSigningKey() {
		return nil, ErrNoSigningKey
	}
	if req.ValidityDays <= 0 {
		return nil, fmt.Errorf("%w: validity days must be positive", ErrInvalidInput)
	}

	subject := req.Subject
	dnsNames := req.DNSNames
	ips := req.IPAddresses
	emails := req.EmailAddresses
	pub := req.PublicKey

	if req.CSRPEM != "" {
		csr, err := x509util.ParseCSRPEM(req.CSRPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		subject = csr.Subject
		dnsNames = csr.DNSNames
		ips = csr.IPAddresses
		emails = csr.EmailAddresses
		pub = csr.PublicKey
	} else if pub == nil {
		return nil, fmt.Errorf("%w: either a CSR or a public key is required", ErrInvalidInput)
	}

	if e.policy != nil {
		if err := e.policy(subject, dnsNames, ips, emails); err != nil {
			if errors.Is(err, ErrPolicyViolation) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
	}

	caCert, err := x509util.ParseCertificatePEM(caRec.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	signer, err := e.CASigner(ctx, caRec)
	if err != nil {
		return nil, err
	}

	serial, err := e.store.NextSerial(ctx, caRef)
	if err != nil {
		return nil, fmt.Errorf("allocating serial: %w", err)
	}

	ski, err := x509util.SubjectKeyID(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: unsupported public key: %v", ErrInvalidInput, err)
	}

	now := e.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, req.ValidityDays),
		KeyUsage:              req.KeyUsage,
		ExtKeyUsage:           req.ExtKeyUsage,
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
		EmailAddresses:        emails,
		SubjectKeyId:          ski,
	}
	if template.KeyUsage == 0 {
		template.KeyUsage = x509.KeyUsageDigitalSignature
	}
	if caRec.CDPEnabled && caRec.CDPURL != "" {
		template.CRLDistributionPoints = []string{caRec.CDPURL}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, pub, signer)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrSigningRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}

	source := req.Source
	if source == "" {
		source = storage.SourceManual
	}
	rec := &storage.Certificate{
		ID:             uuid.NewString(),
		CARef:          caRef,
		SerialHex:      x509util.SerialText(cert.SerialNumber),
		SubjectDN:      x509util.DNString(cert.Subject),
		IssuerDN:       x509util.DNString(cert.Issuer),
		AuthorityKeyID: caRec.SubjectKeyID,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		Status:         storage.CertStatusActive,
		Source:         source,
		CSRPEM:         req.CSRPEM,
		CertificatePEM: x509util.EncodeCertPEM(der),
		CreatedAt:      now,
	}
	if err := e.store.CreateCertificate(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}

	e.logger.Info("certificate issued",
		"ca", caRef,
		"serial", rec.SerialHex,
		"subject", rec.SubjectDN,
		"source", source)
	return rec, nil
}

// ---------------------------------------------------------------------------
// Revocation
// ---------------------------------------------------------------------------

// RevokeCertificate marks a certificate revoked with the given RFC 5280
// reason code. Revoking an already-revoked certificate is a no-op that
// returns the unchanged record, so the stored state (including RevokedAt)
// is identical no matter how many times it is called. When the issuing CA
// has CRL distribution enabled, a fresh CRL is generated; a CRL failure is
// logged but does not undo the revocation.
func (e *Engine) RevokeCertificate(ctx context.Context, certID string, reason int) (*storage.Certificate, error) {
	rec, err := e.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	if rec.Status == storage.CertStatusRevoked {
		return rec, nil
	}

	rec.Status = storage.CertStatusRevoked
	rec.RevokedAt = e.now().UTC()
	rec.RevokeReason = reason
	if err := e.store.UpdateCertificate(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing revocation: %w", err)
	}

	// Revoking an intermediate's certificate soft-revokes the child CA so
	// it stops signing, while its record persists for chain building.
	if rec.Source == storage.SourceCA {
		if err := e.revokeChildCA(ctx, rec); err != nil {
			e.logger.Warn("revoking child CA record failed", "certificate", certID, "error", err)
		}
	}

	// A cached good OCSP response must not outlive the revocation.
	if err := e.store.DeleteOCSPResponse(ctx, rec.CARef, rec.SerialHex); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("invalidating cached status response failed",
			"ca", rec.CARef, "serial", rec.SerialHex, "error", err)
	}

	e.logger.Info("certificate revoked",
		"ca", rec.CARef,
		"serial", rec.SerialHex,
		"reason", reason)

	caRec, err := e.store.GetCA(ctx, rec.CARef)
	if err != nil {
		e.logger.Warn("loading issuing CA for CRL trigger failed", "ca", rec.CARef, "error", err)
		return rec, nil
	}
	if caRec.CDPEnabled {
		if _, err := e.GenerateCRL(ctx, rec.CARef, 0); err != nil {
			e.logger.Warn("CRL regeneration after revocation failed", "ca", rec.CARef, "error", err)
		}
	}
	return rec, nil
}

func (e *Engine) revokeChildCA(ctx context.Context, rec *storage.Certificate) error {
	cert, err := x509util.ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return err
	}
	child, err := e.store.GetCABySubjectKeyID(ctx, util.HexEncode(cert.SubjectKeyId))
	if err != nil {
		return err
	}
	if child.Revoked {
		return nil
	}
	child.Revoked = true
	child.RevokedAt = rec.RevokedAt
	return e.store.UpdateCA(ctx, child)
}

// ---------------------------------------------------------------------------
// Renewal
// ---------------------------------------------------------------------------

// RenewCertificate issues a replacement certificate from the stored CSR,
// keeping the same subject, SANs, and public key, then marks the old
// certificate superseded and links the new record back to it. Certificates
// without a stored CSR cannot be renewed; revoked or already-superseded
// certificates are refused.
func (e *Engine) RenewCertificate(ctx context.Context, certID string, validityDays int) (*storage.Certificate, error) {
	old, err := e.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	switch old.Status {
	case storage.CertStatusRevoked:
		return nil, fmt.Errorf("%w: certificate %s is revoked", ErrPolicyViolation, old.SerialHex)
	case storage.CertStatusSuperseded:
		return nil, fmt.Errorf("%w: certificate %s was already renewed", ErrPolicyViolation, old.SerialHex)
	}
	if old.CSRPEM == "" {
		return nil, fmt.Errorf("%w: certificate has no stored CSR to renew from", ErrInvalidInput)
	}

	oldCert, err := x509util.ParseCertificatePEM(old.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}

	renewed, err := e.IssueCertificate(ctx, old.CARef, IssueRequest{
		CSRPEM:       old.CSRPEM,
		ValidityDays: validityDays,
		KeyUsage:     oldCert.KeyUsage,
		ExtKeyUsage:  oldCert.ExtKeyUsage,
		Source:       old.Source,
	})
	if err != nil {
		return nil, err
	}

	renewed.PreviousID = old.ID
	if err := e.store.UpdateCertificate(ctx, renewed); err != nil {
		return nil, fmt.Errorf("linking renewed certificate: %w", err)
	}

	old.Status = storage.CertStatusSuperseded
	if err := e.store.UpdateCertificate(ctx, old); err != nil {
		return nil, fmt.Errorf("superseding old certificate: %w", err)
	}

	e.logger.Info("certificate renewed",
		"ca", old.CARef,
		"old_serial", old.SerialHex,
		"new_serial", renewed.SerialHex)
	return renewed, nil
}

// ---------------------------------------------------------------------------
// CRLs and chains
// ---------------------------------------------------------------------------

// GenerateCRL produces and persists a fresh CRL for the CA. A non-positive
// validityDays selects the default window.
func (e *Engine) GenerateCRL(ctx context.Context, caRef string, validityDays int) (*storage.CRLInfo, error) {
	return e.crls.Generate(ctx, caRef, validityDays)
}

// CurrentCRL returns the CA's latest stored CRL, generating one first if
// none exists yet and the CA can sign.
func (e *Engine) CurrentCRL(ctx context.Context, caRef string) (*storage.CRLInfo, error) {
	info, err := e.store.GetCRL(ctx, caRef)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return e.crls.Generate(ctx, caRef, 0)
}

// ResolveChain builds the chain from leaf to root for a certificate.
func (e *Engine) ResolveChain(ctx context.Context, leaf *x509.Certificate) ([]*x509.Certificate, error) {
	return e.chains.Resolve(ctx, leaf)
}

// CAChain returns the CA's certificate chain, starting at the CA itself and
// ending at its root.
func (e *Engine) CAChain(ctx context.Context, ref string) ([]*x509.Certificate, error) {
	cert, err := e.CACertificate(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.chains.Resolve(ctx, cert)
}
