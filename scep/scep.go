package scep

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/smallstep/pkcs7"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/internal/util"
	"github.com/caforge/caforge/internal/x509util"
	"github.com/caforge/caforge/storage"
)

// DefaultValidityDays is the lifetime of certificates issued through
// enrollment when the configuration does not override it.
const DefaultValidityDays = 365

// DefaultCapabilities is the GetCACaps list advertised to clients.
var DefaultCapabilities = []string{
	"Renewal",
	"SHA-1",
	"SHA-256",
	"AES",
	"DES3",
	"SCEPStandard",
	"POSTPKIOperation",
}

// Config holds the engine's enrollment policy, arriving out of band from
// the deployment configuration.
type Config struct {
	// CARef names the CA this enrollment service fronts. The CA must hold
	// an RSA key: the pkcs7 envelope uses RSA key transport.
	CARef string

	// ChallengePassword gates auto-approval. Empty means no challenge is
	// required.
	ChallengePassword string

	// AutoApprove issues immediately when the CSR's challenge password
	// matches. Without it every enrollment waits for an operator decision.
	AutoApprove bool

	// ValidityDays for issued enrollment certificates. Defaults to
	// DefaultValidityDays.
	ValidityDays int

	// Capabilities overrides the advertised GetCACaps list.
	Capabilities []string
}

// Engine drives SCEP transactions against one CA. Transaction state lives
// in the store; concurrent approve/reject calls are resolved by an
// optimistic status check so exactly one wins.
type Engine struct {
	store       storage.Store
	authority   *ca.Engine
	caRef       string
	challenge   string
	autoApprove bool
	validity    int
	caps        []string
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine validates the configuration and returns a ready engine.
func NewEngine(store storage.Store, authority *ca.Engine, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.CARef == "" {
		return nil, fmt.Errorf("%w: SCEP requires a CA ref", ca.ErrInvalidInput)
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = DefaultValidityDays
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities
	}
	// Package-level knob in pkcs7; CBC because GCM envelopes are not
	// interoperable with common SCEP clients.
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC

	e := &Engine{
		store:       store,
		authority:   authority,
		caRef:       cfg.CARef,
		challenge:   cfg.ChallengePassword,
		autoApprove: cfg.AutoApprove,
		validity:    cfg.ValidityDays,
		caps:        cfg.Capabilities,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "scep")
	return e, nil
}

// Capabilities returns the GetCACaps payload, one capability per line.
// It is static and always available, even when the CA is unreachable:
// capability discovery must work before enrollment can.
func (e *Engine) Capabilities() []byte {
	return []byte(strings.Join(e.caps, "\n"))
}

// CACert returns the GetCACert payload: the raw certificate DER when the
// CA chain is a single certificate, a degenerate certs-only PKCS#7
// otherwise. The count tells the HTTP layer which content type applies.
func (e *Engine) CACert(ctx context.Context) ([]byte, int, error) {
	chain, err := e.authority.CAChain(ctx, e.caRef)
	if err != nil {
		return nil, 0, err
	}
	if len(chain) == 1 {
		return chain[0].Raw, 1, nil
	}
	var buf bytes.Buffer
	for _, cert := range chain {
		buf.Write(cert.Raw)
	}
	deg, err := pkcs7.DegenerateCertificate(buf.Bytes())
	if err != nil {
		return nil, 0, fmt.Errorf("assembling CA chain: %w", err)
	}
	return deg, len(chain), nil
}

// PKIOperation handles one pkiMessage and returns the CertRep DER.
// Protocol-level problems (bad envelope, unknown transaction, rejected
// enrollment) become FAILURE or PENDING CertReps; a Go error means the
// message was unusable or the CA itself failed.
func (e *Engine) PKIOperation(ctx context.Context, raw []byte) ([]byte, error) {
	msg, err := parsePKIMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ca.ErrInvalidInput, err)
	}

	caRec, err := e.authority.CA(ctx, e.caRef)
	if err != nil {
		return nil, fmt.Errorf("loading CA: %w", err)
	}
	caCert, err := x509util.ParseCertificatePEM(caRec.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	signer, err := e.authority.CASigner(ctx, caRec)
	if err != nil {
		return nil, err
	}

	switch msg.MessageType {
	case MsgPKCSReq, MsgRenewalReq:
		return e.handleEnroll(ctx, msg, caCert, signer)
	case MsgCertPoll:
		return e.handlePoll(ctx, msg, caCert, signer)
	case MsgGetCert:
		return e.handleGetCert(ctx, msg, caCert, signer)
	case MsgGetCRL:
		return e.handleGetCRL(ctx, msg, caCert, signer)
	default:
		e.logger.Warn("unsupported message type", "type", string(msg.MessageType), "txn", msg.TransactionID)
		return certRep(msg, StatusFailure, FailBadRequest, nil, caCert, signer)
	}
}

func (e *Engine) handleEnroll(ctx context.Context, msg *pkiMessage, caCert *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	payload, err := msg.decryptPayload(caCert, signer)
	if err != nil {
		e.logger.Warn("enrollment envelope rejected", "txn", msg.TransactionID, "error", err)
		return certRep(msg, StatusFailure, FailBadMessageCheck, nil, caCert, signer)
	}
	csr, err := x509util.ParseCSRDER(payload)
	if err != nil {
		e.logger.Warn("enrollment CSR rejected", "txn", msg.TransactionID, "error", err)
		return certRep(msg, StatusFailure, FailBadRequest, nil, caCert, signer)
	}

	// Resubmission of a known transaction reports its current state
	// instead of opening a duplicate.
	existing, err := e.store.GetSCEPRequest(ctx, msg.TransactionID)
	switch {
	case err == nil:
		return e.stateReply(ctx, msg, existing, caCert, signer)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("loading transaction: %w", err)
	}

	req := &storage.SCEPRequest{
		TransactionID: msg.TransactionID,
		CARef:         e.caRef,
		SubjectDN:     x509util.DNString(csr.Subject),
		CSRPEM:        x509util.EncodeCSRPEM(payload),
		Status:        storage.SCEPStatusPending,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store.CreateSCEPRequest(ctx, req); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost a race against an identical concurrent submission.
			if existing, gerr := e.store.GetSCEPRequest(ctx, msg.TransactionID); gerr == nil {
				return e.stateReply(ctx, msg, existing, caCert, signer)
			}
		}
		return nil, fmt.Errorf("recording transaction: %w", err)
	}
	e.logger.Info("enrollment received",
		"txn", msg.TransactionID,
		"subject", req.SubjectDN,
		"type", string(msg.MessageType))

	if e.autoApprove {
		pw, err := challengePassword(payload)
		if err != nil {
			e.logger.Warn("challenge password unreadable", "txn", msg.TransactionID, "error", err)
		} else if e.challengeMatches(pw) {
			cert, err := e.approve(ctx, req, "auto-approve")
			switch {
			case err == nil:
				return e.successReply(msg, cert, caCert, signer)
			case errors.Is(err, ca.ErrAlreadyResolved):
				// A concurrent caller resolved it first; report that state.
				if existing, gerr := e.store.GetSCEPRequest(ctx, msg.TransactionID); gerr == nil {
					return e.stateReply(ctx, msg, existing, caCert, signer)
				}
			default:
				e.logger.Error("auto-approve issuance failed", "txn", msg.TransactionID, "error", err)
				return certRep(msg, StatusFailure, FailBadRequest, nil, caCert, signer)
			}
		}
	}
	return certRep(msg, StatusPending, "", nil, caCert, signer)
}

func (e *Engine) handlePoll(ctx context.Context, msg *pkiMessage, caCert *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	// The poll body is an issuerAndSubject we do not need, but a broken
	// envelope still fails the message check.
	if _, err := msg.decryptPayload(caCert, signer); err != nil {
		return certRep(msg, StatusFailure, FailBadMessageCheck, nil, caCert, signer)
	}
	req, err := e.store.GetSCEPRequest(ctx, msg.TransactionID)
	if errors.Is(err, storage.ErrNotFound) {
		return certRep(msg, StatusFailure, FailBadCertID, nil, caCert, signer)
	}
	if err != nil {
		return nil, fmt.Errorf("loading transaction: %w", err)
	}
	return e.stateReply(ctx, msg, req, caCert, signer)
}

func (e *Engine) handleGetCert(ctx context.Context, msg *pkiMessage, caCert *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	payload, err := msg.decryptPayload(caCert, signer)
	if err != nil {
		return certRep(msg, StatusFailure, FailBadMessageCheck, nil, caCert, signer)
	}
	ias, err := parseIssuerAndSerial(payload)
	if err != nil {
		return certRep(msg, StatusFailure, FailBadRequest, nil, caCert, signer)
	}

	rec, err := e.store.GetCertificateBySerial(ctx, e.caRef, x509util.SerialText(ias.Serial))
	if errors.Is(err, storage.ErrNotFound) {
		return certRep(msg, StatusFailure, FailBadCertID, nil, caCert, signer)
	}
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	cert, err := x509util.ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing stored certificate: %w", err)
	}
	deg, err := pkcs7.DegenerateCertificate(cert.Raw)
	if err != nil {
		return nil, fmt.Errorf("assembling certificate payload: %w", err)
	}
	return certRep(msg, StatusSuccess, "", deg, caCert, signer)
}

func (e *Engine) handleGetCRL(ctx context.Context, msg *pkiMessage, caCert *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	if _, err := msg.decryptPayload(caCert, signer); err != nil {
		return certRep(msg, StatusFailure, FailBadMessageCheck, nil, caCert, signer)
	}
	info, err := e.authority.CurrentCRL(ctx, e.caRef)
	if err != nil {
		return nil, fmt.Errorf("loading CRL: %w", err)
	}
	payload, err := degenerateCRL(info.DER)
	if err != nil {
		return nil, err
	}
	return certRep(msg, StatusSuccess, "", payload, caCert, signer)
}

// stateReply renders a transaction's current state as a CertRep: pending
// polls again later, approved gets its certificate, rejected fails.
func (e *Engine) stateReply(ctx context.Context, msg *pkiMessage, req *storage.SCEPRequest, caCert *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	switch req.Status {
	case storage.SCEPStatusApproved:
		if req.CertificateID == "" {
			// Claimed but not yet linked; the client should poll again.
			return certRep(msg, StatusPending, "", nil, caCert, signer)
		}
		rec, err := e.store.GetCertificate(ctx, req.CertificateID)
		if err != nil {
			return nil, fmt.Errorf("loading issued certificate: %w", err)
		}
		return e.successReply(msg, rec, caCert, signer)
	case storage.SCEPStatusRejected:
		return certRep(msg, StatusFailure, FailBadRequest, nil, caCert, signer)
	default:
		return certRep(msg, StatusPending, "", nil, caCert, signer)
	}
}

func (e *Engine) successReply(msg *pkiMessage, rec *storage.Certificate, caCert *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	cert, err := x509util.ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}
	deg, err := pkcs7.DegenerateCertificate(cert.Raw)
	if err != nil {
		return nil, fmt.Errorf("assembling certificate payload: %w", err)
	}
	return certRep(msg, StatusSuccess, "", deg, caCert, signer)
}

func (e *Engine) challengeMatches(pw string) bool {
	if e.challenge == "" {
		return true
	}
	return util.ConstantTimeEquals(
		[]byte(util.Normalize(pw)),
		[]byte(util.Normalize(e.challenge)),
	)
}

// ---------------------------------------------------------------------------
// Management operations
// ---------------------------------------------------------------------------

// Approve resolves a pending transaction and issues its certificate. A
// transaction that is already approved or rejected fails with
// ErrAlreadyResolved and never issues a second certificate.
func (e *Engine) Approve(ctx context.Context, transactionID, approver string) (*storage.Certificate, error) {
	req, err := e.store.GetSCEPRequest(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if req.Status != storage.SCEPStatusPending {
		return nil, fmt.Errorf("%w: transaction %s is %s", ca.ErrAlreadyResolved, transactionID, req.Status)
	}
	return e.approve(ctx, req, approver)
}

// Reject resolves a pending transaction without issuing.
func (e *Engine) Reject(ctx context.Context, transactionID, approver string) error {
	req, err := e.store.GetSCEPRequest(ctx, transactionID)
	if err != nil {
		return err
	}
	if req.Status != storage.SCEPStatusPending {
		return fmt.Errorf("%w: transaction %s is %s", ca.ErrAlreadyResolved, transactionID, req.Status)
	}

	rejected := *req
	rejected.Status = storage.SCEPStatusRejected
	rejected.ApprovedBy = approver
	rejected.ResolvedAt = e.now().UTC()
	if err := e.store.ResolveSCEPRequest(ctx, storage.SCEPStatusPending, &rejected); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: transaction %s already resolved", ca.ErrAlreadyResolved, transactionID)
		}
		return err
	}
	e.logger.Info("enrollment rejected", "txn", transactionID, "by", approver)
	return nil
}

// Requests lists this CA's transactions, optionally filtered by status.
func (e *Engine) Requests(ctx context.Context, status string) ([]*storage.SCEPRequest, error) {
	return e.store.ListSCEPRequests(ctx, e.caRef, status)
}

// Request loads a single transaction.
func (e *Engine) Request(ctx context.Context, transactionID string) (*storage.SCEPRequest, error) {
	return e.store.GetSCEPRequest(ctx, transactionID)
}

// approve claims the transaction with an optimistic pending->approved
// transition, then issues. Exactly one of any concurrent callers wins the
// claim; the rest get ErrAlreadyResolved. If issuance fails after the
// claim, the claim is released so the transaction does not stick in
// approved with no certificate.
func (e *Engine) approve(ctx context.Context, req *storage.SCEPRequest, approver string) (*storage.Certificate, error) {
	claimed := *req
	claimed.Status = storage.SCEPStatusApproved
	claimed.ApprovedBy = approver
	claimed.ResolvedAt = e.now().UTC()
	if err := e.store.ResolveSCEPRequest(ctx, storage.SCEPStatusPending, &claimed); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: transaction %s already resolved", ca.ErrAlreadyResolved, req.TransactionID)
		}
		return nil, fmt.Errorf("claiming transaction: %w", err)
	}

	cert, err := e.authority.IssueCertificate(ctx, e.caRef, ca.IssueRequest{
		CSRPEM:       claimed.CSRPEM,
		ValidityDays: e.validity,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		Source:       storage.SourceSCEP,
	})
	if err != nil {
		released := *req
		released.Status = storage.SCEPStatusPending
		released.ApprovedBy = ""
		released.ResolvedAt = time.Time{}
		if rerr := e.store.ResolveSCEPRequest(ctx, storage.SCEPStatusApproved, &released); rerr != nil {
			e.logger.Error("releasing failed approval", "txn", req.TransactionID, "error", rerr)
		}
		return nil, err
	}

	claimed.CertificateID = cert.ID
	if err := e.store.ResolveSCEPRequest(ctx, storage.SCEPStatusApproved, &claimed); err != nil {
		e.logger.Error("linking issued certificate to transaction failed",
			"txn", req.TransactionID, "certificate", cert.ID, "error", err)
	}

	e.logger.Info("enrollment approved",
		"txn", req.TransactionID,
		"by", approver,
		"serial", cert.SerialHex)
	return cert, nil
}
