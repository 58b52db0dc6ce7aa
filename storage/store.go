// Package storage defines the persistence contract for the CA engine and the
// record types it stores. Three backends implement it: postgres for
// production, bbolt for single-node deployments, and memory for tests.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// ErrDuplicate is returned when a create collides with an existing record on
// a unique key (CA ref, serial within a CA, SCEP transaction ID).
var ErrDuplicate = errors.New("storage: record already exists")

// ErrConflict is returned when a conditional state transition loses to a
// concurrent writer, for example resolving a SCEP request that another
// operator already resolved.
var ErrConflict = errors.New("storage: conflicting state transition")

// Store is the persistence interface shared by all backends. Every method
// takes a context and honors its cancellation. Implementations must make
// NextSerial and NextCRLNumber atomic: two concurrent callers never observe
// the same value for the same CA.
type Store interface {
	// --- certificate authorities ---

	CreateCA(ctx context.Context, ca *CA) error
	GetCA(ctx context.Context, ref string) (*CA, error)
	GetCABySubjectKeyID(ctx context.Context, skiHex string) (*CA, error)
	ListCAs(ctx context.Context) ([]*CA, error)
	UpdateCA(ctx context.Context, ca *CA) error

	// NextSerial allocates and returns the next certificate serial for the
	// CA. Serials start at 2; serial 1 is reserved for the CA's own
	// certificate at creation time.
	NextSerial(ctx context.Context, caRef string) (int64, error)

	// NextCRLNumber allocates and returns the next CRL number for the CA,
	// starting at 1.
	NextCRLNumber(ctx context.Context, caRef string) (int64, error)

	// --- certificates ---

	CreateCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	GetCertificateBySerial(ctx context.Context, caRef, serialHex string) (*Certificate, error)
	ListCertificates(ctx context.Context, caRef string) ([]*Certificate, error)
	ListRevokedCertificates(ctx context.Context, caRef string) ([]*Certificate, error)
	UpdateCertificate(ctx context.Context, cert *Certificate) error

	// --- certificate revocation lists ---

	UpsertCRL(ctx context.Context, info *CRLInfo) error
	GetCRL(ctx context.Context, caRef string) (*CRLInfo, error)

	// --- SCEP enrollment requests ---

	CreateSCEPRequest(ctx context.Context, req *SCEPRequest) error
	GetSCEPRequest(ctx context.Context, transactionID string) (*SCEPRequest, error)
	ListSCEPRequests(ctx context.Context, caRef, status string) ([]*SCEPRequest, error)

	// ResolveSCEPRequest transitions the request identified by
	// req.TransactionID from fromStatus to req.Status, recording
	// req.ApprovedBy, req.CertificateID, and req.ResolvedAt. It returns
	// ErrConflict when the stored status no longer equals fromStatus, which
	// lets concurrent approvers race safely: exactly one wins.
	ResolveSCEPRequest(ctx context.Context, fromStatus string, req *SCEPRequest) error

	// --- OCSP response cache ---

	GetOCSPResponse(ctx context.Context, caRef, serialHex string) (*OCSPCacheEntry, error)
	PutOCSPResponse(ctx context.Context, entry *OCSPCacheEntry) error
	DeleteOCSPResponse(ctx context.Context, caRef, serialHex string) error

	// Close releases backend resources. The store is unusable afterwards.
	Close() error
}
