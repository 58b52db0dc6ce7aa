// Package memory provides an in-memory Store used by tests and throwaway
// instances. All data is lost on Close.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/caforge/caforge/storage"
)

// Store is a mutex-guarded in-memory implementation of storage.Store.
// Records are copied on the way in and out so callers never share memory
// with the store.
type Store struct {
	mu sync.RWMutex

	cas        map[string]*storage.CA
	serials    map[string]int64
	crlNumbers map[string]int64

	certs        map[string]*storage.Certificate
	certBySerial map[string]string

	crls map[string]*storage.CRLInfo
	scep map[string]*storage.SCEPRequest
	ocsp map[string]*storage.OCSPCacheEntry
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		cas:          make(map[string]*storage.CA),
		serials:      make(map[string]int64),
		crlNumbers:   make(map[string]int64),
		certs:        make(map[string]*storage.Certificate),
		certBySerial: make(map[string]string),
		crls:         make(map[string]*storage.CRLInfo),
		scep:         make(map[string]*storage.SCEPRequest),
		ocsp:         make(map[string]*storage.OCSPCacheEntry),
	}
}

func serialKey(caRef, serialHex string) string {
	return caRef + "/" + serialHex
}

// --- certificate authorities ---

func (s *Store) CreateCA(_ context.Context, ca *storage.CA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[ca.Ref]; ok {
		return storage.ErrDuplicate
	}
	s.cas[ca.Ref] = cloneCA(ca)
	s.serials[ca.Ref] = 2
	s.crlNumbers[ca.Ref] = 1
	return nil
}

func (s *Store) GetCA(_ context.Context, ref string) (*storage.CA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ca, ok := s.cas[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCA(ca), nil
}

func (s *Store) GetCABySubjectKeyID(_ context.Context, skiHex string) (*storage.CA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ca := range s.cas {
		if ca.SubjectKeyID == skiHex {
			return cloneCA(ca), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListCAs(_ context.Context) ([]*storage.CA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.CA, 0, len(s.cas))
	for _, ca := range s.cas {
		out = append(out, cloneCA(ca))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *Store) UpdateCA(_ context.Context, ca *storage.CA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[ca.Ref]; !ok {
		return storage.ErrNotFound
	}
	s.cas[ca.Ref] = cloneCA(ca)
	return nil
}

func (s *Store) NextSerial(_ context.Context, caRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[caRef]; !ok {
		return 0, storage.ErrNotFound
	}
	n := s.serials[caRef]
	s.serials[caRef] = n + 1
	return n, nil
}

func (s *Store) NextCRLNumber(_ context.Context, caRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[caRef]; !ok {
		return 0, storage.ErrNotFound
	}
	n := s.crlNumbers[caRef]
	s.crlNumbers[caRef] = n + 1
	return n, nil
}

// --- certificates ---

func (s *Store) CreateCertificate(_ context.Context, cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[cert.ID]; ok {
		return storage.ErrDuplicate
	}
	key := serialKey(cert.CARef, cert.SerialHex)
	if _, ok := s.certBySerial[key]; ok {
		return storage.ErrDuplicate
	}
	s.certs[cert.ID] = cloneCert(cert)
	s.certBySerial[key] = cert.ID
	return nil
}

func (s *Store) GetCertificate(_ context.Context, id string) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCert(cert), nil
}

func (s *Store) GetCertificateBySerial(_ context.Context, caRef, serialHex string) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.certBySerial[serialKey(caRef, serialHex)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCert(s.certs[id]), nil
}

func (s *Store) ListCertificates(_ context.Context, caRef string) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Certificate
	for _, cert := range s.certs {
		if cert.CARef == caRef {
			out = append(out, cloneCert(cert))
		}
	}
	sortCerts(out)
	return out, nil
}

func (s *Store) ListRevokedCertificates(_ context.Context, caRef string) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Certificate
	for _, cert := range s.certs {
		if cert.CARef == caRef && cert.Status == storage.CertStatusRevoked {
			out = append(out, cloneCert(cert))
		}
	}
	sortCerts(out)
	return out, nil
}

func (s *Store) UpdateCertificate(_ context.Context, cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[cert.ID]; !ok {
		return storage.ErrNotFound
	}
	s.certs[cert.ID] = cloneCert(cert)
	return nil
}

// --- certificate revocation lists ---

func (s *Store) UpsertCRL(_ context.Context, info *storage.CRLInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crls[info.CARef] = cloneCRL(info)
	return nil
}

func (s *Store) GetCRL(_ context.Context, caRef string) (*storage.CRLInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.crls[caRef]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCRL(info), nil
}

// --- SCEP enrollment requests ---

func (s *Store) CreateSCEPRequest(_ context.Context, req *storage.SCEPRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scep[req.TransactionID]; ok {
		return storage.ErrDuplicate
	}
	s.scep[req.TransactionID] = cloneSCEP(req)
	return nil
}

func (s *Store) GetSCEPRequest(_ context.Context, transactionID string) (*storage.SCEPRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.scep[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSCEP(req), nil
}

func (s *Store) ListSCEPRequests(_ context.Context, caRef, status string) ([]*storage.SCEPRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.SCEPRequest
	for _, req := range s.scep {
		if caRef != "" && req.CARef != caRef {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, cloneSCEP(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ResolveSCEPRequest(_ context.Context, fromStatus string, req *storage.SCEPRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.scep[req.TransactionID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Status != fromStatus {
		return storage.ErrConflict
	}
	cur.Status = req.Status
	cur.ApprovedBy = req.ApprovedBy
	cur.CertificateID = req.CertificateID
	cur.ResolvedAt = req.ResolvedAt
	return nil
}

// --- OCSP response cache ---

func (s *Store) GetOCSPResponse(_ context.Context, caRef, serialHex string) (*storage.OCSPCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.ocsp[serialKey(caRef, serialHex)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOCSP(entry), nil
}

func (s *Store) PutOCSPResponse(_ context.Context, entry *storage.OCSPCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ocsp[serialKey(entry.CARef, entry.SerialHex)] = cloneOCSP(entry)
	return nil
}

func (s *Store) DeleteOCSPResponse(_ context.Context, caRef, serialHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ocsp, serialKey(caRef, serialHex))
	return nil
}

func (s *Store) Close() error {
	return nil
}

// --- record cloning ---

func sortCerts(certs []*storage.Certificate) {
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].CreatedAt.Equal(certs[j].CreatedAt) {
			return certs[i].SerialHex < certs[j].SerialHex
		}
		return certs[i].CreatedAt.Before(certs[j].CreatedAt)
	})
}

func cloneCA(ca *storage.CA) *storage.CA {
	out := *ca
	out.KeyEnvelope = append([]byte(nil), ca.KeyEnvelope...)
	return &out
}

func cloneCert(cert *storage.Certificate) *storage.Certificate {
	out := *cert
	return &out
}

func cloneCRL(info *storage.CRLInfo) *storage.CRLInfo {
	out := *info
	out.DER = append([]byte(nil), info.DER...)
	return &out
}

func cloneSCEP(req *storage.SCEPRequest) *storage.SCEPRequest {
	out := *req
	return &out
}

func cloneOCSP(entry *storage.OCSPCacheEntry) *storage.OCSPCacheEntry {
	out := *entry
	out.Response = append([]byte(nil), entry.Response...)
	return &out
}
