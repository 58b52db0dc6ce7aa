// Package bbolt provides a single-file Store backed by bbolt, suitable for
// single-node deployments where running Postgres is not worth the trouble.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/caforge/caforge/storage"
)

var (
	bucketCAs        = []byte("cas")
	bucketCASKIs     = []byte("ca_skis")
	bucketCounters   = []byte("counters")
	bucketCerts      = []byte("certs")
	bucketCertSerial = []byte("cert_serials")
	bucketCRLs       = []byte("crls")
	bucketSCEP       = []byte("scep_requests")
	bucketOCSP       = []byte("ocsp_cache")
)

// Store implements storage.Store on top of a bbolt database file. All writes
// go through bbolt update transactions, which serialize naturally; counter
// allocations are therefore atomic without extra locking.
type Store struct {
	db *bolt.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database file at path and ensures all buckets
// exist. The file lock times out after a second so a second process fails
// fast instead of hanging.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketCAs, bucketCASKIs, bucketCounters, bucketCerts,
			bucketCertSerial, bucketCRLs, bucketSCEP, bucketOCSP,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func serialKey(caRef, serialHex string) []byte {
	return []byte(caRef + "/" + serialHex)
}

func counterKey(caRef, kind string) []byte {
	return []byte(caRef + "/" + kind)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return b.Put(key, raw)
}

// --- certificate authorities ---

func (s *Store) CreateCA(_ context.Context, ca *storage.CA) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cas := tx.Bucket(bucketCAs)
		if cas.Get([]byte(ca.Ref)) != nil {
			return storage.ErrDuplicate
		}
		if err := putJSON(cas, []byte(ca.Ref), ca); err != nil {
			return err
		}
		if ca.SubjectKeyID != "" {
			if err := tx.Bucket(bucketCASKIs).Put([]byte(ca.SubjectKeyID), []byte(ca.Ref)); err != nil {
				return err
			}
		}
		counters := tx.Bucket(bucketCounters)
		if err := putCounter(counters, counterKey(ca.Ref, "serial"), 2); err != nil {
			return err
		}
		return putCounter(counters, counterKey(ca.Ref, "crl"), 1)
	})
}

func (s *Store) GetCA(_ context.Context, ref string) (*storage.CA, error) {
	var ca storage.CA
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCAs).Get([]byte(ref))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &ca)
	})
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

func (s *Store) GetCABySubjectKeyID(ctx context.Context, skiHex string) (*storage.CA, error) {
	var ref string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCASKIs).Get([]byte(skiHex))
		if raw == nil {
			return storage.ErrNotFound
		}
		ref = string(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCA(ctx, ref)
}

func (s *Store) ListCAs(_ context.Context) ([]*storage.CA, error) {
	var out []*storage.CA
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCAs).ForEach(func(_, raw []byte) error {
			var ca storage.CA
			if err := json.Unmarshal(raw, &ca); err != nil {
				return err
			}
			out = append(out, &ca)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *Store) UpdateCA(_ context.Context, ca *storage.CA) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cas := tx.Bucket(bucketCAs)
		if cas.Get([]byte(ca.Ref)) == nil {
			return storage.ErrNotFound
		}
		return putJSON(cas, []byte(ca.Ref), ca)
	})
}

func putCounter(b *bolt.Bucket, key []byte, val int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(val))
	return b.Put(key, buf[:])
}

func (s *Store) nextCounter(caRef, kind string) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCAs).Get([]byte(caRef)) == nil {
			return storage.ErrNotFound
		}
		counters := tx.Bucket(bucketCounters)
		key := counterKey(caRef, kind)
		raw := counters.Get(key)
		if raw == nil {
			return storage.ErrNotFound
		}
		n = int64(binary.BigEndian.Uint64(raw))
		return putCounter(counters, key, n+1)
	})
	return n, err
}

func (s *Store) NextSerial(_ context.Context, caRef string) (int64, error) {
	return s.nextCounter(caRef, "serial")
}

func (s *Store) NextCRLNumber(_ context.Context, caRef string) (int64, error) {
	return s.nextCounter(caRef, "crl")
}

// --- certificates ---

func (s *Store) CreateCertificate(_ context.Context, cert *storage.Certificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		if certs.Get([]byte(cert.ID)) != nil {
			return storage.ErrDuplicate
		}
		serials := tx.Bucket(bucketCertSerial)
		skey := serialKey(cert.CARef, cert.SerialHex)
		if serials.Get(skey) != nil {
			return storage.ErrDuplicate
		}
		if err := putJSON(certs, []byte(cert.ID), cert); err != nil {
			return err
		}
		return serials.Put(skey, []byte(cert.ID))
	})
}

func (s *Store) GetCertificate(_ context.Context, id string) (*storage.Certificate, error) {
	var cert storage.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCerts).Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) GetCertificateBySerial(_ context.Context, caRef, serialHex string) (*storage.Certificate, error) {
	var cert storage.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketCertSerial).Get(serialKey(caRef, serialHex))
		if id == nil {
			return storage.ErrNotFound
		}
		raw := tx.Bucket(bucketCerts).Get(id)
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) listCertificates(caRef string, filter func(*storage.Certificate) bool) ([]*storage.Certificate, error) {
	var out []*storage.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCerts).ForEach(func(_, raw []byte) error {
			var cert storage.Certificate
			if err := json.Unmarshal(raw, &cert); err != nil {
				return err
			}
			if cert.CARef != caRef {
				return nil
			}
			if filter != nil && !filter(&cert) {
				return nil
			}
			out = append(out, &cert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SerialHex < out[j].SerialHex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListCertificates(_ context.Context, caRef string) ([]*storage.Certificate, error) {
	return s.listCertificates(caRef, nil)
}

func (s *Store) ListRevokedCertificates(_ context.Context, caRef string) ([]*storage.Certificate, error) {
	return s.listCertificates(caRef, func(c *storage.Certificate) bool {
		return c.Status == storage.CertStatusRevoked
	})
}

func (s *Store) UpdateCertificate(_ context.Context, cert *storage.Certificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		if certs.Get([]byte(cert.ID)) == nil {
			return storage.ErrNotFound
		}
		return putJSON(certs, []byte(cert.ID), cert)
	})
}

// --- certificate revocation lists ---

func (s *Store) UpsertCRL(_ context.Context, info *storage.CRLInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCRLs), []byte(info.CARef), info)
	})
}

func (s *Store) GetCRL(_ context.Context, caRef string) (*storage.CRLInfo, error) {
	var info storage.CRLInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCRLs).Get([]byte(caRef))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// --- SCEP enrollment requests ---

func (s *Store) CreateSCEPRequest(_ context.Context, req *storage.SCEPRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSCEP)
		if b.Get([]byte(req.TransactionID)) != nil {
			return storage.ErrDuplicate
		}
		return putJSON(b, []byte(req.TransactionID), req)
	})
}

func (s *Store) GetSCEPRequest(_ context.Context, transactionID string) (*storage.SCEPRequest, error) {
	var req storage.SCEPRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSCEP).Get([]byte(transactionID))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) ListSCEPRequests(_ context.Context, caRef, status string) ([]*storage.SCEPRequest, error) {
	var out []*storage.SCEPRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSCEP).ForEach(func(_, raw []byte) error {
			var req storage.SCEPRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			if caRef != "" && req.CARef != caRef {
				return nil
			}
			if status != "" && req.Status != status {
				return nil
			}
			out = append(out, &req)
			return nil
		})
	})
	if err != nil {
		return nil, err
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
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSCEP)
		raw := b.Get([]byte(req.TransactionID))
		if raw == nil {
			return storage.ErrNotFound
		}
		var cur storage.SCEPRequest
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Status != fromStatus {
			return storage.ErrConflict
		}
		cur.Status = req.Status
		cur.ApprovedBy = req.ApprovedBy
		cur.CertificateID = req.CertificateID
		cur.ResolvedAt = req.ResolvedAt
		return putJSON(b, []byte(cur.TransactionID), &cur)
	})
}

// --- OCSP response cache ---

func (s *Store) GetOCSPResponse(_ context.Context, caRef, serialHex string) (*storage.OCSPCacheEntry, error) {
	var entry storage.OCSPCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketOCSP).Get(serialKey(caRef, serialHex))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) PutOCSPResponse(_ context.Context, entry *storage.OCSPCacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketOCSP), serialKey(entry.CARef, entry.SerialHex), entry)
	})
}

func (s *Store) DeleteOCSPResponse(_ context.Context, caRef, serialHex string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOCSP).Delete(serialKey(caRef, serialHex))
	})
}
