// Package postgres provides the production Store backed by PostgreSQL via
// pgx. Counter allocations use single UPDATE ... RETURNING statements so
// they stay atomic under concurrent issuance across multiple instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caforge/caforge/storage"
)

// uniqueViolation is the Postgres error code for unique constraint hits.
const uniqueViolation = "23505"

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New connects to the database at dsn, verifies the connection, and applies
// the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrDuplicate
	}
	return err
}

// nullTime maps the zero time to NULL so optional timestamps round-trip.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// --- certificate authorities ---

const caColumns = `ref, name, subject_dn, issuer_dn, parent_ref, certificate_pem,
	subject_key_id, key_envelope, remote_key_id, cdp_enabled, cdp_url,
	ocsp_enabled, revoked, revoked_at, created_at, updated_at`

func scanCA(row pgx.Row) (*storage.CA, error) {
	var ca storage.CA
	var revokedAt *time.Time
	err := row.Scan(
		&ca.Ref, &ca.Name, &ca.SubjectDN, &ca.IssuerDN, &ca.ParentRef,
		&ca.CertificatePEM, &ca.SubjectKeyID, &ca.KeyEnvelope, &ca.RemoteKeyID,
		&ca.CDPEnabled, &ca.CDPURL, &ca.OCSPEnabled, &ca.Revoked, &revokedAt,
		&ca.CreatedAt, &ca.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	ca.RevokedAt = fromNullTime(revokedAt)
	return &ca, nil
}

func (s *Store) CreateCA(ctx context.Context, ca *storage.CA) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cas (ref, name, subject_dn, issuer_dn, parent_ref,
			certificate_pem, subject_key_id, key_envelope, remote_key_id,
			cdp_enabled, cdp_url, ocsp_enabled, revoked, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ca.Ref, ca.Name, ca.SubjectDN, ca.IssuerDN, ca.ParentRef,
		ca.CertificatePEM, ca.SubjectKeyID, ca.KeyEnvelope, ca.RemoteKeyID,
		ca.CDPEnabled, ca.CDPURL, ca.OCSPEnabled, ca.Revoked, nullTime(ca.RevokedAt),
	)
	return mapError(err)
}

func (s *Store) GetCA(ctx context.Context, ref string) (*storage.CA, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+caColumns+` FROM cas WHERE ref = $1`, ref)
	return scanCA(row)
}

func (s *Store) GetCABySubjectKeyID(ctx context.Context, skiHex string) (*storage.CA, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+caColumns+` FROM cas WHERE subject_key_id = $1`, skiHex)
	return scanCA(row)
}

func (s *Store) ListCAs(ctx context.Context) ([]*storage.CA, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+caColumns+` FROM cas ORDER BY ref`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*storage.CA
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ca)
	}
	return out, mapError(rows.Err())
}

func (s *Store) UpdateCA(ctx context.Context, ca *storage.CA) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cas SET name = $2, subject_dn = $3, issuer_dn = $4,
			parent_ref = $5, certificate_pem = $6, subject_key_id = $7,
			key_envelope = $8, remote_key_id = $9, cdp_enabled = $10,
			cdp_url = $11, ocsp_enabled = $12, revoked = $13,
			revoked_at = $14, updated_at = now()
		WHERE ref = $1`,
		ca.Ref, ca.Name, ca.SubjectDN, ca.IssuerDN, ca.ParentRef,
		ca.CertificatePEM, ca.SubjectKeyID, ca.KeyEnvelope, ca.RemoteKeyID,
		ca.CDPEnabled, ca.CDPURL, ca.OCSPEnabled, ca.Revoked, nullTime(ca.RevokedAt),
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) NextSerial(ctx context.Context, caRef string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		UPDATE cas SET next_serial = next_serial + 1, updated_at = now()
		WHERE ref = $1
		RETURNING next_serial - 1`, caRef).Scan(&n)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (s *Store) NextCRLNumber(ctx context.Context, caRef string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		UPDATE cas SET next_crl_number = next_crl_number + 1, updated_at = now()
		WHERE ref = $1
		RETURNING next_crl_number - 1`, caRef).Scan(&n)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// --- certificates ---

const certColumns = `id, ca_ref, serial_hex, subject_dn, issuer_dn,
	authority_key_id, not_before, not_after, status, revoked_at,
	revoke_reason, source, csr_pem, certificate_pem, previous_id,
	created_at, updated_at`

func scanCertificate(row pgx.Row) (*storage.Certificate, error) {
	var cert storage.Certificate
	var revokedAt *time.Time
	err := row.Scan(
		&cert.ID, &cert.CARef, &cert.SerialHex, &cert.SubjectDN, &cert.IssuerDN,
		&cert.AuthorityKeyID, &cert.NotBefore, &cert.NotAfter, &cert.Status,
		&revokedAt, &cert.RevokeReason, &cert.Source, &cert.CSRPEM,
		&cert.CertificatePEM, &cert.PreviousID, &cert.CreatedAt, &cert.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	cert.RevokedAt = fromNullTime(revokedAt)
	return &cert, nil
}

func (s *Store) CreateCertificate(ctx context.Context, cert *storage.Certificate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (id, ca_ref, serial_hex, subject_dn,
			issuer_dn, authority_key_id, not_before, not_after, status,
			revoked_at, revoke_reason, source, csr_pem, certificate_pem,
			previous_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cert.ID, cert.CARef, cert.SerialHex, cert.SubjectDN, cert.IssuerDN,
		cert.AuthorityKeyID, cert.NotBefore, cert.NotAfter, cert.Status,
		nullTime(cert.RevokedAt), cert.RevokeReason, cert.Source, cert.CSRPEM,
		cert.CertificatePEM, cert.PreviousID,
	)
	return mapError(err)
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*storage.Certificate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE id = $1`, id)
	return scanCertificate(row)
}

func (s *Store) GetCertificateBySerial(ctx context.Context, caRef, serialHex string) (*storage.Certificate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE ca_ref = $1 AND serial_hex = $2`,
		caRef, serialHex)
	return scanCertificate(row)
}

func (s *Store) queryCertificates(ctx context.Context, query string, args ...any) ([]*storage.Certificate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*storage.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, mapError(rows.Err())
}

func (s *Store) ListCertificates(ctx context.Context, caRef string) ([]*storage.Certificate, error) {
	return s.queryCertificates(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE ca_ref = $1 ORDER BY created_at, serial_hex`,
		caRef)
}

func (s *Store) ListRevokedCertificates(ctx context.Context, caRef string) ([]*storage.Certificate, error) {
	return s.queryCertificates(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE ca_ref = $1 AND status = $2 ORDER BY created_at, serial_hex`,
		caRef, storage.CertStatusRevoked)
}

func (s *Store) UpdateCertificate(ctx context.Context, cert *storage.Certificate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE certificates SET status = $2, revoked_at = $3,
			revoke_reason = $4, previous_id = $5, updated_at = now()
		WHERE id = $1`,
		cert.ID, cert.Status, nullTime(cert.RevokedAt), cert.RevokeReason, cert.PreviousID,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- certificate revocation lists ---

func (s *Store) UpsertCRL(ctx context.Context, info *storage.CRLInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crls (ca_ref, number, this_update, next_update, der, pem,
			revoked_count, generated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ca_ref) DO UPDATE SET
			number = EXCLUDED.number,
			this_update = EXCLUDED.this_update,
			next_update = EXCLUDED.next_update,
			der = EXCLUDED.der,
			pem = EXCLUDED.pem,
			revoked_count = EXCLUDED.revoked_count,
			generated_by = EXCLUDED.generated_by,
			updated_at = now()`,
		info.CARef, info.Number, info.ThisUpdate, info.NextUpdate,
		info.DER, info.PEM, info.RevokedCount, info.GeneratedBy,
	)
	return mapError(err)
}

func (s *Store) GetCRL(ctx context.Context, caRef string) (*storage.CRLInfo, error) {
	var info storage.CRLInfo
	err := s.pool.QueryRow(ctx, `
		SELECT ca_ref, number, this_update, next_update, der, pem,
			revoked_count, generated_by
		FROM crls WHERE ca_ref = $1`, caRef).Scan(
		&info.CARef, &info.Number, &info.ThisUpdate, &info.NextUpdate,
		&info.DER, &info.PEM, &info.RevokedCount, &info.GeneratedBy,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &info, nil
}

// --- SCEP enrollment requests ---

func scanSCEPRequest(row pgx.Row) (*storage.SCEPRequest, error) {
	var req storage.SCEPRequest
	var resolvedAt *time.Time
	err := row.Scan(
		&req.TransactionID, &req.CARef, &req.SubjectDN, &req.CSRPEM,
		&req.Status, &req.ApprovedBy, &req.CertificateID,
		&req.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	req.ResolvedAt = fromNullTime(resolvedAt)
	return &req, nil
}

const scepColumns = `transaction_id, ca_ref, subject_dn, csr_pem, status,
	approved_by, certificate_id, created_at, resolved_at`

func (s *Store) CreateSCEPRequest(ctx context.Context, req *storage.SCEPRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scep_requests (transaction_id, ca_ref, subject_dn,
			csr_pem, status, approved_by, certificate_id, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.TransactionID, req.CARef, req.SubjectDN, req.CSRPEM, req.Status,
		req.ApprovedBy, req.CertificateID, nullTime(req.ResolvedAt),
	)
	return mapError(err)
}

func (s *Store) GetSCEPRequest(ctx context.Context, transactionID string) (*storage.SCEPRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scepColumns+` FROM scep_requests WHERE transaction_id = $1`,
		transactionID)
	return scanSCEPRequest(row)
}

func (s *Store) ListSCEPRequests(ctx context.Context, caRef, status string) ([]*storage.SCEPRequest, error) {
	// Empty filter values match everything.
	rows, err := s.pool.Query(ctx, `
		SELECT `+scepColumns+` FROM scep_requests
		WHERE ($1 = '' OR ca_ref = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at, transaction_id`,
		caRef, status)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*storage.SCEPRequest
	for rows.Next() {
		req, err := scanSCEPRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, mapError(rows.Err())
}

func (s *Store) ResolveSCEPRequest(ctx context.Context, fromStatus string, req *storage.SCEPRequest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scep_requests SET status = $2, approved_by = $3,
			certificate_id = $4, resolved_at = $5
		WHERE transaction_id = $1 AND status = $6`,
		req.TransactionID, req.Status, req.ApprovedBy, req.CertificateID,
		nullTime(req.ResolvedAt), fromStatus,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// Zero rows: either the request does not exist or a concurrent writer
	// moved it out of fromStatus first.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scep_requests WHERE transaction_id = $1)`,
		req.TransactionID).Scan(&exists)
	if err != nil {
		return mapError(err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// --- OCSP response cache ---

func (s *Store) GetOCSPResponse(ctx context.Context, caRef, serialHex string) (*storage.OCSPCacheEntry, error) {
	var entry storage.OCSPCacheEntry
	err := s.pool.QueryRow(ctx, `
		SELECT ca_ref, serial_hex, status, response, this_update, next_update
		FROM ocsp_cache WHERE ca_ref = $1 AND serial_hex = $2`,
		caRef, serialHex).Scan(
		&entry.CARef, &entry.SerialHex, &entry.Status, &entry.Response,
		&entry.ThisUpdate, &entry.NextUpdate,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &entry, nil
}

func (s *Store) PutOCSPResponse(ctx context.Context, entry *storage.OCSPCacheEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ocsp_cache (ca_ref, serial_hex, status, response,
			this_update, next_update)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ca_ref, serial_hex) DO UPDATE SET
			status = EXCLUDED.status,
			response = EXCLUDED.response,
			this_update = EXCLUDED.this_update,
			next_update = EXCLUDED.next_update`,
		entry.CARef, entry.SerialHex, entry.Status, entry.Response,
		entry.ThisUpdate, entry.NextUpdate,
	)
	return mapError(err)
}

func (s *Store) DeleteOCSPResponse(ctx context.Context, caRef, serialHex string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ocsp_cache WHERE ca_ref = $1 AND serial_hex = $2`,
		caRef, serialHex)
	return mapError(err)
}
