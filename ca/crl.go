package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/caforge/caforge/internal/x509util"
	"github.com/caforge/caforge/storage"
)

// DefaultCRLValidityDays is the nextUpdate window used when a caller does
// not specify one.
const DefaultCRLValidityDays = 7

// serialMask keeps CRL entry serials within 159 bits, the widest positive
// integer RFC 5280's 20-octet signed encoding can carry.
var serialMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 159), big.NewInt(1))

// CRLGenerator produces signed revocation lists. Generation for a single CA
// is serialized through a per-CA lock on top of the store's atomic number
// allocation, so concurrent triggers (manual request racing the
// revocation auto-trigger) still yield strictly increasing CRL numbers with
// no duplicates.
type CRLGenerator struct {
	store       storage.Store
	signer      func(ctx context.Context, rec *storage.CA) (crypto.Signer, error)
	logger      *slog.Logger
	identity    string
	defaultDays int
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (g *CRLGenerator) lockFor(caRef string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[caRef]
	if !ok {
		l = &sync.Mutex{}
		g.locks[caRef] = l
	}
	return l
}

// Generate builds, signs, and persists a CRL covering every revoked
// certificate of the CA. It fails with ErrNoSigningKey before touching any
// backend when the CA cannot sign. A non-positive validityDays selects
// DefaultCRLValidityDays.
func (g *CRLGenerator) Generate(ctx context.Context, caRef string, validityDays int) (*storage.CRLInfo, error) {
	lock := g.lockFor(caRef)
	lock.Lock()
	defer lock.Unlock()

	rec, err := g.store.GetCA(ctx, caRef)
	if err != nil {
		return nil, fmt.Errorf("loading CA: %w", err)
	}
	if !rec.HasSigningKey() {
		return nil, ErrNoSigningKey
	}
	if validityDays <= 0 {
		validityDays = g.defaultDays
	}
	if validityDays <= 0 {
		validityDays = DefaultCRLValidityDays
	}

	caCert, err := x509util.ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	signer, err := g.signer(ctx, rec)
	if err != nil {
		return nil, err
	}

	revoked, err := g.store.ListRevokedCertificates(ctx, caRef)
	if err != nil {
		return nil, fmt.Errorf("listing revoked certificates: %w", err)
	}
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, rc := range revoked {
		serial, err := x509util.ParseSerialText(rc.SerialHex)
		if err != nil {
			g.logger.Warn("skipping revoked certificate with unparsable serial",
				"ca", caRef, "serial", rc.SerialHex)
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   g.maskSerial(serial, caRef),
			RevocationTime: rc.RevokedAt.UTC(),
			ReasonCode:     rc.RevokeReason,
		})
	}

	number, err := g.store.NextCRLNumber(ctx, caRef)
	if err != nil {
		return nil, fmt.Errorf("allocating CRL number: %w", err)
	}

	now := g.now().UTC()
	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, validityDays),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, signer)
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}

	info := &storage.CRLInfo{
		CARef:        caRef,
		Number:       number,
		ThisUpdate:   now,
		NextUpdate:   template.NextUpdate,
		DER:          der,
		PEM:          x509util.EncodeCRLPEM(der),
		RevokedCount: len(entries),
		GeneratedBy:  g.identity,
	}
	if err := g.store.UpsertCRL(ctx, info); err != nil {
		return nil, fmt.Errorf("storing CRL: %w", err)
	}

	g.logger.Info("CRL generated",
		"ca", caRef,
		"number", number,
		"revoked", len(entries),
		"next_update", info.NextUpdate)
	return info, nil
}

// maskSerial truncates serials wider than 159 bits by masking. Masking can
// collide distinct serials onto one CRL entry; the warning names both
// values so operators can spot it.
func (g *CRLGenerator) maskSerial(serial *big.Int, caRef string) *big.Int {
	if serial.BitLen() <= 159 {
		return serial
	}
	masked := new(big.Int).And(serial, serialMask)
	g.logger.Warn("revoked serial wider than 159 bits masked for CRL encoding",
		"ca", caRef,
		"serial", serial.Text(16),
		"masked", masked.Text(16))
	return masked
}
