package ca

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/caforge/caforge/internal/util"
	"github.com/caforge/caforge/internal/x509util"
	"github.com/caforge/caforge/storage"
)

// maxChainDepth bounds chain resolution so malformed issuer data (loops,
// cross-referencing CAs) cannot make it run forever.
const maxChainDepth = 10

// ChainResolver builds issuer chains from the stored CA set. Issuers are
// matched by Authority Key Identifier against stored Subject Key
// Identifiers; certificates without an AKI fall back to comparing the
// issuer DN with stored subject DNs.
type ChainResolver struct {
	store storage.Store
}

// NewChainResolver returns a resolver over the given store.
func NewChainResolver(store storage.Store) *ChainResolver {
	return &ChainResolver{store: store}
}

// Resolve returns the chain from leaf to root, ending at a self-signed
// certificate. When an issuer is missing the partial chain built so far is
// returned together with ErrChainNotFound; exceeding the depth bound
// returns the partial chain with ErrChainTooDeep.
func (r *ChainResolver) Resolve(ctx context.Context, leaf *x509.Certificate) ([]*x509.Certificate, error) {
	if leaf == nil {
		return nil, fmt.Errorf("%w: nil certificate", ErrInvalidInput)
	}

	chain := []*x509.Certificate{leaf}
	current := leaf
	for depth := 0; ; depth++ {
		if isSelfSigned(current) {
			return chain, nil
		}
		if depth >= maxChainDepth {
			return chain, ErrChainTooDeep
		}
		issuer, err := r.findIssuer(ctx, current)
		if err != nil {
			return chain, err
		}
		chain = append(chain, issuer)
		current = issuer
	}
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

func (r *ChainResolver) findIssuer(ctx context.Context, cert *x509.Certificate) (*x509.Certificate, error) {
	if len(cert.AuthorityKeyId) > 0 {
		rec, err := r.store.GetCABySubjectKeyID(ctx, util.HexEncode(cert.AuthorityKeyId))
		switch {
		case err == nil:
			return x509util.ParseCertificatePEM(rec.CertificatePEM)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("looking up issuer by key identifier: %w", err)
		}
		// No SKI match; fall through to the DN comparison for CAs stored
		// before key identifiers were recorded.
	}

	issuerDN := x509util.DNString(cert.Issuer)
	cas, err := r.store.ListCAs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing CAs: %w", err)
	}
	for _, rec := range cas {
		if rec.SubjectDN == issuerDN {
			return x509util.ParseCertificatePEM(rec.CertificatePEM)
		}
	}
	return nil, fmt.Errorf("%w: issuer %q", ErrChainNotFound, issuerDN)
}
