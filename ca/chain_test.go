package ca_test

import (
	"crypto/x509/pkix"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caforge/caforge/ca"
)

func TestResolveChainLeafToRoot(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := t.Context()
	root := createRootCA(t, eng, "root")
	_, err := eng.CreateCA(ctx, ca.CreateCARequest{
		Ref:       "issuing",
		Subject:   pkix.Name{CommonName: "Issuing CA"},
		ParentRef: "root",
	})
	require.NoError(t, err)

	csrPEM, _ := newCSR(t, "leaf.example.com")
	rec, err := eng.IssueCertificate(ctx, "issuing", ca.IssueRequest{CSRPEM: csrPEM, ValidityDays: 1})
	require.NoError(t, err)
	leaf := parseCertPEM(t, rec.CertificatePEM)

	chain, err := eng.ResolveChain(ctx, leaf)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	assert.Equal(t, "leaf.example.com", chain[0].Subject.CommonName)
	assert.Equal(t, "Issuing CA", chain[1].Subject.CommonName)
	assert.Equal(t, parseCertPEM(t, root.CertificatePEM).Subject.CommonName, chain[2].Subject.CommonName)

	// The chain ends at a self-signed root and every link verifies.
	last := chain[len(chain)-1]
	assert.Equal(t, last.RawSubject, last.RawIssuer)
	for i := 0; i < len(chain)-1; i++ {
		require.NoError(t, chain[i].CheckSignatureFrom(chain[i+1]))
	}
}

func TestResolveChainFallsBackToIssuerDN(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := t.Context()
	createRootCA(t, eng, "root")

	csrPEM, _ := newCSR(t, "leaf")
	rec, err := eng.IssueCertificate(ctx, "root", ca.IssueRequest{CSRPEM: csrPEM, ValidityDays: 1})
	require.NoError(t, err)

	// Clear the stored key identifier so lookup must fall back to matching
	// the issuer DN against CA subjects.
	caRec, err := store.GetCA(ctx, "root")
	require.NoError(t, err)
	caRec.SubjectKeyID = ""
	require.NoError(t, store.UpdateCA(ctx, caRec))

	chain, err := eng.ResolveChain(ctx, parseCertPEM(t, rec.CertificatePEM))
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "Test Root CA", chain[1].Subject.CommonName)
}

func TestResolveChainUnknownIssuer(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := t.Context()
	createRootCA(t, eng, "root")

	// A certificate issued by a CA this engine has never seen.
	other, _ := newTestEngine(t)
	createRootCA(t, other, "foreign")
	csrPEM, _ := newCSR(t, "stray")
	rec, err := other.IssueCertificate(ctx, "foreign", ca.IssueRequest{CSRPEM: csrPEM, ValidityDays: 1})
	require.NoError(t, err)

	chain, err := eng.ResolveChain(ctx, parseCertPEM(t, rec.CertificatePEM))
	require.ErrorIs(t, err, ca.ErrChainNotFound)

	// The partial chain still carries what was resolved.
	require.Len(t, chain, 1)
	assert.Equal(t, "stray", chain[0].Subject.CommonName)
}

func TestResolveChainDepthLimit(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := t.Context()
	createRootCA(t, eng, "ca-0")
	for i := 1; i <= 11; i++ {
		_, err := eng.CreateCA(ctx, ca.CreateCARequest{
			Ref:       fmt.Sprintf("ca-%d", i),
			Subject:   pkix.Name{CommonName: fmt.Sprintf("Intermediate %d", i)},
			ParentRef: fmt.Sprintf("ca-%d", i-1),
		})
		require.NoError(t, err)
	}

	deepest, err := eng.CACertificate(ctx, "ca-11")
	require.NoError(t, err)

	chain, err := eng.ResolveChain(ctx, deepest)
	require.ErrorIs(t, err, ca.ErrChainTooDeep)
	assert.NotEmpty(t, chain)
}

func TestCAChain(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := t.Context()
	createRootCA(t, eng, "root")
	_, err := eng.CreateCA(ctx, ca.CreateCARequest{
		Ref:       "issuing",
		Subject:   pkix.Name{CommonName: "Issuing CA"},
		ParentRef: "root",
	})
	require.NoError(t, err)

	chain, err := eng.CAChain(ctx, "issuing")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "Issuing CA", chain[0].Subject.CommonName)
	assert.Equal(t, "Test Root CA", chain[1].Subject.CommonName)
}
