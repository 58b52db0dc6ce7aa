// Package x509util holds small X.509 helpers shared by the CA engine and the
// protocol front ends: key identifier derivation, PEM codecs, and DN
// formatting.
package x509util

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
var ErrInvalidPEM = errors.New("invalid PEM data")

// PEM block types used across the store and the protocol handlers.
const (
	PEMTypeCertificate = "CERTIFICATE"
	PEMTypeCSR         = "CERTIFICATE REQUEST"
	PEMTypeCRL         = "X509 CRL"
	PEMTypePKCS8       = "PRIVATE KEY"
)

// SubjectKeyID derives the Subject Key Identifier for a public key using the
// RFC 5280 4.2.1.2 method 1 construction: the SHA-1 hash of the
// subjectPublicKey BIT STRING content (tag and length excluded).
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}

	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, fmt.Errorf("unmarshaling SPKI: %w", err)
	}

	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

// EncodeCertPEM wraps DER certificate bytes in a PEM block.
func EncodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCertificate, Bytes: der}))
}

// EncodeCRLPEM wraps DER CRL bytes in a PEM block.
func EncodeCRLPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCRL, Bytes: der}))
}

// EncodeCSRPEM wraps DER certificate request bytes in a PEM block.
func EncodeCSRPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCSR, Bytes: der}))
}

// ParseCertificatePEM decodes a single PEM certificate block.
func ParseCertificatePEM(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != PEMTypeCertificate {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseCSRPEM decodes a PEM certificate request block and verifies its
// self-signature.
func ParseCSRPEM(pemData string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != PEMTypeCSR {
		return nil, ErrInvalidPEM
	}
	return ParseCSRDER(block.Bytes)
}

// ParseCSRDER parses DER certificate request bytes and verifies the
// self-signature.
func ParseCSRDER(der []byte) (*x509.CertificateRequest, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature invalid: %w", err)
	}
	return csr, nil
}

// MarshalPKCS8 encodes a private key as DER PKCS#8.
func MarshalPKCS8(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling PKCS#8 key: %w", err)
	}
	return der, nil
}

// ParsePKCS8Signer parses a DER PKCS#8 private key into a crypto.Signer.
func ParsePKCS8Signer(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T does not implement crypto.Signer", key)
	}
	return signer, nil
}

// DNString formats a pkix.Name as a readable DN string. The component order
// mirrors what the store persists for subject/issuer columns, so string
// equality on the output is a stable fallback when key identifiers are
// missing.
func DNString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// SerialText returns the canonical lowercase-hex form of a serial number
// used as the store key. Serial numbers are positive, so no sign handling
// is needed.
func SerialText(serial *big.Int) string {
	return serial.Text(16)
}

// ParseSerialText parses the canonical hex form back into a big.Int.
func ParseSerialText(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.ToLower(s), 16)
	if !ok {
		return nil, fmt.Errorf("invalid serial %q", s)
	}
	return n, nil
}
