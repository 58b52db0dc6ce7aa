// Package scep implements the RFC 8894 enrollment engine: pkiMessage
// parsing and assembly over PKCS#7, the pending/approved/rejected
// transaction state machine, and the GetCACert/GetCACaps/GetCRL side
// operations. Transport is left to the HTTP layer.
package scep

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/smallstep/pkcs7"

	"github.com/caforge/caforge/internal/util"
)

// MessageType identifies the SCEP operation carried by a pkiMessage
// (RFC 8894 §3.2.1.2). Values are PrintableString numbers on the wire.
type MessageType string

const (
	MsgCertRep    MessageType = "3"
	MsgRenewalReq MessageType = "17"
	MsgPKCSReq    MessageType = "19"
	MsgCertPoll   MessageType = "20"
	MsgGetCert    MessageType = "21"
	MsgGetCRL     MessageType = "22"
)

// PKIStatus is the transaction state reported in a CertRep
// (RFC 8894 §3.2.1.3).
type PKIStatus string

const (
	StatusSuccess PKIStatus = "0"
	StatusFailure PKIStatus = "2"
	StatusPending PKIStatus = "3"
)

// FailInfo is the failure reason accompanying a FAILURE CertRep
// (RFC 8894 §3.2.1.4).
type FailInfo string

const (
	FailBadAlg          FailInfo = "0"
	FailBadMessageCheck FailInfo = "1"
	FailBadRequest      FailInfo = "2"
	FailBadTime         FailInfo = "3"
	FailBadCertID       FailInfo = "4"
)

// SCEP signed attributes (2.16.840.1.113733.1.9.x) and related OIDs.
var (
	oidMessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidPKIStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidFailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidRecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidTransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}

	oidChallengePassword = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}

	oidData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

const nonceSize = 16

// pkiMessage is a parsed, signature-verified SCEP request.
type pkiMessage struct {
	TransactionID string
	MessageType   MessageType
	SenderNonce   []byte
	// SignerCert is the requester's certificate (self-signed for initial
	// enrollment); CertRep payloads are encrypted to it.
	SignerCert *x509.Certificate

	p7 *pkcs7.PKCS7
}

// parsePKIMessage parses the outer SignedData, verifies its signature
// against the embedded signer certificate, and extracts the SCEP signed
// attributes.
func parsePKIMessage(raw []byte) (*pkiMessage, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing pkiMessage: %w", err)
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("verifying pkiMessage signature: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("pkiMessage carries no signer certificate")
	}

	msg := &pkiMessage{SignerCert: signer, p7: p7}
	if err := p7.UnmarshalSignedAttribute(oidTransactionID, &msg.TransactionID); err != nil {
		return nil, fmt.Errorf("reading transactionID attribute: %w", err)
	}
	var msgType string
	if err := p7.UnmarshalSignedAttribute(oidMessageType, &msgType); err != nil {
		return nil, fmt.Errorf("reading messageType attribute: %w", err)
	}
	msg.MessageType = MessageType(msgType)
	// Sender nonce is formally required but some clients omit it; its
	// absence only disables the recipientNonce echo.
	_ = p7.UnmarshalSignedAttribute(oidSenderNonce, &msg.SenderNonce)
	return msg, nil
}

// decryptPayload opens the pkcsPKIEnvelope addressed to the CA. The key
// must be able to decrypt RSA key transport, which is why SCEP CAs carry
// RSA keys.
func (m *pkiMessage) decryptPayload(caCert *x509.Certificate, key crypto.PrivateKey) ([]byte, error) {
	envelope, err := pkcs7.Parse(m.p7.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing pkcsPKIEnvelope: %w", err)
	}
	plain, err := envelope.Decrypt(caCert, key)
	if err != nil {
		return nil, fmt.Errorf("decrypting pkcsPKIEnvelope: %w", err)
	}
	return plain, nil
}

// certRep assembles a CertRep pkiMessage. On SUCCESS the payload (a
// degenerate certs-only or CRL-only SignedData) is enveloped to the
// requester's certificate; FAILURE and PENDING responses carry no content.
func certRep(msg *pkiMessage, status PKIStatus, failInfo FailInfo, payload []byte, caCert *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	var content []byte
	if status == StatusSuccess && len(payload) > 0 {
		enveloped, err := pkcs7.Encrypt(payload, []*x509.Certificate{msg.SignerCert})
		if err != nil {
			return nil, fmt.Errorf("encrypting CertRep payload: %w", err)
		}
		content = enveloped
	}

	senderNonce, err := util.RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}
	attrs := []pkcs7.Attribute{
		{Type: oidTransactionID, Value: msg.TransactionID},
		{Type: oidMessageType, Value: string(MsgCertRep)},
		{Type: oidPKIStatus, Value: string(status)},
		{Type: oidSenderNonce, Value: senderNonce},
	}
	if len(msg.SenderNonce) > 0 {
		attrs = append(attrs, pkcs7.Attribute{Type: oidRecipientNonce, Value: msg.SenderNonce})
	}
	if status == StatusFailure {
		attrs = append(attrs, pkcs7.Attribute{Type: oidFailInfo, Value: string(failInfo)})
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("assembling CertRep: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(caCert, signer, pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}); err != nil {
		return nil, fmt.Errorf("signing CertRep: %w", err)
	}
	return sd.Finish()
}

// ---------------------------------------------------------------------------
// CSR attributes
// ---------------------------------------------------------------------------

// RFC 2986 structures, declared here because crypto/x509 drops CSR
// attributes it does not recognize, and the challengePassword lives in one.
type pkcs10 struct {
	Raw       asn1.RawContent
	TBS       tbsPKCS10
	Algorithm pkix.AlgorithmIdentifier
	Signature asn1.BitString
}

type tbsPKCS10 struct {
	Raw        asn1.RawContent
	Version    int
	Subject    asn1.RawValue
	PublicKey  asn1.RawValue
	Attributes []pkcs10Attribute `asn1:"tag:0,set"`
}

type pkcs10Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// challengePassword extracts the PKCS#9 challengePassword attribute from a
// raw CSR. An absent attribute is an empty string, not an error.
func challengePassword(csrDER []byte) (string, error) {
	var req pkcs10
	if _, err := asn1.Unmarshal(csrDER, &req); err != nil {
		return "", fmt.Errorf("parsing CSR attributes: %w", err)
	}
	for _, attr := range req.TBS.Attributes {
		if !attr.Type.Equal(oidChallengePassword) || len(attr.Values) == 0 {
			continue
		}
		var pw string
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &pw); err != nil {
			return "", fmt.Errorf("decoding challengePassword: %w", err)
		}
		return pw, nil
	}
	return "", nil
}

// issuerAndSerial is the GetCert/GetCRL messageData (RFC 8894 §3.2.2.6).
type issuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

func parseIssuerAndSerial(der []byte) (*issuerAndSerial, error) {
	var ias issuerAndSerial
	if _, err := asn1.Unmarshal(der, &ias); err != nil {
		return nil, fmt.Errorf("parsing issuerAndSerialNumber: %w", err)
	}
	return &ias, nil
}

// ---------------------------------------------------------------------------
// Degenerate SignedData
// ---------------------------------------------------------------------------

// The pkcs7 package builds certs-only degenerate messages but has no CRL
// equivalent, so the GetCRL payload structure is assembled directly.
type degenerateSignedData struct {
	Version          int
	DigestAlgorithms []asn1.RawValue `asn1:"set"`
	ContentInfo      degenerateContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             []asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

type degenerateContentInfo struct {
	ContentType asn1.ObjectIdentifier
}

type signedDataWrapper struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// degenerateCRL wraps a DER CRL in a signerless SignedData, the SCEP
// GetCRL response payload.
func degenerateCRL(crlDER []byte) ([]byte, error) {
	inner := degenerateSignedData{
		Version:     1,
		ContentInfo: degenerateContentInfo{ContentType: oidData},
		CRLs:        []asn1.RawValue{{FullBytes: crlDER}},
	}
	innerDER, err := asn1.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("encoding CRL SignedData: %w", err)
	}
	outer := signedDataWrapper{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{FullBytes: innerDER},
	}
	der, err := asn1.Marshal(outer)
	if err != nil {
		return nil, fmt.Errorf("encoding CRL ContentInfo: %w", err)
	}
	return der, nil
}
