package storage

import (
	"encoding/json"
	"fmt"

	"github.com/caforge/caforge/internal/util"
)

// keyEnvelopeVer is the current envelope format version. Bump on any change
// to the scheme or layout so old blobs stay decryptable.
const keyEnvelopeVer = 1

const keyEnvelopeScheme = "aes256gcm"

// KeyEnvelope is the serialized form of a wrapped CA private key as stored
// in the CA record. The ciphertext is the PKCS#8 DER of the key, sealed
// under the master key with the CA ref bound as associated data so an
// envelope copied between CA rows will not decrypt.
type KeyEnvelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func keyAAD(caRef string) []byte {
	return []byte("caforge/ca-key/" + caRef)
}

// SealKey wraps keyDER under masterKey and returns the JSON envelope to
// store on the CA record.
func SealKey(masterKey, keyDER []byte, caRef string) ([]byte, error) {
	sealed, err := util.EncryptAESWithAAD(keyDER, masterKey, keyAAD(caRef))
	if err != nil {
		return nil, fmt.Errorf("sealing CA key: %w", err)
	}
	env := KeyEnvelope{
		Ver:        keyEnvelopeVer,
		Scheme:     keyEnvelopeScheme,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}
	return json.Marshal(env)
}

// OpenKey unwraps a JSON envelope produced by SealKey and returns the PKCS#8
// DER of the CA private key. The caller owns the returned slice and should
// wipe it as soon as the key has been parsed.
func OpenKey(masterKey, blob []byte, caRef string) ([]byte, error) {
	var env KeyEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("parsing key envelope: %w", err)
	}
	if env.Ver != keyEnvelopeVer {
		return nil, fmt.Errorf("unsupported key envelope version %d", env.Ver)
	}
	if env.Scheme != keyEnvelopeScheme {
		return nil, fmt.Errorf("unsupported key envelope scheme %q", env.Scheme)
	}
	sealed := make([]byte, 0, len(env.Nonce)+len(env.Ciphertext))
	sealed = append(sealed, env.Nonce...)
	sealed = append(sealed, env.Ciphertext...)
	keyDER, err := util.DecryptAESWithAAD(sealed, masterKey, keyAAD(caRef))
	if err != nil {
		return nil, fmt.Errorf("opening key envelope: %w", err)
	}
	return keyDER, nil
}
