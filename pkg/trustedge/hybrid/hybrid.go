// Package hybrid implements the stateless single-shot hybrid envelope:
// a random session key AEAD-encrypts the payload, then that session key
// is asymmetrically wrapped to the recipient's public key. Grounded on
// _examples/original_source/crates/core/src/hybrid.rs.
package hybrid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	tecrypto "github.com/TrustEdge-Labs/trustedge-sub001/internal/crypto"
)

const (
	magic          = "TRHY"
	version        = 1
	aeadAes256Gcm  = 0
	nonceLen       = 12
)

// HybridEnvelope is the wire structure produced by SealForRecipient.
type HybridEnvelope struct {
	Magic                string
	Version              uint8
	RecipientKeyID       string
	EncryptedSessionKey  []byte
	EncryptedPayload     []byte
	Nonce                [nonceLen]byte
	Algorithm            uint8
}

// EncryptSymmetric AES-256-GCM-encrypts data under key with a fresh nonce
// and empty AAD.
func EncryptSymmetric(data []byte, key [32]byte) (ciphertext []byte, nonce [nonceLen]byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nil, nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext, err = tecrypto.Seal(key[:], nonce[:], nil, data)
	if err != nil {
		return nil, nonce, fmt.Errorf("symmetric encryption failed: %w", err)
	}
	return ciphertext, nonce, nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func DecryptSymmetric(ciphertext []byte, key [32]byte, nonce [nonceLen]byte) ([]byte, error) {
	plaintext, err := tecrypto.Open(key[:], nonce[:], nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("symmetric decryption failed: %w", err)
	}
	return plaintext, nil
}

// SealForRecipient generates a one-time session key, encrypts data with it,
// wraps the session key to recipientPub, and serializes the result.
func SealForRecipient(data []byte, recipientPub tecrypto.PublicKey) ([]byte, error) {
	var sessionKey [32]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	encryptedPayload, nonce, err := EncryptSymmetric(data, sessionKey)
	if err != nil {
		return nil, err
	}

	encryptedSessionKey, err := tecrypto.EncryptKeyAsymmetric(sessionKey, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("session key wrap failed: %w", err)
	}

	env := HybridEnvelope{
		Magic:               magic,
		Version:             version,
		RecipientKeyID:      recipientPub.ID(),
		EncryptedSessionKey: encryptedSessionKey,
		EncryptedPayload:    encryptedPayload,
		Nonce:               nonce,
		Algorithm:           aeadAes256Gcm,
	}
	return marshal(env), nil
}

// OpenEnvelope parses envelopeBytes, verifies magic/version, unwraps the
// session key with myPriv, and decrypts the payload. A wrong private key
// surfaces as an AEAD authentication failure, not a distinct error type.
func OpenEnvelope(envelopeBytes []byte, myPriv tecrypto.PrivateKey) ([]byte, error) {
	env, err := unmarshal(envelopeBytes)
	if err != nil {
		return nil, err
	}
	if env.Magic != magic {
		return nil, fmt.Errorf("invalid hybrid envelope magic")
	}
	if env.Version != version {
		return nil, fmt.Errorf("unsupported hybrid envelope version: %d", env.Version)
	}

	sessionKey, err := tecrypto.DecryptKeyAsymmetric(env.EncryptedSessionKey, myPriv)
	if err != nil {
		return nil, fmt.Errorf("session key unwrap failed: %w", err)
	}
	return DecryptSymmetric(env.EncryptedPayload, sessionKey, env.Nonce)
}

// marshal serializes a HybridEnvelope deterministically:
// magic(4) | version(1) | len(recipient_key_id)(2)+bytes |
// len(encrypted_session_key)(4)+bytes | len(encrypted_payload)(4)+bytes |
// nonce(12) | algorithm(1).
func marshal(env HybridEnvelope) []byte {
	out := make([]byte, 0, 4+1+2+len(env.RecipientKeyID)+4+len(env.EncryptedSessionKey)+4+len(env.EncryptedPayload)+nonceLen+1)
	out = append(out, []byte(env.Magic)...)
	out = append(out, env.Version)

	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(env.RecipientKeyID)))
	out = append(out, idLen...)
	out = append(out, []byte(env.RecipientKeyID)...)

	out = append(out, lengthPrefixed(env.EncryptedSessionKey)...)
	out = append(out, lengthPrefixed(env.EncryptedPayload)...)
	out = append(out, env.Nonce[:]...)
	out = append(out, env.Algorithm)
	return out
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}

func unmarshal(b []byte) (HybridEnvelope, error) {
	var env HybridEnvelope
	if len(b) < 4+1+2 {
		return env, fmt.Errorf("hybrid envelope truncated")
	}
	env.Magic = string(b[0:4])
	env.Version = b[4]
	idLen := int(binary.BigEndian.Uint16(b[5:7]))
	offset := 7

	if len(b) < offset+idLen {
		return env, fmt.Errorf("hybrid envelope truncated reading recipient key id")
	}
	env.RecipientKeyID = string(b[offset : offset+idLen])
	offset += idLen

	sessionKey, offset2, err := readLengthPrefixed(b, offset)
	if err != nil {
		return env, err
	}
	env.EncryptedSessionKey = sessionKey
	offset = offset2

	payload, offset3, err := readLengthPrefixed(b, offset)
	if err != nil {
		return env, err
	}
	env.EncryptedPayload = payload
	offset = offset3

	if len(b) < offset+nonceLen+1 {
		return env, fmt.Errorf("hybrid envelope truncated reading nonce/algorithm")
	}
	copy(env.Nonce[:], b[offset:offset+nonceLen])
	offset += nonceLen
	env.Algorithm = b[offset]

	return env, nil
}

func readLengthPrefixed(b []byte, offset int) ([]byte, int, error) {
	if len(b) < offset+4 {
		return nil, 0, fmt.Errorf("hybrid envelope truncated reading length prefix")
	}
	n := int(binary.BigEndian.Uint32(b[offset : offset+4]))
	offset += 4
	if len(b) < offset+n {
		return nil, 0, fmt.Errorf("hybrid envelope truncated reading field body")
	}
	return b[offset : offset+n], offset + n, nil
}
