// Package attest implements signed attestation records: a canonical JSON
// body over a subject description, signed through the capability-typed
// backend dispatch (OpSign) rather than tied to any one key type or
// hardware token. Grounded on
// _examples/original_source/trustedge-core/src/backends/yubikey.rs's
// hardware_attest/generate_certificate pattern (canonical bytes, then a
// real signature), generalized to a backend-agnostic record instead of a
// certificate, per the lib.rs attestation re-exports that named the
// subsystem without retrieving its implementation.
package attest

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/backend"
)

// Record is a signed claim binding a subject description to a public key
// at a point in time.
type Record struct {
	Subject   string `json:"subject"`
	KeyID     string `json:"key_id"`
	Challenge []byte `json:"challenge"`
	CreatedAt int64  `json:"created_at"`
	Signature []byte `json:"signature"`
	Pubkey    []byte `json:"pubkey"`
}

// canonicalBody builds the exact bytes that get signed: field order fixed,
// signature excluded, mirroring the manifest package's canonicalization
// discipline.
func canonicalBody(subject, keyID string, challenge []byte, createdAt int64) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "subject=%s\n", subject)
	fmt.Fprintf(&buf, "key_id=%s\n", keyID)
	fmt.Fprintf(&buf, "challenge=%x\n", challenge)
	fmt.Fprintf(&buf, "created_at=%d\n", createdAt)
	return buf.Bytes()
}

// Create signs a Record over (subject, keyID, challenge, createdAt) using
// backendName's OpSign operation, dispatched through reg.
func Create(reg *backend.Registry, backendName, keyID, subject string, challenge []byte, createdAt int64) (*Record, error) {
	b, ok := reg.Get(backendName)
	if !ok {
		return nil, fmt.Errorf("attest: backend %q is not registered", backendName)
	}

	body := canonicalBody(subject, keyID, challenge, createdAt)

	pubResult, backendErr := b.PerformOperation(keyID, backend.CryptoOperation{Kind: backend.OpGetPublicKey})
	if backendErr != nil {
		return nil, fmt.Errorf("attest: failed to fetch public key for %q: %s", keyID, backendErr.Message)
	}

	signResult, backendErr := b.PerformOperation(keyID, backend.CryptoOperation{
		Kind:    backend.OpSign,
		Message: body,
	})
	if backendErr != nil {
		return nil, fmt.Errorf("attest: signing failed for %q: %s", keyID, backendErr.Message)
	}

	return &Record{
		Subject:   subject,
		KeyID:     keyID,
		Challenge: challenge,
		CreatedAt: createdAt,
		Signature: signResult.Signed,
		Pubkey:    pubResult.PublicKey,
	}, nil
}

// Verify checks r's signature against its embedded public key. Callers
// that require the key to belong to a specific identity should compare
// r.Pubkey against a registry lookup themselves; Verify only checks
// internal consistency of the record.
func (r *Record) Verify() bool {
	if len(r.Pubkey) != ed25519.PublicKeySize {
		return false
	}
	body := canonicalBody(r.Subject, r.KeyID, r.Challenge, r.CreatedAt)
	return ed25519.Verify(r.Pubkey, body, r.Signature)
}

// VerifyAgainstKey checks r's signature and that the embedded public key
// matches expectedPubkey exactly, binding the attestation to a known
// identity rather than trusting whatever key the record carries.
func (r *Record) VerifyAgainstKey(expectedPubkey ed25519.PublicKey) bool {
	if !bytes.Equal(r.Pubkey, expectedPubkey) {
		return false
	}
	return r.Verify()
}
