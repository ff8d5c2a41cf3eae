package hybrid

import (
	"bytes"
	"testing"

	tecrypto "github.com/TrustEdge-Labs/trustedge-sub001/internal/crypto"
)

// TestSealForRecipientRSARoundTrip checks the RSA-OAEP key-wrap path.
func TestSealForRecipientRSARoundTrip(t *testing.T) {
	kp, err := tecrypto.GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA() failed: %v", err)
	}

	payload := []byte("hybrid envelope payload over RSA")
	envelopeBytes, err := SealForRecipient(payload, kp.Public)
	if err != nil {
		t.Fatalf("SealForRecipient() failed: %v", err)
	}

	out, err := OpenEnvelope(envelopeBytes, kp.Private)
	if err != nil {
		t.Fatalf("OpenEnvelope() failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("OpenEnvelope() = %q, want %q", out, payload)
	}
}

// TestSealForRecipientX25519RoundTrip checks the X25519-ECDH key-wrap path.
func TestSealForRecipientX25519RoundTrip(t *testing.T) {
	kp, err := tecrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}
	recipientPub := tecrypto.PublicKey{Algorithm: tecrypto.AlgX25519, KeyBytes: kp.PublicKey[:]}
	recipientPriv := tecrypto.PrivateKey{Algorithm: tecrypto.AlgX25519, KeyBytes: kp.PrivateKey[:]}

	payload := []byte("hybrid envelope payload over X25519")
	envelopeBytes, err := SealForRecipient(payload, recipientPub)
	if err != nil {
		t.Fatalf("SealForRecipient() failed: %v", err)
	}

	out, err := OpenEnvelope(envelopeBytes, recipientPriv)
	if err != nil {
		t.Fatalf("OpenEnvelope() failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("OpenEnvelope() = %q, want %q", out, payload)
	}
}

// TestOpenEnvelopeRejectsWrongKey checks that an unrelated recipient cannot
// open the envelope.
func TestOpenEnvelopeRejectsWrongKey(t *testing.T) {
	recipient, err := tecrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}
	eve, err := tecrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}

	recipientPub := tecrypto.PublicKey{Algorithm: tecrypto.AlgX25519, KeyBytes: recipient.PublicKey[:]}
	evePriv := tecrypto.PrivateKey{Algorithm: tecrypto.AlgX25519, KeyBytes: eve.PrivateKey[:]}

	envelopeBytes, err := SealForRecipient([]byte("secret"), recipientPub)
	if err != nil {
		t.Fatalf("SealForRecipient() failed: %v", err)
	}

	if _, err := OpenEnvelope(envelopeBytes, evePriv); err == nil {
		t.Error("OpenEnvelope() succeeded with an unrelated private key, want error")
	}
}

// TestOpenEnvelopeRejectsBadMagic checks the wire-format header is validated.
func TestOpenEnvelopeRejectsBadMagic(t *testing.T) {
	kp, err := tecrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}
	recipientPub := tecrypto.PublicKey{Algorithm: tecrypto.AlgX25519, KeyBytes: kp.PublicKey[:]}
	recipientPriv := tecrypto.PrivateKey{Algorithm: tecrypto.AlgX25519, KeyBytes: kp.PrivateKey[:]}

	envelopeBytes, err := SealForRecipient([]byte("data"), recipientPub)
	if err != nil {
		t.Fatalf("SealForRecipient() failed: %v", err)
	}
	corrupted := append([]byte(nil), envelopeBytes...)
	corrupted[0] ^= 0xFF

	if _, err := OpenEnvelope(corrupted, recipientPriv); err == nil {
		t.Error("OpenEnvelope() succeeded with a corrupted magic, want error")
	}
}

// TestEncryptDecryptSymmetric checks the underlying AEAD helper round-trips.
func TestEncryptDecryptSymmetric(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("symmetric round trip")

	ciphertext, nonce, err := EncryptSymmetric(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptSymmetric() failed: %v", err)
	}
	out, err := DecryptSymmetric(ciphertext, key, nonce)
	if err != nil {
		t.Fatalf("DecryptSymmetric() failed: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Errorf("DecryptSymmetric() = %q, want %q", out, plaintext)
	}
}
