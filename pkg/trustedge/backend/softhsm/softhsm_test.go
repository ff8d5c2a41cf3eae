package softhsm

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/backend"
)

// genKey generates a key of the given algorithm and returns its key id.
func genKey(t *testing.T, b *Backend, alg backend.AsymmetricAlgorithm) string {
	t.Helper()
	res, err := b.PerformOperation("", backend.CryptoOperation{
		Kind:                backend.OpGenerateKeyPair,
		AsymmetricAlgorithm: alg,
	})
	if err != nil {
		t.Fatalf("GenerateKeyPair(%v) failed: %v", alg, err)
	}
	// KeyPairPrivateID doubles as the key id this backend files keys under.
	return hex.EncodeToString(res.KeyPairPrivateID[:])
}

// signAndVerify round-trips a Sign/Verify pair through PerformOperation for
// the given key and signature algorithm, failing the test if either the
// declared SupportsOperation answer or the round trip itself disagrees.
func signAndVerify(t *testing.T, b *Backend, keyID string, sigAlg backend.SignatureAlgorithm) {
	t.Helper()
	msg := []byte("the quick brown fox jumps over the lazy dog")

	signOp := backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: sigAlg, Message: msg}
	if !b.SupportsOperation(signOp) {
		t.Fatalf("SupportsOperation(Sign, %v) = false, want true", sigAlg)
	}
	signed, err := b.PerformOperation(keyID, signOp)
	if err != nil {
		t.Fatalf("Sign(%v) failed: %v", sigAlg, err)
	}

	verifyOp := backend.CryptoOperation{Kind: backend.OpVerify, SignatureAlgorithm: sigAlg, Message: msg, Signature: signed.Signed}
	if !b.SupportsOperation(verifyOp) {
		t.Fatalf("SupportsOperation(Verify, %v) = false, want true", sigAlg)
	}
	verified, err := b.PerformOperation(keyID, verifyOp)
	if err != nil {
		t.Fatalf("Verify(%v) failed: %v", sigAlg, err)
	}
	if !verified.Verified {
		t.Fatalf("Verify(%v) = false, want true for a freshly produced signature", sigAlg)
	}

	// A tampered message must fail verification, not error out.
	tamperedOp := verifyOp
	tamperedOp.Message = []byte("the quick brown fox jumps over the lazy cat")
	tampered, err := b.PerformOperation(keyID, tamperedOp)
	if err != nil {
		t.Fatalf("Verify(%v) on tampered message returned an error: %v", sigAlg, err)
	}
	if tampered.Verified {
		t.Fatalf("Verify(%v) on tampered message = true, want false", sigAlg)
	}
}

func TestSignVerifyEd25519(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	keyID := genKey(t, b, backend.Ed25519)
	signAndVerify(t, b, keyID, backend.SigEd25519)
}

func TestSignVerifyEcdsaP256(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	keyID := genKey(t, b, backend.EcdsaP256)
	signAndVerify(t, b, keyID, backend.SigEcdsaP256)
}

func TestSignVerifyRsaPkcs1v15(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	keyID := genKey(t, b, backend.Rsa2048)
	signAndVerify(t, b, keyID, backend.SigRsaPkcs1v15)
}

func TestSignVerifyRsaPss(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	keyID := genKey(t, b, backend.Rsa2048)
	signAndVerify(t, b, keyID, backend.SigRsaPss)
}

// TestSignHonorsRequestedAlgorithm checks that requesting RSA-PKCS1v15 does
// not silently return a PSS signature (or vice versa): a signature
// produced for one scheme must fail verification under the other.
func TestSignHonorsRequestedAlgorithm(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	keyID := genKey(t, b, backend.Rsa2048)
	msg := []byte("payload")

	pkcs1Sig, err := b.PerformOperation(keyID, backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: backend.SigRsaPkcs1v15, Message: msg})
	if err != nil {
		t.Fatalf("Sign(RsaPkcs1v15) failed: %v", err)
	}

	res, err := b.PerformOperation(keyID, backend.CryptoOperation{Kind: backend.OpVerify, SignatureAlgorithm: backend.SigRsaPss, Message: msg, Signature: pkcs1Sig.Signed})
	if err != nil {
		t.Fatalf("Verify(RsaPss) on a PKCS1v15 signature returned an error: %v", err)
	}
	if res.Verified {
		t.Fatal("a PKCS1v15 signature verified successfully as PSS; Sign is not honoring op.SignatureAlgorithm")
	}
}

// TestSupportsOperationNeverLies is the universal property from spec §8:
// for every (op, algorithm) pair SupportsOperation admits, PerformOperation
// must not return UnsupportedOperation.
func TestSupportsOperationNeverLies(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	edID := genKey(t, b, backend.Ed25519)
	ecID := genKey(t, b, backend.EcdsaP256)
	rsaID := genKey(t, b, backend.Rsa2048)

	cases := []struct {
		name  string
		keyID string
		op    backend.CryptoOperation
	}{
		{"sign-ed25519", edID, backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: backend.SigEd25519, Message: []byte("m")}},
		{"verify-ed25519", edID, backend.CryptoOperation{Kind: backend.OpVerify, SignatureAlgorithm: backend.SigEd25519, Message: []byte("m"), Signature: []byte("bogus")}},
		{"sign-ecdsa", ecID, backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: backend.SigEcdsaP256, Message: []byte("m")}},
		{"verify-ecdsa", ecID, backend.CryptoOperation{Kind: backend.OpVerify, SignatureAlgorithm: backend.SigEcdsaP256, Message: []byte("m"), Signature: []byte("bogus")}},
		{"sign-rsa-pkcs1", rsaID, backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: backend.SigRsaPkcs1v15, Message: []byte("m")}},
		{"sign-rsa-pss", rsaID, backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: backend.SigRsaPss, Message: []byte("m")}},
		{"hash-sha256", "", backend.CryptoOperation{Kind: backend.OpHash, HashAlgorithm: backend.Sha256, HashInput: []byte("m")}},
		{"derive-key", rsaID, backend.CryptoOperation{Kind: backend.OpDeriveKey}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if !b.SupportsOperation(c.op) {
				t.Fatalf("SupportsOperation(%s) = false, want true", c.name)
			}
			_, err := b.PerformOperation(c.keyID, c.op)
			if err != nil && err.Kind == backend.UnsupportedOperation {
				t.Fatalf("PerformOperation(%s) returned UnsupportedOperation despite SupportsOperation saying true", c.name)
			}
		})
	}
}

// TestSupportsOperationRejectsUnknownSignatureAlgorithm checks the negative
// side: an out-of-range SignatureAlgorithm is refused by SupportsOperation
// rather than silently accepted.
func TestSupportsOperationRejectsUnknownSignatureAlgorithm(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	op := backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: backend.SignatureAlgorithm(99)}
	if b.SupportsOperation(op) {
		t.Fatal("SupportsOperation reported true for an unrecognized SignatureAlgorithm")
	}
}

// TestSignKeyAlgorithmMismatchIsOperationFailed checks that requesting a
// signature algorithm incompatible with the stored key returns a runtime
// OperationFailed, never UnsupportedOperation (since SupportsOperation
// already said the algorithm itself is supported).
func TestSignKeyAlgorithmMismatchIsOperationFailed(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	edID := genKey(t, b, backend.Ed25519)

	_, perr := b.PerformOperation(edID, backend.CryptoOperation{Kind: backend.OpSign, SignatureAlgorithm: backend.SigEcdsaP256, Message: []byte("m")})
	if perr == nil {
		t.Fatal("expected an error signing an Ed25519 key with SigEcdsaP256")
	}
	if perr.Kind != backend.OperationFailed {
		t.Fatalf("expected OperationFailed for key/algorithm mismatch, got %v", perr.Kind)
	}
}

func TestGenerateKeyPairPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	b1, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	keyID := genKey(t, b1, backend.Ed25519)

	b2, err := New(dir)
	if err != nil {
		t.Fatalf("re-New() failed: %v", err)
	}
	keys, kerr := b2.ListKeys()
	if kerr != nil {
		t.Fatalf("ListKeys() failed: %v", kerr)
	}
	if len(keys) != 1 {
		t.Fatalf("len(ListKeys()) = %d, want 1 after reopening", len(keys))
	}
	signAndVerify(t, b2, keyID, backend.SigEd25519)
}
