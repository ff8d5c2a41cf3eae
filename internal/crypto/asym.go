package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// AsymmetricAlgorithm identifies the algorithm backing a PublicKey/PrivateKey pair.
type AsymmetricAlgorithm int

const (
	AlgUnspecified AsymmetricAlgorithm = iota
	AlgEd25519
	AlgEcdsaP256
	AlgRsa2048
	AlgRsa4096
	AlgX25519
)

func (a AsymmetricAlgorithm) String() string {
	switch a {
	case AlgEd25519:
		return "ed25519"
	case AlgEcdsaP256:
		return "ecdsa-p256"
	case AlgRsa2048:
		return "rsa2048"
	case AlgRsa4096:
		return "rsa4096"
	case AlgX25519:
		return "x25519"
	default:
		return "unspecified"
	}
}

// PublicKey is an algorithm-tagged public key, generalizing over whichever
// asymmetric scheme a backend exposes. Mirrors the original TrustEdge
// asymmetric.rs PublicKey type.
type PublicKey struct {
	Algorithm AsymmetricAlgorithm
	KeyBytes  []byte
	KeyID     string
}

// PrivateKey is an algorithm-tagged private key. Never serialized in logs.
type PrivateKey struct {
	Algorithm AsymmetricAlgorithm
	KeyBytes  []byte
	KeyID     string
}

// KeyPair bundles a public and private half generated together.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// ID returns the key's identifier, deriving one from a BLAKE3 hash of the
// key bytes when none was assigned explicitly.
func (p PublicKey) ID() string {
	if p.KeyID != "" {
		return p.KeyID
	}
	h := blake3.Sum256(p.KeyBytes)
	return hex.EncodeToString(h[:16])
}

// ID returns the key's identifier, same derivation as PublicKey.ID.
func (p PrivateKey) ID() string {
	if p.KeyID != "" {
		return p.KeyID
	}
	h := blake3.Sum256(p.KeyBytes)
	return hex.EncodeToString(h[:16])
}

// Zero overwrites the private key bytes in place. Go has no destructor
// hook equivalent to Rust's zeroize-on-drop; callers must call this
// explicitly once the key is no longer needed.
func (p *PrivateKey) Zero() {
	for i := range p.KeyBytes {
		p.KeyBytes[i] = 0
	}
}

// GenerateRSA generates an RSA key pair of the given bit size (2048 or 4096).
func GenerateRSA(bits int) (*KeyPair, error) {
	var alg AsymmetricAlgorithm
	switch bits {
	case 2048:
		alg = AlgRsa2048
	case 4096:
		alg = AlgRsa4096
	default:
		return nil, fmt.Errorf("unsupported RSA key size: %d", bits)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode RSA private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode RSA public key: %w", err)
	}

	return &KeyPair{
		Public:  PublicKey{Algorithm: alg, KeyBytes: pubDER},
		Private: PrivateKey{Algorithm: alg, KeyBytes: privDER},
	}, nil
}

// GenerateECDSAP256 generates a P-256 ECDSA key pair.
func GenerateECDSAP256() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA P-256 key: %w", err)
	}

	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ECDSA private key: %w", err)
	}
	pubBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	return &KeyPair{
		Public:  PublicKey{Algorithm: AlgEcdsaP256, KeyBytes: pubBytes},
		Private: PrivateKey{Algorithm: AlgEcdsaP256, KeyBytes: privDER},
	}, nil
}

// x25519WrapInfo domain-separates the HKDF expansion used for hybrid
// envelope session-key wrapping, distinct from the envelope package's
// per-chunk key schedule.
const x25519WrapInfo = "trustedge-x25519-keywrap"

// EncryptKeyAsymmetric wraps a 32-byte session key to recipientPub. RSA
// keys use OAEP with SHA-256. X25519 keys use an ephemeral ECDH exchange
// followed by HKDF-SHA256 and AES-256-GCM, with the ephemeral public key
// and nonce prefixed to the ciphertext (implementer's choice per spec §4.9
// for non-RSA recipients). Other algorithms are rejected.
func EncryptKeyAsymmetric(sessionKey [32]byte, recipientPub PublicKey) ([]byte, error) {
	switch recipientPub.Algorithm {
	case AlgRsa2048, AlgRsa4096:
		pub, err := x509.ParsePKIXPublicKey(recipientPub.KeyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, sessionKey[:], nil)
	case AlgX25519:
		if len(recipientPub.KeyBytes) != 32 {
			return nil, fmt.Errorf("X25519 public key must be 32 bytes")
		}
		var recipientKey [32]byte
		copy(recipientKey[:], recipientPub.KeyBytes)

		ephemeral, err := GenerateX25519()
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral X25519 key: %w", err)
		}
		shared, err := X25519Exchange(&ephemeral.PrivateKey, &recipientKey)
		if err != nil {
			return nil, fmt.Errorf("X25519 key wrap exchange failed: %w", err)
		}
		wrapKey, err := deriveWrapKey(shared[:])
		if err != nil {
			return nil, err
		}
		var nonce [12]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate key-wrap nonce: %w", err)
		}
		ciphertext, err := Seal(wrapKey[:], nonce[:], nil, sessionKey[:])
		if err != nil {
			return nil, fmt.Errorf("X25519 key wrap failed: %w", err)
		}

		out := make([]byte, 0, 32+12+len(ciphertext))
		out = append(out, ephemeral.PublicKey[:]...)
		out = append(out, nonce[:]...)
		out = append(out, ciphertext...)
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm for key wrap: %s", recipientPub.Algorithm)
	}
}

// DecryptKeyAsymmetric unwraps a session key previously wrapped with EncryptKeyAsymmetric.
func DecryptKeyAsymmetric(encryptedKey []byte, myPriv PrivateKey) ([32]byte, error) {
	var out [32]byte
	switch myPriv.Algorithm {
	case AlgRsa2048, AlgRsa4096:
		priv, err := x509.ParsePKCS8PrivateKey(myPriv.KeyBytes)
		if err != nil {
			return out, fmt.Errorf("invalid RSA private key: %w", err)
		}
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return out, fmt.Errorf("key is not an RSA private key")
		}
		plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaPriv, encryptedKey, nil)
		if err != nil {
			return out, fmt.Errorf("RSA key unwrap failed: %w", err)
		}
		if len(plaintext) != 32 {
			return out, fmt.Errorf("unwrapped session key has invalid length: %d", len(plaintext))
		}
		copy(out[:], plaintext)
		return out, nil
	case AlgX25519:
		if len(encryptedKey) < 32+12 {
			return out, fmt.Errorf("wrapped X25519 key is too short")
		}
		if len(myPriv.KeyBytes) != 32 {
			return out, fmt.Errorf("X25519 private key must be 32 bytes")
		}
		var ephemeralPub, myKey [32]byte
		copy(ephemeralPub[:], encryptedKey[0:32])
		nonce := encryptedKey[32:44]
		ciphertext := encryptedKey[44:]
		copy(myKey[:], myPriv.KeyBytes)

		shared, err := X25519Exchange(&myKey, &ephemeralPub)
		if err != nil {
			return out, fmt.Errorf("X25519 key unwrap exchange failed: %w", err)
		}
		wrapKey, err := deriveWrapKey(shared[:])
		if err != nil {
			return out, err
		}
		plaintext, err := Open(wrapKey[:], nonce, nil, ciphertext)
		if err != nil {
			return out, fmt.Errorf("X25519 key unwrap failed: %w", err)
		}
		if len(plaintext) != 32 {
			return out, fmt.Errorf("unwrapped session key has invalid length: %d", len(plaintext))
		}
		copy(out[:], plaintext)
		return out, nil
	default:
		return out, fmt.Errorf("unsupported algorithm for key unwrap: %s", myPriv.Algorithm)
	}
}

func deriveWrapKey(sharedSecret []byte) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(x25519WrapInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("HKDF key-wrap derivation failed: %w", err)
	}
	return out, nil
}

// Ed25519ToAsymmetric converts a teacher-style Ed25519KeyPair into the
// generalized PublicKey/PrivateKey representation used by the backend layer.
func Ed25519ToAsymmetric(kp *Ed25519KeyPair) KeyPair {
	return KeyPair{
		Public:  PublicKey{Algorithm: AlgEd25519, KeyBytes: append(ed25519.PublicKey(nil), kp.PublicKey...)},
		Private: PrivateKey{Algorithm: AlgEd25519, KeyBytes: append(ed25519.PrivateKey(nil), kp.PrivateKey...)},
	}
}
