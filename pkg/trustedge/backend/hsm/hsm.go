// Package hsm implements the PKCS#11 hardware-token backend (spec §4.4).
// Grounded on
// _examples/original_source/trustedge-core/src/backends/yubikey.rs:
// module load -> slot discovery -> session open -> optional PIN login,
// a process-wide mutex serializing all token operations, and the mock
// certificate issuance side-channel (generate_certificate).
package hsm

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/ratelimit"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/backend"
	p11 "github.com/miekg/pkcs11"
)

// Config mirrors the original YubiKeyConfig.
type Config struct {
	ModulePath string // path to the vendor PKCS#11 .so module
	PIN        string // optional
	Slot       *uint  // nil = auto-select first slot with a token
	Verbose    bool
}

func DefaultConfig() Config {
	return Config{ModulePath: "/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so"}
}

// globalLock serializes every cryptographic call across all hardware
// backend instances in the process, since the physical token is the
// shared resource (spec §5/§9: "do not attempt to multiplex").
var globalLock sync.Mutex

// admission rate-limits calls into the token (4 per second, burst 4),
// reusing the teacher's own token-bucket rate limiter rather than a
// stdlib substitute (SPEC_FULL.md §3 domain-stack table). A call that
// finds no token available is rejected, not queued.
var admission = ratelimit.NewTokenBucket(4, 4)

// Backend is a PKCS#11-backed hardware token.
type Backend struct {
	cfg     Config
	ctx     *p11.Ctx
	session p11.SessionHandle
	slot    uint
}

// New loads the PKCS#11 module, opens a session, and logs in if a PIN is configured.
func New(cfg Config) (*Backend, error) {
	ctx := p11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("failed to list PKCS#11 slots: %w", err)
	}
	if len(slots) == 0 {
		ctx.Destroy()
		return nil, fmt.Errorf("no hardware token detected")
	}

	slot := slots[0]
	if cfg.Slot != nil {
		found := false
		for _, s := range slots {
			if s == *cfg.Slot {
				found = true
				break
			}
		}
		if !found {
			ctx.Destroy()
			return nil, fmt.Errorf("specified slot %d not found", *cfg.Slot)
		}
		slot = *cfg.Slot
	}

	session, err := ctx.OpenSession(slot, p11.CKF_SERIAL_SESSION|p11.CKF_RW_SESSION)
	if err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("failed to open PKCS#11 session: %w", err)
	}

	if cfg.PIN != "" {
		if err := ctx.Login(session, p11.CKU_USER, cfg.PIN); err != nil {
			ctx.CloseSession(session)
			ctx.Destroy()
			return nil, fmt.Errorf("PKCS#11 login failed (PIN): %w", err)
		}
	}

	return &Backend{cfg: cfg, ctx: ctx, session: session, slot: slot}, nil
}

// Close releases the PKCS#11 session and module.
func (b *Backend) Close() {
	globalLock.Lock()
	defer globalLock.Unlock()
	_ = b.ctx.Logout(b.session)
	b.ctx.CloseSession(b.session)
	b.ctx.Destroy()
}

// BackendInfo implements backend.Backend.
func (b *Backend) BackendInfo() backend.BackendInfo {
	return backend.BackendInfo{
		Name:               "pkcs11-hardware-token",
		Description:        "Session-bound signing on an external PKCS#11 token",
		Version:            "1.0.0",
		Available:          true,
		RequiredConfigKeys: []string{"module_path"},
	}
}

// GetCapabilities implements backend.Backend. Ed25519 is explicitly
// unsupported: PKCS#11 tokens in the field overwhelmingly expose
// ECDSA/RSA, not Ed25519 (spec §4.4).
func (b *Backend) GetCapabilities() backend.BackendCapabilities {
	return backend.BackendCapabilities{
		SupportedSignature: []backend.SignatureAlgorithm{backend.SigEcdsaP256, backend.SigRsaPkcs1v15, backend.SigRsaPss},
		SupportedHash:       []backend.HashAlgorithm{backend.Sha256, backend.Sha384, backend.Sha512},
		HardwareBacked:      true,
		SupportsAttestation: true,
	}
}

// SupportsOperation implements backend.Backend.
func (b *Backend) SupportsOperation(op backend.CryptoOperation) bool {
	switch op.Kind {
	case backend.OpSign:
		return op.SignatureAlgorithm == backend.SigEcdsaP256 || op.SignatureAlgorithm == backend.SigRsaPkcs1v15 || op.SignatureAlgorithm == backend.SigRsaPss
	case backend.OpHash:
		return op.HashAlgorithm == backend.Sha256 || op.HashAlgorithm == backend.Sha384 || op.HashAlgorithm == backend.Sha512
	case backend.OpGetPublicKey, backend.OpAttest:
		return true
	default:
		return false
	}
}

// ListKeys implements backend.Backend: key provisioning is out of band for
// hardware tokens (spec §4.4).
func (b *Backend) ListKeys() ([]backend.KeyMetadata, *backend.Error) { return nil, nil }

// PerformOperation implements backend.Backend. Every call is serialized
// behind globalLock, admitted through the rate limiter first: a call that
// finds no admission token returns OperationFailed at once, without waiting.
func (b *Backend) PerformOperation(keyID string, op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	if !admission.Allow(1) {
		return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "hardware token admission queue full, retry")
	}
	globalLock.Lock()
	defer globalLock.Unlock()

	switch op.Kind {
	case backend.OpSign:
		if op.SignatureAlgorithm == backend.SigEd25519 {
			return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "hardware token does not support Ed25519")
		}
		return b.sign(keyID, op)
	case backend.OpGetPublicKey:
		return b.getPublicKey(keyID)
	case backend.OpAttest:
		return b.attest(op)
	case backend.OpHash:
		return hashOperation(op)
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "unsupported operation for hardware backend")
	}
}

func (b *Backend) findPrivateKey(keyID string) (p11.ObjectHandle, error) {
	tmpl := []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PRIVATE_KEY),
		p11.NewAttribute(p11.CKA_ID, []byte(keyID)),
	}
	if err := b.ctx.FindObjectsInit(b.session, tmpl); err != nil {
		return 0, err
	}
	defer b.ctx.FindObjectsFinal(b.session)
	objs, _, err := b.ctx.FindObjects(b.session, 1)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("key not found: %s", keyID)
	}
	return objs[0], nil
}

func (b *Backend) sign(keyID string, op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	handle, err := b.findPrivateKey(keyID)
	if err != nil {
		return backend.CryptoResult{}, backend.NewError(backend.KeyNotFound, err.Error())
	}

	var mechanism uint
	switch op.SignatureAlgorithm {
	case backend.SigEcdsaP256:
		mechanism = p11.CKM_ECDSA
	case backend.SigRsaPkcs1v15:
		mechanism = p11.CKM_RSA_PKCS
	case backend.SigRsaPss:
		mechanism = p11.CKM_RSA_PKCS_PSS
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "unsupported signature algorithm")
	}

	if err := b.ctx.SignInit(b.session, []*p11.Mechanism{p11.NewMechanism(mechanism, nil)}, handle); err != nil {
		return backend.CryptoResult{}, classifyHardwareError(err)
	}
	digest := sha256.Sum256(op.Message)
	sig, err := b.ctx.Sign(b.session, digest[:])
	if err != nil {
		return backend.CryptoResult{}, classifyHardwareError(err)
	}
	return backend.CryptoResult{Kind: backend.ResSigned, Signed: sig}, nil
}

func (b *Backend) getPublicKey(keyID string) (backend.CryptoResult, *backend.Error) {
	tmpl := []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PUBLIC_KEY),
		p11.NewAttribute(p11.CKA_ID, []byte(keyID)),
	}
	if err := b.ctx.FindObjectsInit(b.session, tmpl); err != nil {
		return backend.CryptoResult{}, classifyHardwareError(err)
	}
	defer b.ctx.FindObjectsFinal(b.session)
	objs, _, err := b.ctx.FindObjects(b.session, 1)
	if err != nil {
		return backend.CryptoResult{}, classifyHardwareError(err)
	}
	if len(objs) == 0 {
		return backend.CryptoResult{}, backend.NewError(backend.KeyNotFound, "public key not found: "+keyID)
	}
	attrs, err := b.ctx.GetAttributeValue(b.session, objs[0], []*p11.Attribute{
		p11.NewAttribute(p11.CKA_EC_POINT, nil),
	})
	if err != nil || len(attrs) == 0 {
		return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "failed to read public key attributes")
	}
	return backend.CryptoResult{Kind: backend.ResPublicKey, PublicKey: attrs[0].Value}, nil
}

// attest is a placeholder per spec §4.4: SHA-256 over
// "yubikey-attestation:" ‖ challenge.
func (b *Backend) attest(op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	h := sha256.Sum256(append([]byte("yubikey-attestation:"), op.Challenge...))
	return backend.CryptoResult{Kind: backend.ResAttestationProof, AttestationProof: h[:]}, nil
}

func hashOperation(op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	switch op.HashAlgorithm {
	case backend.Sha256:
		h := sha256.Sum256(op.HashInput)
		return backend.CryptoResult{Kind: backend.ResHash, Hash: h[:]}, nil
	case backend.Sha384:
		h := sha512.Sum384(op.HashInput)
		return backend.CryptoResult{Kind: backend.ResHash, Hash: h[:]}, nil
	case backend.Sha512:
		h := sha512.Sum512(op.HashInput)
		return backend.CryptoResult{Kind: backend.ResHash, Hash: h[:]}, nil
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "unsupported hash algorithm")
	}
}

func classifyHardwareError(err error) *backend.Error {
	msg := err.Error()
	if pErr, ok := err.(p11.Error); ok && uint(pErr) == p11.CKR_PIN_INCORRECT {
		return backend.NewError(backend.HardwareError, "incorrect PIN: "+msg)
	}
	return backend.Wrap(backend.HardwareError, "PKCS#11 operation failed", err)
}

// mockCertificate holds generate_certificate's TBS fields (spec §4.4:
// "DER bytes of a mock X.509 certificate"). The signed TBS bytes are their
// JSON encoding; only the outer wrapper is ASN.1/DER. It is intentionally
// minimal: callers needing a compliant X.509 chain must post-process this
// with a real CA, which is explicitly out of scope (spec Non-goals).
type mockCertificate struct {
	Subject   pkix.Name
	PublicKey []byte
	NotBefore time.Time
	Signature []byte
}

// GenerateCertificate issues a mock certificate whose TBS carries the
// token's raw public key bytes and whose signature is a real hardware
// signature over the canonical TBS bytes (spec §4.4, a separate method,
// not routed through PerformOperation).
func (b *Backend) GenerateCertificate(keyID, subjectCN string) ([]byte, error) {
	pubRes, bErr := b.PerformOperation(keyID, backend.CryptoOperation{Kind: backend.OpGetPublicKey})
	if bErr != nil {
		return nil, bErr
	}

	tbs := mockCertificate{
		Subject:   pkix.Name{CommonName: subjectCN},
		PublicKey: pubRes.PublicKey,
		NotBefore: time.Now(),
	}
	// TBS bytes are JSON-canonicalized, not DER, per spec §4.4: the
	// signature covers a JSON-canonicalized TBS structure even though the
	// outer certificate envelope is DER.
	tbsBytes, err := json.Marshal(struct {
		CN        string `json:"cn"`
		PublicKey []byte `json:"public_key"`
		NotBefore int64  `json:"not_before"`
	}{tbs.Subject.CommonName, tbs.PublicKey, tbs.NotBefore.Unix()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TBS structure: %w", err)
	}

	sigRes, bErr := b.PerformOperation(keyID, backend.CryptoOperation{
		Kind:               backend.OpSign,
		SignatureAlgorithm: backend.SigEcdsaP256,
		Message:            tbsBytes,
	})
	if bErr != nil {
		return nil, bErr
	}
	tbs.Signature = sigRes.Signed

	return asn1.Marshal(struct {
		TBS       []byte
		Signature []byte
	}{tbsBytes, tbs.Signature})
}
