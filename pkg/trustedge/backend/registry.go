package backend

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
)

// BackendPreferences steers FindPreferredBackend's selection among backends
// that all support the requested operation.
type BackendPreferences struct {
	PreferHardwareBacked bool
	PreferAttestation    bool
	ExcludedBackends     []string
	PreferredBackends    []string // in priority order
}

func (p BackendPreferences) isExcluded(name string) bool {
	for _, n := range p.ExcludedBackends {
		if n == name {
			return true
		}
	}
	return false
}

func (p BackendPreferences) preferredRank(name string) int {
	for i, n := range p.PreferredBackends {
		if n == name {
			return i
		}
	}
	return len(p.PreferredBackends)
}

// Registry exclusively owns a name->Backend mapping. External code
// references backends through the registry, never by holding backends
// directly (spec §9: "registry exclusively owns backends").
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string // registration order, for stable iteration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under name, replacing any existing entry with
// the same name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; !exists {
		r.order = append(r.order, name)
	}
	r.backends[name] = b
}

// RegisterObserved registers b under name exactly like Register, additionally
// emitting the BackendRegistered log line and backend-registration metric
// when obs is non-nil. A nil obs makes this identical to calling Register
// directly.
func (r *Registry) RegisterObserved(obs *observability.Observer, name string, b Backend) {
	r.Register(name, b)
	if obs != nil {
		kind := b.BackendInfo().Name
		if obs.Logger != nil {
			obs.Logger.BackendRegistered(name, kind)
		}
		if obs.Metrics != nil {
			obs.Metrics.RecordBackendRegistered(kind)
		}
	}
}

// Get returns the backend registered under name, if any.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// ListNames returns registered backend names in registration order.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// FindBackendForOperation returns the first registered backend (in
// registration order) whose SupportsOperation reports true for op.
func (r *Registry) FindBackendForOperation(op CryptoOperation) (string, Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		b := r.backends[name]
		if b.SupportsOperation(op) {
			return name, b, true
		}
	}
	return "", nil, false
}

// FindPreferredBackend selects among the backends supporting op, filtering
// out excluded names, then sorting by: preferred-names order, then
// hardware-backed first (if requested), then attestation-capable first
// (if requested), then more supported algorithms first.
type registryCandidate struct {
	name string
	b    Backend
	caps BackendCapabilities
}

func capabilityCount(c BackendCapabilities) int {
	return len(c.SupportedSymmetric) + len(c.SupportedAsymmetric) +
		len(c.SupportedSignature) + len(c.SupportedHash)
}

// betterCandidate reports whether a should win over b under prefs.
func betterCandidate(a, b registryCandidate, prefs BackendPreferences) bool {
	ra, rb := prefs.preferredRank(a.name), prefs.preferredRank(b.name)
	if ra != rb {
		return ra < rb
	}
	if prefs.PreferHardwareBacked && a.caps.HardwareBacked != b.caps.HardwareBacked {
		return a.caps.HardwareBacked
	}
	if prefs.PreferAttestation && a.caps.SupportsAttestation != b.caps.SupportsAttestation {
		return a.caps.SupportsAttestation
	}
	return capabilityCount(a.caps) > capabilityCount(b.caps)
}

func (r *Registry) FindPreferredBackend(op CryptoOperation, prefs BackendPreferences) (string, Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []registryCandidate
	for _, name := range r.order {
		b := r.backends[name]
		if prefs.isExcluded(name) {
			continue
		}
		if !b.SupportsOperation(op) {
			continue
		}
		candidates = append(candidates, registryCandidate{name, b, b.GetCapabilities()})
	}
	if len(candidates) == 0 {
		return "", nil, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if betterCandidate(c, best, prefs) {
			best = c
		}
	}
	return best.name, best.b, true
}

// PerformOperation selects a backend (via FindPreferredBackend when prefs
// is non-nil, else FindBackendForOperation) and dispatches op to it.
func (r *Registry) PerformOperation(keyID string, op CryptoOperation, prefs *BackendPreferences) (CryptoResult, *Error) {
	var (
		b     Backend
		found bool
	)
	if prefs != nil {
		_, b, found = r.FindPreferredBackend(op, *prefs)
	} else {
		_, b, found = r.FindBackendForOperation(op)
	}
	if !found {
		return CryptoResult{}, NewError(UnsupportedOperation, "no registered backend supports this operation")
	}
	return b.PerformOperation(keyID, op)
}

// PerformOperationObserved dispatches exactly like PerformOperation, inside
// a "backend.perform_operation" span, additionally logging KeyGenerated and
// recording crypto-operation metrics when obs is non-nil. A nil obs makes
// this identical to calling PerformOperation directly.
func (r *Registry) PerformOperationObserved(ctx context.Context, obs *observability.Observer, keyID string, op CryptoOperation, prefs *BackendPreferences) (CryptoResult, *Error) {
	_, span := obs.StartSpan(ctx, "backend.perform_operation")
	defer span.End()

	var (
		backendName string
		b           Backend
		found       bool
	)
	if prefs != nil {
		backendName, b, found = r.FindPreferredBackend(op, *prefs)
	} else {
		backendName, b, found = r.FindBackendForOperation(op)
	}
	if !found {
		return CryptoResult{}, NewError(UnsupportedOperation, "no registered backend supports this operation")
	}

	start := time.Now()
	result, cryptoErr := b.PerformOperation(keyID, op)
	if obs != nil {
		duration := time.Since(start).Seconds()
		opName := operationName(op.Kind)
		if obs.Metrics != nil {
			obs.Metrics.RecordCryptoOperation(opName, duration)
		}
		if cryptoErr == nil && op.Kind == OpGenerateKeyPair && obs.Logger != nil {
			obs.Logger.KeyGenerated(backendName, algorithmName(op.AsymmetricAlgorithm), hex.EncodeToString(result.KeyPairPrivateID[:]))
		}
	}
	return result, cryptoErr
}

func operationName(k OperationKind) string {
	switch k {
	case OpEncrypt:
		return "encrypt"
	case OpDecrypt:
		return "decrypt"
	case OpSign:
		return "sign"
	case OpVerify:
		return "verify"
	case OpDeriveKey:
		return "derive_key"
	case OpGenerateKeyPair:
		return "generate_key_pair"
	case OpGetPublicKey:
		return "get_public_key"
	case OpKeyExchange:
		return "key_exchange"
	case OpAttest:
		return "attest"
	case OpHash:
		return "hash"
	default:
		return "unknown"
	}
}

func algorithmName(a AsymmetricAlgorithm) string {
	switch a {
	case Ed25519:
		return "ed25519"
	case EcdsaP256:
		return "ecdsa_p256"
	case Rsa2048:
		return "rsa2048"
	case Rsa4096:
		return "rsa4096"
	default:
		return "unknown"
	}
}
