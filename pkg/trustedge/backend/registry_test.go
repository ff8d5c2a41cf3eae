package backend

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
)

var (
	testObserverOnce sync.Once
	testObserver     *observability.Observer
)

func newTestObserver(t *testing.T) *observability.Observer {
	t.Helper()
	testObserverOnce.Do(func() {
		logger := observability.NewLogger("trustedge-test", "0.0.0-test", io.Discard)
		metrics := observability.NewMetrics()
		testObserver = observability.NewObserver("trustedge-test", logger, metrics)
	})
	return testObserver
}

type stubBackend struct {
	name      string
	caps      BackendCapabilities
	supports  func(CryptoOperation) bool
	performed int
}

func (s *stubBackend) PerformOperation(keyID string, op CryptoOperation) (CryptoResult, *Error) {
	if !s.SupportsOperation(op) {
		return CryptoResult{}, NewError(UnsupportedOperation, "stub refuses")
	}
	s.performed++
	return CryptoResult{Kind: ResHash, Hash: []byte("ok")}, nil
}

func (s *stubBackend) SupportsOperation(op CryptoOperation) bool { return s.supports(op) }
func (s *stubBackend) GetCapabilities() BackendCapabilities      { return s.caps }
func (s *stubBackend) BackendInfo() BackendInfo                  { return BackendInfo{Name: s.name, Available: true} }
func (s *stubBackend) ListKeys() ([]KeyMetadata, *Error)         { return nil, nil }

func alwaysTrue(CryptoOperation) bool  { return true }
func alwaysFalse(CryptoOperation) bool { return false }

func TestRegistryFindBackendForOperation(t *testing.T) {
	r := NewRegistry()
	soft := &stubBackend{name: "software", supports: alwaysFalse}
	hw := &stubBackend{name: "hardware", supports: alwaysTrue, caps: BackendCapabilities{HardwareBacked: true}}
	r.Register("software", soft)
	r.Register("hardware", hw)

	name, b, ok := r.FindBackendForOperation(CryptoOperation{Kind: OpHash})
	if !ok || name != "hardware" || b != hw {
		t.Fatalf("expected hardware backend to be selected, got name=%q ok=%v", name, ok)
	}
}

func TestRegistryUnsupportedNeverLies(t *testing.T) {
	r := NewRegistry()
	r.Register("soft", &stubBackend{name: "soft", supports: alwaysFalse})

	_, err := r.PerformOperation("k1", CryptoOperation{Kind: OpSign}, nil)
	if err == nil || err.Kind != UnsupportedOperation {
		t.Fatalf("expected UnsupportedOperation, got %v", err)
	}
}

func TestRegistryPreferHardware(t *testing.T) {
	r := NewRegistry()
	soft := &stubBackend{name: "soft", supports: alwaysTrue, caps: BackendCapabilities{HardwareBacked: false}}
	hw := &stubBackend{name: "hw", supports: alwaysTrue, caps: BackendCapabilities{HardwareBacked: true}}
	r.Register("soft", soft)
	r.Register("hw", hw)

	name, _, ok := r.FindPreferredBackend(CryptoOperation{Kind: OpSign}, BackendPreferences{PreferHardwareBacked: true})
	if !ok || name != "hw" {
		t.Fatalf("expected hw backend preferred, got %q", name)
	}
}

func TestRegistryExcludedBackends(t *testing.T) {
	r := NewRegistry()
	r.Register("a", &stubBackend{name: "a", supports: alwaysTrue})
	r.Register("b", &stubBackend{name: "b", supports: alwaysTrue})

	name, _, ok := r.FindPreferredBackend(CryptoOperation{Kind: OpSign}, BackendPreferences{ExcludedBackends: []string{"a"}})
	if !ok || name != "b" {
		t.Fatalf("expected b to win after excluding a, got %q ok=%v", name, ok)
	}
}

func TestRegistryPreferredOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("a", &stubBackend{name: "a", supports: alwaysTrue})
	r.Register("b", &stubBackend{name: "b", supports: alwaysTrue})

	name, _, ok := r.FindPreferredBackend(CryptoOperation{Kind: OpSign}, BackendPreferences{PreferredBackends: []string{"b", "a"}})
	if !ok || name != "b" {
		t.Fatalf("expected b preferred by explicit order, got %q", name)
	}
}

// TestRegisterObservedNilObserverBehavesLikeRegister checks a nil observer
// degrades to plain Register semantics.
func TestRegisterObservedNilObserverBehavesLikeRegister(t *testing.T) {
	r := NewRegistry()
	r.RegisterObserved(nil, "soft", &stubBackend{name: "soft", supports: alwaysTrue})

	if _, ok := r.Get("soft"); !ok {
		t.Fatal("RegisterObserved(nil) did not register the backend")
	}
}

// TestRegisterObservedWithObserverStillRegisters checks that observing a
// registration does not change the registry's contents.
func TestRegisterObservedWithObserverStillRegisters(t *testing.T) {
	r := NewRegistry()
	obs := newTestObserver(t)
	r.RegisterObserved(obs, "hw", &stubBackend{name: "hw", supports: alwaysTrue, caps: BackendCapabilities{HardwareBacked: true}})

	b, ok := r.Get("hw")
	if !ok || b.BackendInfo().Name != "hw" {
		t.Fatal("RegisterObserved() did not register the backend")
	}
}

// TestPerformOperationObservedNilObserverBehavesLikePerformOperation checks
// a nil observer degrades to plain PerformOperation semantics.
func TestPerformOperationObservedNilObserverBehavesLikePerformOperation(t *testing.T) {
	r := NewRegistry()
	r.Register("soft", &stubBackend{name: "soft", supports: alwaysTrue})

	result, err := r.PerformOperationObserved(context.Background(), nil, "k1", CryptoOperation{Kind: OpHash}, nil)
	if err != nil {
		t.Fatalf("PerformOperationObserved(nil) = %v, want nil", err)
	}
	if result.Kind != ResHash {
		t.Errorf("result.Kind = %v, want ResHash", result.Kind)
	}
}

// TestPerformOperationObservedUnsupportedNeverLies checks the universal
// SupportsOperation/PerformOperation property still holds through the
// observed dispatch path.
func TestPerformOperationObservedUnsupportedNeverLies(t *testing.T) {
	r := NewRegistry()
	obs := newTestObserver(t)
	r.Register("soft", &stubBackend{name: "soft", supports: alwaysFalse})

	_, err := r.PerformOperationObserved(context.Background(), obs, "k1", CryptoOperation{Kind: OpSign}, nil)
	if err == nil || err.Kind != UnsupportedOperation {
		t.Fatalf("expected UnsupportedOperation, got %v", err)
	}
}

// TestPerformOperationObservedLogsKeyGeneration checks the observed
// dispatch path succeeds for a key-generation operation (the path that
// triggers the KeyGenerated log line).
func TestPerformOperationObservedLogsKeyGeneration(t *testing.T) {
	r := NewRegistry()
	obs := newTestObserver(t)
	r.Register("soft", &stubBackend{
		name: "soft",
		supports: func(op CryptoOperation) bool {
			return op.Kind == OpGenerateKeyPair
		},
	})

	result, err := r.PerformOperationObserved(context.Background(), obs, "k1", CryptoOperation{Kind: OpGenerateKeyPair, AsymmetricAlgorithm: Ed25519}, nil)
	if err != nil {
		t.Fatalf("PerformOperationObserved() = %v, want nil", err)
	}
	_ = result
}
