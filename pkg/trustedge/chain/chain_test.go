package chain

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

func buildValidChain(ciphertexts [][]byte) []Segment {
	segments := make([]Segment, len(ciphertexts))
	expected := Genesis()
	for i, ct := range ciphertexts {
		h := SegmentHash(ct)
		expected = Next(expected, h)
		segments[i] = Segment{Index: i, StoredHash: h, StoredContinuity: expected}
	}
	return segments
}

// TestValidateEmptyChain checks the trivially-valid empty case.
func TestValidateEmptyChain(t *testing.T) {
	if err := Validate(nil); err != nil {
		t.Errorf("Validate(nil) = %v, want nil", err)
	}
}

// TestValidateWellFormedChain checks a correctly constructed chain passes.
func TestValidateWellFormedChain(t *testing.T) {
	segments := buildValidChain([][]byte{[]byte("segment-0"), []byte("segment-1"), []byte("segment-2")})
	if err := Validate(segments); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

// TestValidateDetectsGap checks that a missing index is reported as a Gap.
func TestValidateDetectsGap(t *testing.T) {
	segments := buildValidChain([][]byte{[]byte("segment-0"), []byte("segment-1"), []byte("segment-2")})
	segments[1].Index = 5

	err := Validate(segments)
	if err == nil {
		t.Fatal("Validate() succeeded with a reindexed segment, want error")
	}
	if _, ok := err.(*Gap); !ok {
		t.Errorf("error = %T, want *Gap", err)
	}
}

// TestValidateDetectsTamperedContinuity checks that a tampered continuity
// value is reported as OutOfOrder.
func TestValidateDetectsTamperedContinuity(t *testing.T) {
	segments := buildValidChain([][]byte{[]byte("segment-0"), []byte("segment-1")})
	segments[1].StoredContinuity[0] ^= 0xFF

	err := Validate(segments)
	if err == nil {
		t.Fatal("Validate() succeeded with a tampered continuity hash, want error")
	}
	if _, ok := err.(*OutOfOrder); !ok {
		t.Errorf("error = %T, want *OutOfOrder", err)
	}
}

// TestValidateDetectsTamperedCiphertextHash checks that a segment whose
// stored hash no longer matches its ciphertext breaks the chain downstream.
func TestValidateDetectsTamperedCiphertextHash(t *testing.T) {
	segments := buildValidChain([][]byte{[]byte("segment-0"), []byte("segment-1")})
	segments[0].StoredHash[0] ^= 0xFF

	err := Validate(segments)
	if err == nil {
		t.Fatal("Validate() succeeded after tampering with a segment hash, want error")
	}
	if _, ok := err.(*OutOfOrder); !ok {
		t.Errorf("error = %T, want *OutOfOrder", err)
	}
}

// TestNextIsOrderDependent checks that Next is not commutative, so swapped
// segments cannot silently produce the same continuity value.
func TestNextIsOrderDependent(t *testing.T) {
	a := SegmentHash([]byte("a"))
	b := SegmentHash([]byte("b"))
	if Next(a, b) == Next(b, a) {
		t.Error("Next(a, b) == Next(b, a), want distinct values for distinct order")
	}
}

// TestGenesisIsDeterministic checks Genesis always returns the same value.
func TestGenesisIsDeterministic(t *testing.T) {
	if Genesis() != Genesis() {
		t.Error("Genesis() is not deterministic")
	}
}

// TestValidateObservedNilObserverBehavesLikeValidate checks a nil observer
// degrades to plain Validate semantics.
func TestValidateObservedNilObserverBehavesLikeValidate(t *testing.T) {
	segments := buildValidChain([][]byte{[]byte("segment-0"), []byte("segment-1")})
	if err := ValidateObserved(context.Background(), nil, segments); err != nil {
		t.Errorf("ValidateObserved(nil) = %v, want nil", err)
	}

	segments[1].StoredContinuity[0] ^= 0xFF
	err := ValidateObserved(context.Background(), nil, segments)
	if _, ok := err.(*OutOfOrder); !ok {
		t.Errorf("ValidateObserved(nil) error = %T, want *OutOfOrder", err)
	}
}

// TestValidateObservedWithObserverRecordsOutcome checks that a real
// Observer records both the success and failure chain-validation paths
// without altering Validate's return value.
func TestValidateObservedWithObserverRecordsOutcome(t *testing.T) {
	obs := newTestObserver(t)

	segments := buildValidChain([][]byte{[]byte("segment-0"), []byte("segment-1"), []byte("segment-2")})
	if err := ValidateObserved(context.Background(), obs, segments); err != nil {
		t.Errorf("ValidateObserved() = %v, want nil", err)
	}

	segments[0].Index = 9
	if err := ValidateObserved(context.Background(), obs, segments); err == nil {
		t.Error("ValidateObserved() succeeded with a reindexed segment, want error")
	}
}
