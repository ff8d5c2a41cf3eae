package receipt

import (
	"context"
	"crypto/ed25519"
	"io"
	"sync"
	"testing"

	tecrypto "github.com/TrustEdge-Labs/trustedge-sub001/internal/crypto"
	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/envelope"
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

type party struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	encPub   [32]byte
	encPriv  [32]byte
}

func newParty(t *testing.T) party {
	t.Helper()
	vk, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey() failed: %v", err)
	}
	kp, err := tecrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}
	return party{signPub: vk, signPriv: sk, encPub: kp.PublicKey, encPriv: kp.PrivateKey}
}

// TestReceiptCreation mirrors the original's test_receipt_creation.
func TestReceiptCreation(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	r := NewOrigin(alice.signPriv, bob.signPub, 1000, "Test receipt", 1700000000)

	if r.Amount != 1000 {
		t.Errorf("Amount = %d, want 1000", r.Amount)
	}
	if string(r.Issuer[:]) != string(alice.signPriv.Public().(ed25519.PublicKey)) {
		t.Errorf("Issuer does not match alice's key")
	}
	if string(r.Beneficiary[:]) != string(bob.signPub) {
		t.Errorf("Beneficiary does not match bob's key")
	}
	if !r.IsOrigin() {
		t.Error("IsOrigin() = false, want true")
	}
	if err := r.Validate(1700000000); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

// TestReceiptValidateRejectsZeroAmount mirrors the original's amount-zero check.
func TestReceiptValidateRejectsZeroAmount(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	r := NewOrigin(alice.signPriv, bob.signPub, 0, "", 1700000000)
	if err := r.Validate(1700000000); err == nil {
		t.Error("Validate() succeeded with a zero amount, want error")
	}
}

// TestReceiptValidateRejectsFutureTimestamp checks the five-minute skew bound.
func TestReceiptValidateRejectsFutureTimestamp(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	now := int64(1700000000)
	r := NewOrigin(alice.signPriv, bob.signPub, 1000, "", now+301)
	if err := r.Validate(now); err == nil {
		t.Error("Validate() succeeded with a timestamp > 5 minutes in the future, want error")
	}
}

// TestCreateReceiptEnvelope mirrors the original's test_create_receipt_envelope.
func TestCreateReceiptEnvelope(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	now := int64(1700000000)

	env, err := CreateReceipt(alice.signPriv, bob.signPub, bob.encPub, 1000, "Test receipt", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}

	if !env.Verify() {
		t.Error("Verify() = false, want true")
	}
	if string(env.Issuer()) != string(alice.signPriv.Public().(ed25519.PublicKey)) {
		t.Error("Issuer() does not match alice's key")
	}
	if string(env.Beneficiary()) != string(bob.signPub) {
		t.Error("Beneficiary() does not match bob's key")
	}

	extracted, err := ExtractReceipt(env, bob.encPriv, now)
	if err != nil {
		t.Fatalf("ExtractReceipt() failed: %v", err)
	}
	if extracted.Amount != 1000 {
		t.Errorf("extracted Amount = %d, want 1000", extracted.Amount)
	}
	if !extracted.IsOrigin() {
		t.Error("extracted receipt should be an origin receipt")
	}
}

// TestAssignReceipt mirrors the original's test_assign_receipt, and confirms
// the real amount is carried forward rather than a hardcoded placeholder.
func TestAssignReceipt(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	charlie := newParty(t)
	now := int64(1700000000)

	original, err := CreateReceipt(alice.signPriv, bob.signPub, bob.encPub, 2500, "Original receipt", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}

	assignment, err := AssignReceipt(original, bob.signPriv, bob.encPriv, charlie.signPub, charlie.encPub, "Transfer to Charlie", now)
	if err != nil {
		t.Fatalf("AssignReceipt() failed: %v", err)
	}

	if !assignment.Verify() {
		t.Error("Verify() = false, want true")
	}
	if string(assignment.Issuer()) != string(bob.signPriv.Public().(ed25519.PublicKey)) {
		t.Error("assignment issuer should be bob")
	}
	if string(assignment.Beneficiary()) != string(charlie.signPub) {
		t.Error("assignment beneficiary should be charlie")
	}

	extracted, err := ExtractReceipt(assignment, charlie.encPriv, now)
	if err != nil {
		t.Fatalf("ExtractReceipt() failed: %v", err)
	}
	if extracted.Amount != 2500 {
		t.Errorf("assigned Amount = %d, want 2500 (carried forward from original, not a placeholder)", extracted.Amount)
	}
	if extracted.IsOrigin() {
		t.Error("assigned receipt should not be an origin receipt")
	}

	originalHash, err := original.Hash()
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if extracted.PrevEnvelopeHash == nil || *extracted.PrevEnvelopeHash != originalHash {
		t.Error("assigned receipt's prev_envelope_hash does not match the original envelope's hash")
	}
}

// TestAssignReceiptObservedNilObserverBehavesLikeAssignReceipt checks a nil
// observer degrades to plain AssignReceipt semantics.
func TestAssignReceiptObservedNilObserverBehavesLikeAssignReceipt(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	charlie := newParty(t)
	now := int64(1700000000)

	original, err := CreateReceipt(alice.signPriv, bob.signPub, bob.encPub, 2500, "Original receipt", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}

	assignment, err := AssignReceiptObserved(context.Background(), nil, original, bob.signPriv, bob.encPriv, charlie.signPub, charlie.encPub, "Transfer to Charlie", now)
	if err != nil {
		t.Fatalf("AssignReceiptObserved(nil) failed: %v", err)
	}
	if !assignment.Verify() {
		t.Error("Verify() = false, want true")
	}
}

// TestAssignReceiptObservedWithObserverRecordsAssignment checks that a
// real Observer does not change AssignReceipt's observable behavior.
func TestAssignReceiptObservedWithObserverRecordsAssignment(t *testing.T) {
	obs := newTestObserver(t)
	alice := newParty(t)
	bob := newParty(t)
	charlie := newParty(t)
	now := int64(1700000000)

	original, err := CreateReceipt(alice.signPriv, bob.signPub, bob.encPub, 2500, "Original receipt", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}

	assignment, err := AssignReceiptObserved(context.Background(), obs, original, bob.signPriv, bob.encPriv, charlie.signPub, charlie.encPub, "Transfer to Charlie", now)
	if err != nil {
		t.Fatalf("AssignReceiptObserved() failed: %v", err)
	}

	extracted, err := ExtractReceipt(assignment, charlie.encPriv, now)
	if err != nil {
		t.Fatalf("ExtractReceipt() failed: %v", err)
	}
	if extracted.Amount != 2500 {
		t.Errorf("assigned Amount = %d, want 2500", extracted.Amount)
	}
}

// TestAssignReceiptRejectsWrongAssigner checks the not-current-beneficiary guard.
func TestAssignReceiptRejectsWrongAssigner(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	eve := newParty(t)
	charlie := newParty(t)
	now := int64(1700000000)

	original, err := CreateReceipt(alice.signPriv, bob.signPub, bob.encPub, 1000, "", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}

	_, err = AssignReceipt(original, eve.signPriv, eve.encPriv, charlie.signPub, charlie.encPub, "", now)
	if err == nil {
		t.Fatal("AssignReceipt() succeeded with a non-beneficiary assigner, want error")
	}
	if _, ok := err.(*NotCurrentBeneficiaryError); !ok {
		t.Errorf("error = %T, want *NotCurrentBeneficiaryError", err)
	}
}

// TestVerifyReceiptChain builds a three-link chain and checks both the
// shallow (issuer/beneficiary) and the optional deep (prev_envelope_hash)
// verification passes.
func TestVerifyReceiptChain(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	charlie := newParty(t)
	now := int64(1700000000)

	env1, err := CreateReceipt(alice.signPriv, bob.signPub, bob.encPub, 500, "", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}
	env2, err := AssignReceipt(env1, bob.signPriv, bob.encPriv, charlie.signPub, charlie.encPub, "", now)
	if err != nil {
		t.Fatalf("AssignReceipt() failed: %v", err)
	}

	chain := []*envelope.Envelope{env1, env2}

	if !VerifyReceiptChain(chain, nil, now) {
		t.Error("VerifyReceiptChain() = false with a valid chain and no deep-check keys, want true")
	}

	deepKeys := map[int][32]byte{1: charlie.encPriv}
	if !VerifyReceiptChain(chain, deepKeys, now) {
		t.Error("VerifyReceiptChain() = false with a valid chain and deep-check keys, want true")
	}
}

// TestVerifyReceiptChainRejectsBrokenLink checks that a chain whose issuer
// does not match the previous envelope's beneficiary is rejected.
func TestVerifyReceiptChainRejectsBrokenLink(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	eve := newParty(t)
	charlie := newParty(t)
	now := int64(1700000000)

	env1, err := CreateReceipt(alice.signPriv, bob.signPub, bob.encPub, 500, "", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}
	// eve was never bob's assignee; issuer of env2 will not match env1's beneficiary.
	env2, err := CreateReceipt(eve.signPriv, charlie.signPub, charlie.encPub, 500, "", now)
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}

	chain := []*envelope.Envelope{env1, env2}
	if VerifyReceiptChain(chain, nil, now) {
		t.Error("VerifyReceiptChain() = true for a chain with a broken issuer/beneficiary link, want false")
	}
}

// TestVerifyReceiptChainRejectsEmpty mirrors the original's empty-chain rule.
func TestVerifyReceiptChainRejectsEmpty(t *testing.T) {
	if VerifyReceiptChain(nil, nil, 1700000000) {
		t.Error("VerifyReceiptChain(nil) = true, want false")
	}
}
