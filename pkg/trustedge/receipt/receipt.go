// Package receipt implements the transferable-claim business logic carried
// inside an Envelope (§4.8): origin receipts, assignments, and ownership-
// chain verification. Grounded on
// _examples/original_source/trustedge-receipts/src/lib.rs.
//
// Two of the original's open design gaps are resolved here rather than
// left as placeholders (see DESIGN.md): AssignReceipt reads the real prior
// amount by unsealing the previous envelope with the assigner's X25519
// decryption key, and VerifyReceiptChain performs an optional deep check
// of prev_envelope_hash when the caller supplies beneficiary decryption
// keys for the relevant envelopes.
package receipt

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/envelope"
)

// Receipt is the business-logic payload of a sealed Envelope.
type Receipt struct {
	Issuer           [32]byte  `json:"issuer"`
	Beneficiary      [32]byte  `json:"beneficiary"`
	Amount           uint64    `json:"amount"`
	PrevEnvelopeHash *[32]byte `json:"prev_envelope_hash,omitempty"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        int64     `json:"created_at"`
}

// NotCurrentBeneficiaryError reports that the would-be assigner does not
// hold the previous envelope's beneficiary key.
type NotCurrentBeneficiaryError struct{}

func (e *NotCurrentBeneficiaryError) Error() string {
	return "receipt: assigner key does not match previous envelope's beneficiary"
}

// NewOrigin builds the first receipt in a chain (no previous link).
func NewOrigin(issuerSK ed25519.PrivateKey, beneficiaryVK ed25519.PublicKey, amount uint64, description string, now int64) Receipt {
	var r Receipt
	copy(r.Issuer[:], issuerSK.Public().(ed25519.PublicKey))
	copy(r.Beneficiary[:], beneficiaryVK)
	r.Amount = amount
	r.Description = description
	r.CreatedAt = now
	return r
}

// NewAssignment builds a chained receipt pointing at prevEnvelopeHash.
func NewAssignment(issuerSK ed25519.PrivateKey, beneficiaryVK ed25519.PublicKey, amount uint64, prevEnvelopeHash [32]byte, description string, now int64) Receipt {
	r := NewOrigin(issuerSK, beneficiaryVK, amount, description, now)
	r.PrevEnvelopeHash = &prevEnvelopeHash
	return r
}

// IsOrigin reports whether this receipt starts a chain.
func (r Receipt) IsOrigin() bool { return r.PrevEnvelopeHash == nil }

// Validate checks the business rules: nonzero amount and a timestamp not
// more than five minutes in the future.
func (r Receipt) Validate(now int64) error {
	if r.Amount == 0 {
		return fmt.Errorf("receipt amount cannot be zero")
	}
	if r.CreatedAt > now+300 {
		return fmt.Errorf("receipt timestamp is too far in the future")
	}
	return nil
}

// CreateReceipt builds an origin receipt, validates it, and seals it into
// an envelope addressed to beneficiaryVK/beneficiaryEncPub.
func CreateReceipt(issuerSK ed25519.PrivateKey, beneficiaryVK ed25519.PublicKey, beneficiaryEncPub [32]byte, amount uint64, description string, now int64) (*envelope.Envelope, error) {
	r := NewOrigin(issuerSK, beneficiaryVK, amount, description, now)
	if err := r.Validate(now); err != nil {
		return nil, fmt.Errorf("receipt validation failed: %w", err)
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize receipt: %w", err)
	}

	env, err := envelope.Seal(payload, issuerSK, beneficiaryVK, beneficiaryEncPub, now)
	if err != nil {
		return nil, fmt.Errorf("failed to seal receipt in envelope: %w", err)
	}
	return env, nil
}

// AssignReceipt transfers prevEnvelope's claim to a new beneficiary.
// assignerEncPriv is the assigner's X25519 decryption key, used to unseal
// prevEnvelope and read the real amount being carried forward.
func AssignReceipt(prevEnvelope *envelope.Envelope, assignerSK ed25519.PrivateKey, assignerEncPriv [32]byte, newBeneficiaryVK ed25519.PublicKey, newBeneficiaryEncPub [32]byte, description string, now int64) (*envelope.Envelope, error) {
	if !prevEnvelope.Verify() {
		return nil, fmt.Errorf("previous envelope signature is invalid")
	}

	assignerVK := assignerSK.Public().(ed25519.PublicKey)
	if !publicKeyEqual(prevEnvelope.Beneficiary(), assignerVK) {
		return nil, &NotCurrentBeneficiaryError{}
	}

	prevReceipt, err := ExtractReceipt(prevEnvelope, assignerEncPriv, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read previous receipt amount: %w", err)
	}

	prevHash, err := prevEnvelope.Hash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash previous envelope: %w", err)
	}

	r := NewAssignment(assignerSK, newBeneficiaryVK, prevReceipt.Amount, prevHash, description, now)
	if err := r.Validate(now); err != nil {
		return nil, fmt.Errorf("assignment receipt validation failed: %w", err)
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize assignment receipt: %w", err)
	}

	env, err := envelope.Seal(payload, assignerSK, newBeneficiaryVK, newBeneficiaryEncPub, now)
	if err != nil {
		return nil, fmt.Errorf("failed to seal assignment receipt in envelope: %w", err)
	}
	return env, nil
}

// AssignReceiptObserved calls AssignReceipt within a "receipt.assign" span,
// additionally emitting the ReceiptAssigned log line and receipt-assignment
// metric when obs is non-nil. A nil obs makes this identical to calling
// AssignReceipt directly.
func AssignReceiptObserved(ctx context.Context, obs *observability.Observer, prevEnvelope *envelope.Envelope, assignerSK ed25519.PrivateKey, assignerEncPriv [32]byte, newBeneficiaryVK ed25519.PublicKey, newBeneficiaryEncPub [32]byte, description string, now int64) (*envelope.Envelope, error) {
	_, span := obs.StartSpan(ctx, "receipt.assign")
	defer span.End()

	prevReceipt, extractErr := ExtractReceipt(prevEnvelope, assignerEncPriv, now)

	env, err := AssignReceipt(prevEnvelope, assignerSK, assignerEncPriv, newBeneficiaryVK, newBeneficiaryEncPub, description, now)
	if err == nil && obs != nil {
		prevHash, hashErr := prevEnvelope.Hash()
		if hashErr == nil {
			var amount uint64
			if extractErr == nil {
				amount = prevReceipt.Amount
			}
			if obs.Logger != nil {
				obs.Logger.ReceiptAssigned(hex.EncodeToString(prevHash[:]), amount)
			}
		}
		if obs.Metrics != nil {
			obs.Metrics.RecordReceiptAssigned()
		}
	}
	return env, err
}

// ExtractReceipt unseals env with the beneficiary's X25519 decryption key
// and re-validates the business rules.
func ExtractReceipt(env *envelope.Envelope, beneficiaryEncPriv [32]byte, now int64) (*Receipt, error) {
	payload, err := env.Unseal(beneficiaryEncPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal envelope: %w", err)
	}

	var r Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("failed to deserialize receipt from payload: %w", err)
	}
	if err := r.Validate(now); err != nil {
		return nil, fmt.Errorf("extracted receipt validation failed: %w", err)
	}
	return &r, nil
}

// VerifyReceiptChain checks that envelopes form a valid ownership chain:
// non-empty, each individually verifies, and each envelope's issuer equals
// the previous envelope's beneficiary. When deepCheckKeys supplies a
// beneficiary decryption key for index i, the chain link is additionally
// confirmed by unsealing envelopes[i] and comparing its receipt's
// prev_envelope_hash against hash(envelopes[i-1]).
func VerifyReceiptChain(envelopes []*envelope.Envelope, deepCheckKeys map[int][32]byte, now int64) bool {
	if len(envelopes) == 0 {
		return false
	}

	for _, env := range envelopes {
		if !env.Verify() {
			return false
		}
	}

	for i := 1; i < len(envelopes); i++ {
		prev := envelopes[i-1]
		curr := envelopes[i]
		if !publicKeyEqual(curr.Issuer(), prev.Beneficiary()) {
			return false
		}

		if key, ok := deepCheckKeys[i]; ok {
			receipt, err := ExtractReceipt(curr, key, now)
			if err != nil {
				return false
			}
			prevHash, err := prev.Hash()
			if err != nil {
				return false
			}
			if receipt.PrevEnvelopeHash == nil || *receipt.PrevEnvelopeHash != prevHash {
				return false
			}
		}
	}

	return true
}

func publicKeyEqual(a, b ed25519.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
