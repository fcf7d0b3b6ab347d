package record

import (
	"crypto/ed25519"

	"github.com/countersign-io/countersign/internal/attest/digest"
)

// Integrity describes what verification concluded about the document bytes.
type Integrity string

const (
	// IntegrityIntact means the document matches the recorded digest and the
	// signature is authentic.
	IntegrityIntact Integrity = "intact"
	// IntegrityAltered means the document does not match the recorded digest.
	IntegrityAltered Integrity = "altered"
	// IntegrityUnknown means verification could not evaluate the document,
	// either because the record is malformed or the signature failed.
	IntegrityUnknown Integrity = "unknown"
)

// Reason is the machine-readable verification failure reason.
type Reason string

const (
	// ReasonInvalidFormat means a required field is missing or malformed.
	// The record could not be evaluated at all.
	ReasonInvalidFormat Reason = "invalid_signature_format"
	// ReasonDocumentAltered means the supplied document bytes do not match
	// the digest that was signed.
	ReasonDocumentAltered Reason = "document_altered"
	// ReasonNotAuthentic means the cryptographic signature check failed. The
	// cause (wrong key, tampered field, forged signature) is deliberately
	// not distinguished.
	ReasonNotAuthentic Reason = "signature_not_authentic"
)

// Outcome is the structured result of verification. Failure is a first-class
// value here, never an error: an invalid signature is an expected outcome.
type Outcome struct {
	Valid             bool
	Reason            Reason
	DocumentIntegrity Integrity

	// ComputedDigest and ExpectedDigest are populated on a document
	// mismatch so callers can show what differed.
	ComputedDigest string
	ExpectedDigest string

	// Attestation details, populated on success.
	ApproverRef   string
	ApproverLabel string
	EventTime     int64
	Assisted      bool
}

// Verify checks a claimed attestation record against raw document bytes.
//
// The checks run cheapest-first and stop at the first failure: field format,
// then document digest, then signature over the payload reconstructed from
// the record's own fields. A tampered document and a tampered record are
// materially different failures and are reported as such.
func Verify(document []byte, r Record) Outcome {
	if reason, ok := checkFormat(r); !ok {
		return Outcome{
			Valid:             false,
			Reason:            reason,
			DocumentIntegrity: IntegrityUnknown,
		}
	}

	computed := digest.Sum(document)
	if computed != r.DocumentDigest {
		return Outcome{
			Valid:             false,
			Reason:            ReasonDocumentAltered,
			DocumentIntegrity: IntegrityAltered,
			ComputedDigest:    computed,
			ExpectedDigest:    r.DocumentDigest,
		}
	}

	payload, err := BuildPayload(r)
	if err != nil {
		return Outcome{
			Valid:             false,
			Reason:            ReasonInvalidFormat,
			DocumentIntegrity: IntegrityUnknown,
		}
	}

	if !ed25519.Verify(r.PublicKey, payload, r.Signature) {
		return Outcome{
			Valid:             false,
			Reason:            ReasonNotAuthentic,
			DocumentIntegrity: IntegrityUnknown,
		}
	}

	return Outcome{
		Valid:             true,
		DocumentIntegrity: IntegrityIntact,
		ApproverRef:       r.ApproverRef,
		ApproverLabel:     r.ApproverLabel,
		EventTime:         r.EventTime,
		Assisted:          r.Assisted,
	}
}

// VerifyEncoded verifies a record supplied in its JSON wire form. Records
// that fail to decode report an invalid format, not an error.
func VerifyEncoded(document []byte, encoded []byte) Outcome {
	rec, err := Decode(encoded)
	if err != nil {
		return Outcome{
			Valid:             false,
			Reason:            ReasonInvalidFormat,
			DocumentIntegrity: IntegrityUnknown,
		}
	}
	return Verify(document, rec)
}

// checkFormat validates field presence, type shape, and sizes before any
// hashing or signature work.
func checkFormat(r Record) (Reason, bool) {
	if r.SchemaVersion != SchemaVersion {
		return ReasonInvalidFormat, false
	}
	if !digest.IsHex(r.DocumentDigest) || !digest.IsHex(r.IntentDigest) || !digest.IsHex(r.PresenceDigest) {
		return ReasonInvalidFormat, false
	}
	if r.IntentText == "" || r.ApproverRef == "" || r.ApproverLabel == "" || r.PresenceRef == "" {
		return ReasonInvalidFormat, false
	}
	if r.EventTime <= 0 {
		return ReasonInvalidFormat, false
	}
	if len(r.Signature) != ed25519.SignatureSize {
		return ReasonInvalidFormat, false
	}
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return ReasonInvalidFormat, false
	}
	return "", true
}
