// Package record implements the attestation record: the signed artifact that
// proves a specific actor approved a specific document at a specific time.
//
// The package covers the full protocol surface: deterministic payload
// construction, Ed25519 signing, the compact wire codec, and independent
// verification. All operations are pure and safe for concurrent use; the
// signing key is always an explicit parameter, never ambient state.
package record

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/countersign-io/countersign/internal/attest/digest"
	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
)

// SchemaVersion identifies the wire format of attestation records. The
// payload field order for this version is frozen; issued signatures can only
// be re-verified while the serialization stays byte-for-byte reproducible.
const SchemaVersion = "1.0"

// Record is the attestation record. It is immutable once created: Signature
// and PublicKey are outputs of signing and are never part of the signed
// payload.
type Record struct {
	SchemaVersion  string
	DocumentDigest string
	IntentDigest   string
	// IntentText is the canonical intent string, kept for display. The
	// digest is authoritative for integrity.
	IntentText    string
	ApproverRef   string
	ApproverLabel string
	// EventTime is the moment of signing in milliseconds since epoch.
	EventTime      int64
	PresenceRef    string
	PresenceDigest string
	Assisted       bool
	// Signature is the Ed25519 signature over the payload.
	Signature []byte
	// PublicKey is the counterpart of the signing key, included so records
	// are self-contained for verification.
	PublicKey ed25519.PublicKey
}

// Fields carries the attestation inputs for record creation. The intent text
// is canonicalized and digested internally; event time is stamped at signing.
type Fields struct {
	DocumentDigest string
	IntentText     string
	ApproverRef    string
	ApproverLabel  string
	PresenceRef    string
	PresenceDigest string
	Assisted       bool
}

// New builds and signs an attestation record. The private key is supplied by
// the caller's key-custody collaborator; this package never stores keys.
func New(fields Fields, key ed25519.PrivateKey, now func() time.Time) (Record, error) {
	if now == nil {
		now = time.Now
	}
	if len(key) != ed25519.PrivateKeySize {
		return Record{}, apperrors.New(apperrors.CodeRecordSigningKeyInvalid,
			fmt.Sprintf("signing key must be %d bytes", ed25519.PrivateKeySize))
	}

	normalized, err := normalizeFields(fields)
	if err != nil {
		return Record{}, err
	}

	canonicalIntent, intentDigest := digest.Intent(normalized.IntentText)
	if canonicalIntent == "" {
		return Record{}, fieldMissing("intent_text")
	}

	eventTime := now().UTC().UnixMilli()
	if eventTime <= 0 {
		return Record{}, apperrors.New(apperrors.CodeRecordInvalidEventTime, "event time must be positive")
	}

	rec := Record{
		SchemaVersion:  SchemaVersion,
		DocumentDigest: normalized.DocumentDigest,
		IntentDigest:   intentDigest,
		IntentText:     canonicalIntent,
		ApproverRef:    normalized.ApproverRef,
		ApproverLabel:  normalized.ApproverLabel,
		EventTime:      eventTime,
		PresenceRef:    normalized.PresenceRef,
		PresenceDigest: normalized.PresenceDigest,
		Assisted:       normalized.Assisted,
	}

	payload, err := BuildPayload(rec)
	if err != nil {
		return Record{}, err
	}
	signature, err := Sign(payload, key)
	if err != nil {
		return Record{}, err
	}
	publicKey, err := DerivePublicKey(key)
	if err != nil {
		return Record{}, err
	}

	rec.Signature = signature
	rec.PublicKey = publicKey
	return rec, nil
}

// normalizeFields trims and validates attestation inputs.
func normalizeFields(fields Fields) (Fields, error) {
	fields.DocumentDigest = strings.TrimSpace(fields.DocumentDigest)
	fields.ApproverRef = strings.TrimSpace(fields.ApproverRef)
	fields.ApproverLabel = strings.TrimSpace(fields.ApproverLabel)
	fields.PresenceRef = strings.TrimSpace(fields.PresenceRef)
	fields.PresenceDigest = strings.TrimSpace(fields.PresenceDigest)

	if fields.DocumentDigest == "" {
		return Fields{}, fieldMissing("document_digest")
	}
	if !digest.IsHex(fields.DocumentDigest) {
		return Fields{}, invalidDigest("document_digest")
	}
	if fields.ApproverRef == "" {
		return Fields{}, fieldMissing("approver_ref")
	}
	if fields.ApproverLabel == "" {
		return Fields{}, fieldMissing("approver_label")
	}
	if fields.PresenceRef == "" {
		return Fields{}, fieldMissing("presence_ref")
	}
	if fields.PresenceDigest == "" {
		return Fields{}, fieldMissing("presence_digest")
	}
	if !digest.IsHex(fields.PresenceDigest) {
		return Fields{}, invalidDigest("presence_digest")
	}
	return fields, nil
}

func fieldMissing(field string) error {
	return apperrors.WithMetadata(
		apperrors.CodeRecordFieldMissing,
		fmt.Sprintf("attestation field %s is required", field),
		map[string]string{"Field": field},
	)
}

func invalidDigest(field string) error {
	return apperrors.WithMetadata(
		apperrors.CodeRecordInvalidDigest,
		fmt.Sprintf("attestation field %s must be a 64-character lowercase hex digest", field),
		map[string]string{"Field": field},
	)
}
