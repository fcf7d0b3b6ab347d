// Package session holds the approval session state machine. A session is the
// only mutable record in the attestation flow: it is created pending and
// transitions exactly once to approved or expired, both terminal.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/countersign-io/countersign/internal/attest/digest"
	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
	"github.com/countersign-io/countersign/internal/platform/id"
)

// Status describes the lifecycle of an approval session.
type Status int

const (
	// StatusUnspecified represents an invalid session status value.
	StatusUnspecified Status = iota
	// StatusPending indicates the session is awaiting approval.
	StatusPending
	// StatusApproved indicates the session was approved. Terminal.
	StatusApproved
	// StatusExpired indicates the session expired unapproved. Terminal.
	StatusExpired
)

// DefaultTTL is the session lifetime applied when the caller does not
// provide one.
const DefaultTTL = 15 * time.Minute

// tokenBytes is the entropy of a generated access token (32 bytes, hex).
const tokenBytes = 32

var (
	// ErrEmptyDocumentDigest indicates a missing document digest.
	ErrEmptyDocumentDigest = apperrors.New(apperrors.CodeSessionEmptyDocumentDigest, "document digest is required")
	// ErrEmptyIntent indicates a missing intent text.
	ErrEmptyIntent = apperrors.New(apperrors.CodeSessionEmptyIntent, "intent text is required")
	// ErrInvalidExpiry indicates a non-positive session lifetime.
	ErrInvalidExpiry = apperrors.New(apperrors.CodeSessionInvalidExpiry, "session lifetime must be positive")
	// ErrEmptyRecordRef indicates an approval without a record reference.
	ErrEmptyRecordRef = apperrors.New(apperrors.CodeSessionEmptyRecordRef, "record reference is required")
	// ErrAlreadyApproved indicates an approval attempt on an approved session.
	ErrAlreadyApproved = apperrors.New(apperrors.CodeSessionAlreadyApproved, "session is already approved")
	// ErrExpired indicates an approval attempt on an expired session.
	ErrExpired = apperrors.New(apperrors.CodeSessionExpired, "session is expired")
)

// Session coordinates a single approval attempt. It is not itself signed;
// the signed output is the attestation record it references once approved.
type Session struct {
	ID    string
	Token string
	// DocumentDigest is the SHA-256 hex digest of the document under review.
	DocumentDigest string
	// DocumentPath is where the caller stored the document bytes.
	DocumentPath string
	DocumentName string
	// IntentText is the canonical intent statement shown to the approver.
	IntentText   string
	IntentDigest string
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time
	// ApprovedAt is set exactly once, on the approving transition.
	ApprovedAt *time.Time
	// RecordID references the attestation record, empty until approved.
	RecordID string
}

// CreateInput describes the data needed to open an approval session.
type CreateInput struct {
	DocumentDigest string
	DocumentPath   string
	DocumentName   string
	IntentText     string
	// TTL defaults to DefaultTTL when zero.
	TTL time.Duration
}

// Create opens a pending session with a generated id and access token. The
// intent text is canonicalized and digested so the session carries the same
// intent digest the eventual record will sign.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error), tokenGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	if tokenGenerator == nil {
		tokenGenerator = NewToken
	}

	documentDigest := strings.TrimSpace(input.DocumentDigest)
	if documentDigest == "" {
		return Session{}, ErrEmptyDocumentDigest
	}
	if !digest.IsHex(documentDigest) {
		return Session{}, apperrors.WithMetadata(
			apperrors.CodeSessionEmptyDocumentDigest,
			"document digest is not a sha-256 hex digest",
			map[string]string{"Digest": documentDigest},
		)
	}
	intentText, intentDigest := digest.Intent(input.IntentText)
	if intentText == "" {
		return Session{}, ErrEmptyIntent
	}
	ttl := input.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return Session{}, ErrInvalidExpiry
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}
	token, err := tokenGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}

	createdAt := now().UTC()
	return Session{
		ID:             sessionID,
		Token:          token,
		DocumentDigest: documentDigest,
		DocumentPath:   strings.TrimSpace(input.DocumentPath),
		DocumentName:   strings.TrimSpace(input.DocumentName),
		IntentText:     intentText,
		IntentDigest:   intentDigest,
		Status:         StatusPending,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(ttl),
	}, nil
}

// NewToken returns a random access token as 64 lowercase hex characters.
func NewToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Approve transitions a pending, unexpired session to approved, attaching
// the record reference and approval timestamp. Approved and expired sessions
// reject the transition with distinguishable errors.
func Approve(s Session, recordRef string, now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	recordRef = strings.TrimSpace(recordRef)
	if recordRef == "" {
		return Session{}, ErrEmptyRecordRef
	}

	switch s.Status {
	case StatusApproved:
		return Session{}, ErrAlreadyApproved
	case StatusExpired:
		return Session{}, ErrExpired
	case StatusPending:
	default:
		return Session{}, apperrors.WithMetadata(
			apperrors.CodeSessionExpired,
			fmt.Sprintf("session status does not allow approval: %s", StatusLabel(s.Status)),
			map[string]string{"Status": StatusLabel(s.Status)},
		)
	}

	approvedAt := now().UTC()
	if approvedAt.After(s.ExpiresAt) {
		return Session{}, ErrExpired
	}

	updated := s
	updated.Status = StatusApproved
	updated.ApprovedAt = &approvedAt
	updated.RecordID = recordRef
	return updated, nil
}

// Expire transitions a pending session to expired. Expiring an already
// expired session is a no-op; expiring an approved session is rejected.
func Expire(s Session) (Session, error) {
	switch s.Status {
	case StatusExpired:
		return s, nil
	case StatusApproved:
		return Session{}, ErrAlreadyApproved
	}

	updated := s
	updated.Status = StatusExpired
	return updated, nil
}

// CanApprove reports whether the session is pending and unexpired at the
// given moment. It is advisory only; Approve and the storage layer make the
// authoritative check.
func CanApprove(s Session, now func() time.Time) bool {
	if now == nil {
		now = time.Now
	}
	return s.Status == StatusPending && !now().UTC().After(s.ExpiresAt)
}

// StatusLabel returns a stable label for a session status.
func StatusLabel(status Status) string {
	switch status {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusExpired:
		return "expired"
	default:
		return "unspecified"
	}
}

// StatusFromLabel parses a string label into a Status. It trims whitespace
// and matches case-insensitively.
func StatusFromLabel(value string) (Status, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return StatusUnspecified, fmt.Errorf("session status is required")
	}
	switch strings.ToLower(trimmed) {
	case "pending":
		return StatusPending, nil
	case "approved":
		return StatusApproved, nil
	case "expired":
		return StatusExpired, nil
	default:
		return StatusUnspecified, fmt.Errorf("unknown session status: %s", trimmed)
	}
}
