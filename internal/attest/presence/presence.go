// Package presence models the human-confirmation evidence bound into
// attestation records.
//
// A presence record is created exactly once, at approval time, and is never
// mutated afterwards. Attestation records reference it by id and pin its
// exact content with a digest, so the evidence cannot be swapped after
// signing.
package presence

import (
	"fmt"
	"strings"
	"time"

	"github.com/countersign-io/countersign/internal/attest/digest"
	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
	"github.com/countersign-io/countersign/internal/platform/id"
)

var (
	// ErrEmptySessionID indicates a presence record without an owning session.
	ErrEmptySessionID = apperrors.New(apperrors.CodePresenceEmptySessionID, "presence session id is required")
	// ErrChallengeIncomplete indicates the confirmation challenge was not completed.
	ErrChallengeIncomplete = apperrors.New(apperrors.CodePresenceChallengeIncomplete, "presence challenge was not completed")
)

// Presence is evidence that a human actively confirmed an approval intent.
type Presence struct {
	ID        string
	SessionID string
	// ChallengeCompleted records that the approver passed the active
	// confirmation challenge, at ChallengeCompletedAt (ms since epoch).
	ChallengeCompleted   bool
	ChallengeCompletedAt int64
	// The three required acknowledgments, captured at AcknowledgedAt.
	AckReviewedDocument bool
	AckIntendsApproval  bool
	AckActingPersonally bool
	AcknowledgedAt      int64
}

// Input carries the confirmation state collected from the approver.
type Input struct {
	SessionID           string
	ChallengeCompleted  bool
	AckReviewedDocument bool
	AckIntendsApproval  bool
	AckActingPersonally bool
}

// New creates a presence record after validating the confirmation state.
// Every acknowledgment and the challenge must be affirmed; a record is never
// created for a partially confirmed approval.
func New(input Input, now func() time.Time, idGenerator func() (string, error)) (Presence, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	if strings.TrimSpace(input.SessionID) == "" {
		return Presence{}, ErrEmptySessionID
	}
	if !input.ChallengeCompleted {
		return Presence{}, ErrChallengeIncomplete
	}
	if err := validateAcknowledgments(input.AckReviewedDocument, input.AckIntendsApproval, input.AckActingPersonally); err != nil {
		return Presence{}, err
	}

	presenceID, err := idGenerator()
	if err != nil {
		return Presence{}, fmt.Errorf("generate presence id: %w", err)
	}

	at := now().UTC().UnixMilli()
	return Presence{
		ID:                   presenceID,
		SessionID:            strings.TrimSpace(input.SessionID),
		ChallengeCompleted:   true,
		ChallengeCompletedAt: at,
		AckReviewedDocument:  true,
		AckIntendsApproval:   true,
		AckActingPersonally:  true,
		AcknowledgedAt:       at,
	}, nil
}

// Validate re-checks an existing presence record, for callers that accept one
// supplied externally instead of creating it themselves.
func Validate(p Presence) error {
	if strings.TrimSpace(p.ID) == "" {
		return apperrors.New(apperrors.CodePresenceEmptySessionID, "presence id is required")
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return ErrEmptySessionID
	}
	if !p.ChallengeCompleted || p.ChallengeCompletedAt <= 0 {
		return ErrChallengeIncomplete
	}
	if p.AcknowledgedAt <= 0 {
		return apperrors.New(apperrors.CodePresenceAcknowledgmentMissing, "presence acknowledgment timestamp is required")
	}
	return validateAcknowledgments(p.AckReviewedDocument, p.AckIntendsApproval, p.AckActingPersonally)
}

// digestView is the canonical projection of a presence record. Field order
// here is the hashing order and must never change.
type digestView struct {
	ID                   string `json:"id"`
	SessionID            string `json:"session_id"`
	ChallengeCompleted   bool   `json:"challenge_completed"`
	ChallengeCompletedAt int64  `json:"challenge_completed_at"`
	AckReviewedDocument  bool   `json:"ack_reviewed_document"`
	AckIntendsApproval   bool   `json:"ack_intends_approval"`
	AckActingPersonally  bool   `json:"ack_acting_personally"`
	AcknowledgedAt       int64  `json:"acknowledged_at"`
}

// Digest fingerprints the full presence record content. The digest is stored
// inside the attestation record, binding this exact evidence at signing time.
func Digest(p Presence) (string, error) {
	encoded, err := digest.CanonicalJSON(digestView{
		ID:                   p.ID,
		SessionID:            p.SessionID,
		ChallengeCompleted:   p.ChallengeCompleted,
		ChallengeCompletedAt: p.ChallengeCompletedAt,
		AckReviewedDocument:  p.AckReviewedDocument,
		AckIntendsApproval:   p.AckIntendsApproval,
		AckActingPersonally:  p.AckActingPersonally,
		AcknowledgedAt:       p.AcknowledgedAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode presence record: %w", err)
	}
	return digest.Sum(encoded), nil
}

func validateAcknowledgments(reviewed, intends, personally bool) error {
	missing := ""
	switch {
	case !reviewed:
		missing = "reviewed_document"
	case !intends:
		missing = "intends_approval"
	case !personally:
		missing = "acting_personally"
	}
	if missing == "" {
		return nil
	}
	return apperrors.WithMetadata(
		apperrors.CodePresenceAcknowledgmentMissing,
		fmt.Sprintf("presence acknowledgment %s is required", missing),
		map[string]string{"Acknowledgment": missing},
	)
}
