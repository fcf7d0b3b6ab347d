// Package attest orchestrates the approval flow: sessions, presence
// evidence, record signing, and verification over a persistent store.
package attest

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/countersign-io/countersign/internal/attest/digest"
	"github.com/countersign-io/countersign/internal/attest/presence"
	"github.com/countersign-io/countersign/internal/attest/record"
	"github.com/countersign-io/countersign/internal/attest/session"
	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
	"github.com/countersign-io/countersign/internal/platform/id"
	"github.com/countersign-io/countersign/internal/services/attest/grant"
	"github.com/countersign-io/countersign/internal/services/attest/storage"
)

// ErrTokenMismatch indicates an approval with the wrong session token.
var ErrTokenMismatch = apperrors.New(apperrors.CodeSessionTokenMismatch, "session token does not match")

// Config carries the dependencies for the attestation service.
type Config struct {
	Store      storage.Store
	SigningKey ed25519.PrivateKey
	// Grant enables approval grant verification when configured.
	Grant grant.Config
	// SessionTTL defaults to session.DefaultTTL when zero.
	SessionTTL time.Duration

	// Test seams. Nil values fall back to real implementations.
	Now            func() time.Time
	IDGenerator    func() (string, error)
	TokenGenerator func() (string, error)
}

// Service implements the attestation workflows.
type Service struct {
	store          storage.Store
	signingKey     ed25519.PrivateKey
	grantConfig    grant.Config
	sessionTTL     time.Duration
	now            func() time.Time
	idGenerator    func() (string, error)
	tokenGenerator func() (string, error)
}

// NewService validates configuration and builds the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = session.DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:          cfg.Store,
		signingKey:     cfg.SigningKey,
		grantConfig:    cfg.Grant,
		sessionTTL:     ttl,
		now:            now,
		idGenerator:    cfg.IDGenerator,
		tokenGenerator: cfg.TokenGenerator,
	}, nil
}

// CreateSessionInput carries the data to open an approval session.
type CreateSessionInput struct {
	// Document is the content under review. The service stores only its
	// digest; the bytes stay with the caller.
	Document     []byte
	DocumentPath string
	DocumentName string
	IntentText   string
	// TTL overrides the service default for this session when positive.
	TTL time.Duration
}

// CreateSession hashes the document, canonicalizes the intent, and opens a
// pending session.
func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (session.Session, error) {
	ttl := input.TTL
	if ttl == 0 {
		ttl = s.sessionTTL
	}
	sess, err := session.Create(session.CreateInput{
		DocumentDigest: digest.Sum(input.Document),
		DocumentPath:   input.DocumentPath,
		DocumentName:   input.DocumentName,
		IntentText:     input.IntentText,
		TTL:            ttl,
	}, s.now, s.idGenerator, s.tokenGenerator)
	if err != nil {
		return session.Session{}, err
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// GetSession loads a session by id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ApproveInput carries everything needed for the approve transition.
type ApproveInput struct {
	SessionID string
	// Token must match the session's access token.
	Token string
	// Grant is the approval grant token, required when the service is
	// configured with a grant verifier.
	Grant string

	ApproverRef   string
	ApproverLabel string
	Assisted      bool

	// PresenceID reuses existing presence evidence instead of creating it.
	PresenceID string
	// Confirmation state, used when PresenceID is empty.
	ChallengeCompleted  bool
	AckReviewedDocument bool
	AckIntendsApproval  bool
	AckActingPersonally bool
}

// ApproveResult is the outcome of a successful approval.
type ApproveResult struct {
	Session  session.Session
	Record   record.Record
	Presence presence.Presence
	// Encoded is the wire form of the signed record, as persisted.
	Encoded []byte
}

// Approve runs the full approve transition: authenticate the caller, secure
// presence evidence, sign the attestation record, and move the session to
// approved exactly once.
func (s *Service) Approve(ctx context.Context, input ApproveInput) (ApproveResult, error) {
	sess, err := s.store.GetSession(ctx, input.SessionID)
	if err != nil {
		return ApproveResult{}, err
	}
	if subtle.ConstantTimeCompare([]byte(input.Token), []byte(sess.Token)) != 1 {
		return ApproveResult{}, ErrTokenMismatch
	}
	switch sess.Status {
	case session.StatusApproved:
		return ApproveResult{}, session.ErrAlreadyApproved
	case session.StatusExpired:
		return ApproveResult{}, session.ErrExpired
	}

	if s.grantConfig.Enabled() {
		if _, err := grant.Validate(input.Grant, grant.Expectation{
			SessionID:      sess.ID,
			DocumentDigest: sess.DocumentDigest,
			ApproverRef:    input.ApproverRef,
		}, s.grantConfig); err != nil {
			return ApproveResult{}, err
		}
	}

	pres, err := s.securePresence(ctx, sess.ID, input)
	if err != nil {
		return ApproveResult{}, err
	}
	presenceDigest, err := presence.Digest(pres)
	if err != nil {
		return ApproveResult{}, err
	}

	rec, err := record.New(record.Fields{
		DocumentDigest: sess.DocumentDigest,
		IntentText:     sess.IntentText,
		ApproverRef:    input.ApproverRef,
		ApproverLabel:  input.ApproverLabel,
		PresenceRef:    pres.ID,
		PresenceDigest: presenceDigest,
		Assisted:       input.Assisted,
	}, s.signingKey, s.now)
	if err != nil {
		return ApproveResult{}, err
	}
	encoded, err := record.Encode(rec)
	if err != nil {
		return ApproveResult{}, err
	}

	recordID, err := s.newID()
	if err != nil {
		return ApproveResult{}, fmt.Errorf("generate record id: %w", err)
	}
	createdAt := s.now().UTC()
	// The record write and the session transition commit together, so a
	// lost race never leaves a signed record behind.
	approved, err := s.store.ApproveSession(ctx, sess.ID, storage.StoredRecord{
		ID:             recordID,
		SessionID:      sess.ID,
		DocumentDigest: rec.DocumentDigest,
		ApproverRef:    rec.ApproverRef,
		Encoded:        encoded,
		CreatedAt:      createdAt,
	}, createdAt)
	if err != nil {
		return ApproveResult{}, err
	}

	return ApproveResult{
		Session:  approved,
		Record:   rec,
		Presence: pres,
		Encoded:  encoded,
	}, nil
}

// securePresence loads and re-validates caller-supplied evidence, or creates
// a fresh presence record from the confirmation state.
func (s *Service) securePresence(ctx context.Context, sessionID string, input ApproveInput) (presence.Presence, error) {
	if input.PresenceID != "" {
		pres, err := s.store.GetPresence(ctx, input.PresenceID)
		if err != nil {
			return presence.Presence{}, err
		}
		if pres.SessionID != sessionID {
			return presence.Presence{}, apperrors.WithMetadata(
				apperrors.CodePresenceEmptySessionID,
				"presence record belongs to a different session",
				map[string]string{"SessionID": pres.SessionID},
			)
		}
		if err := presence.Validate(pres); err != nil {
			return presence.Presence{}, err
		}
		return pres, nil
	}

	pres, err := presence.New(presence.Input{
		SessionID:           sessionID,
		ChallengeCompleted:  input.ChallengeCompleted,
		AckReviewedDocument: input.AckReviewedDocument,
		AckIntendsApproval:  input.AckIntendsApproval,
		AckActingPersonally: input.AckActingPersonally,
	}, s.now, s.idGenerator)
	if err != nil {
		return presence.Presence{}, err
	}
	if err := s.store.PutPresence(ctx, pres); err != nil {
		return presence.Presence{}, err
	}
	return pres, nil
}

// ExpireSession moves a session to expired.
func (s *Service) ExpireSession(ctx context.Context, sessionID string) (session.Session, error) {
	return s.store.ExpireSession(ctx, sessionID)
}

// GetRecord loads a stored attestation record by id.
func (s *Service) GetRecord(ctx context.Context, recordID string) (storage.StoredRecord, error) {
	return s.store.GetRecord(ctx, recordID)
}

// VerifyResult pairs the cryptographic outcome with an advisory check of the
// locally stored presence evidence.
type VerifyResult struct {
	Outcome record.Outcome
	// PresenceKnown reports whether the referenced presence evidence is in
	// this store; PresenceMatches whether its digest still reproduces the
	// one bound into the record. Both advisory: the signature outcome alone
	// decides validity.
	PresenceKnown   bool
	PresenceMatches bool
}

// VerifyRecord checks document bytes against a stored record.
func (s *Service) VerifyRecord(ctx context.Context, document []byte, recordID string) (VerifyResult, error) {
	stored, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return VerifyResult{}, err
	}
	return s.verifyEncoded(ctx, document, stored.Encoded), nil
}

// VerifyEncoded checks document bytes against an externally supplied encoded
// record. Malformed input is an outcome, not an error.
func (s *Service) VerifyEncoded(ctx context.Context, document []byte, encoded []byte) VerifyResult {
	return s.verifyEncoded(ctx, document, encoded)
}

func (s *Service) verifyEncoded(ctx context.Context, document []byte, encoded []byte) VerifyResult {
	result := VerifyResult{Outcome: record.VerifyEncoded(document, encoded)}
	if !result.Outcome.Valid {
		return result
	}

	rec, err := record.Decode(encoded)
	if err != nil {
		return result
	}
	pres, err := s.store.GetPresence(ctx, rec.PresenceRef)
	if err != nil {
		return result
	}
	result.PresenceKnown = true
	presenceDigest, err := presence.Digest(pres)
	if err != nil {
		return result
	}
	result.PresenceMatches = presenceDigest == rec.PresenceDigest
	return result
}

// SweepExpired expires every pending session past its deadline.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.ExpirePastDue(ctx, s.now())
}

func (s *Service) newID() (string, error) {
	if s.idGenerator != nil {
		return s.idGenerator()
	}
	return id.NewID()
}
