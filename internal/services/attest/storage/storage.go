package storage

import (
	"context"
	"time"

	"github.com/countersign-io/countersign/internal/attest/presence"
	"github.com/countersign-io/countersign/internal/attest/session"
	"github.com/countersign-io/countersign/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// SessionStore persists approval sessions.
//
// ApproveSession and ExpireSession are conditional transitions: they succeed
// only when the stored row is still pending, so concurrent callers observe
// exactly one winner. Losers receive session.ErrAlreadyApproved or
// session.ErrExpired depending on the state the row reached first.
type SessionStore interface {
	PutSession(ctx context.Context, s session.Session) error
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
	// ApproveSession moves a pending, unexpired session to approved and
	// writes its signed record in the same transaction, so a lost race never
	// leaves a record behind.
	ApproveSession(ctx context.Context, sessionID string, rec StoredRecord, approvedAt time.Time) (session.Session, error)
	// ExpireSession moves a pending session to expired. Expiring an already
	// expired session succeeds without changes.
	ExpireSession(ctx context.Context, sessionID string) (session.Session, error)
	// ExpirePastDue marks every pending session whose deadline has passed
	// as expired and returns how many rows changed.
	ExpirePastDue(ctx context.Context, now time.Time) (int64, error)
}

// StoredRecord is an attestation record at rest: the encoded wire form plus
// the fields the service needs to look it up and cross-check.
type StoredRecord struct {
	ID             string
	SessionID      string
	DocumentDigest string
	ApproverRef    string
	Encoded        []byte
	CreatedAt      time.Time
}

// RecordStore reads signed attestation records. Records are written only by
// ApproveSession and are immutable afterwards.
type RecordStore interface {
	GetRecord(ctx context.Context, recordID string) (StoredRecord, error)
	GetRecordBySession(ctx context.Context, sessionID string) (StoredRecord, error)
}

// PresenceStore persists presence evidence. Presence rows are written once
// at approval time and never mutated.
type PresenceStore interface {
	PutPresence(ctx context.Context, p presence.Presence) error
	GetPresence(ctx context.Context, presenceID string) (presence.Presence, error)
}

// Store aggregates the attestation persistence surfaces.
type Store interface {
	SessionStore
	RecordStore
	PresenceStore
	Close() error
}
