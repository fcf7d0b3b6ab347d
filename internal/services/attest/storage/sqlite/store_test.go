package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/countersign-io/countersign/internal/attest/digest"
	"github.com/countersign-io/countersign/internal/attest/presence"
	"github.com/countersign-io/countersign/internal/attest/session"
	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
	"github.com/countersign-io/countersign/internal/services/attest/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "attest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func testStoredSession(t *testing.T, id string) session.Session {
	t.Helper()
	s, err := session.Create(session.CreateInput{
		DocumentDigest: digest.Sum([]byte("hello")),
		DocumentName:   "contract.pdf",
		IntentText:     "I approve contract.pdf",
	}, func() time.Time {
		return time.Date(2026, time.April, 2, 9, 30, 0, 0, time.UTC)
	}, func() (string, error) {
		return id, nil
	}, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestOpenAppliesPragmas(t *testing.T) {
	store := openTestStore(t)

	var journalMode string
	if err := store.sqlDB.QueryRow(`PRAGMA journal_mode`).Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", journalMode)
	}

	var busyTimeout int64
	if err := store.sqlDB.QueryRow(`PRAGMA busy_timeout`).Scan(&busyTimeout); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Fatalf("expected 5000ms busy timeout, got %d", busyTimeout)
	}

	var foreignKeys int64
	if err := store.sqlDB.QueryRow(`PRAGMA foreign_keys`).Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign keys enabled, got %d", foreignKeys)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	want := testStoredSession(t, "session-01")

	if err := store.PutSession(ctx, want); err != nil {
		t.Fatalf("put session: %v", err)
	}
	got, err := store.GetSession(ctx, want.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got != want {
		t.Fatalf("session mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetSession(context.Background(), "missing")
	if !apperrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func testRecordFor(id, sessionID string) storage.StoredRecord {
	return storage.StoredRecord{
		ID:             id,
		SessionID:      sessionID,
		DocumentDigest: digest.Sum([]byte("hello")),
		ApproverRef:    "user-941",
		Encoded:        []byte(`{"v":"1.0"}`),
		CreatedAt:      time.Date(2026, time.April, 2, 9, 31, 0, 0, time.UTC),
	}
}

func TestApproveSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := testStoredSession(t, "session-01")
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	approvedAt := sess.CreatedAt.Add(time.Minute)
	approved, err := store.ApproveSession(ctx, sess.ID, testRecordFor("record-07", sess.ID), approvedAt)
	if err != nil {
		t.Fatalf("approve session: %v", err)
	}
	if approved.Status != session.StatusApproved {
		t.Fatalf("expected approved status, got %s", session.StatusLabel(approved.Status))
	}
	if approved.RecordID != "record-07" {
		t.Fatalf("expected record reference, got %q", approved.RecordID)
	}
	if approved.ApprovedAt == nil || !approved.ApprovedAt.Equal(approvedAt) {
		t.Fatalf("expected approval timestamp %v, got %v", approvedAt, approved.ApprovedAt)
	}
	if _, err := store.GetRecord(ctx, "record-07"); err != nil {
		t.Fatalf("expected committed record, got %v", err)
	}

	_, err = store.ApproveSession(ctx, sess.ID, testRecordFor("record-08", sess.ID), approvedAt)
	if !apperrors.Is(err, session.ErrAlreadyApproved) {
		t.Fatalf("expected already-approved rejection, got %v", err)
	}
	// The loser's record must roll back with its transition.
	if _, err := store.GetRecord(ctx, "record-08"); !apperrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected losing record absent, got %v", err)
	}
}

func TestApproveSessionPastDeadline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := testStoredSession(t, "session-01")
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	_, err := store.ApproveSession(ctx, sess.ID, testRecordFor("record-07", sess.ID), sess.ExpiresAt.Add(time.Second))
	if !apperrors.Is(err, session.ErrExpired) {
		t.Fatalf("expected expired rejection, got %v", err)
	}
	if _, err := store.GetRecord(ctx, "record-07"); !apperrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no record for rejected approval, got %v", err)
	}
}

func TestApproveSessionExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := testStoredSession(t, "session-01")
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	const attempts = 16
	approvedAt := sess.CreatedAt.Add(time.Minute)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.ApproveSession(ctx, sess.ID, testRecordFor(fmt.Sprintf("record-%02d", i), sess.ID), approvedAt)
		}()
	}
	wg.Wait()

	successes := 0
	for i, err := range errs {
		switch {
		case err == nil:
			successes++
		case apperrors.Is(err, session.ErrAlreadyApproved):
		default:
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful approval, got %d", successes)
	}

	// Exactly one record row survives, and it is the winner's.
	final, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	winner, err := store.GetRecordBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get record by session: %v", err)
	}
	if winner.ID != final.RecordID {
		t.Fatalf("expected record %s, got %s", final.RecordID, winner.ID)
	}
}

func TestExpireSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := testStoredSession(t, "session-01")
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	expired, err := store.ExpireSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("expire session: %v", err)
	}
	if expired.Status != session.StatusExpired {
		t.Fatalf("expected expired status, got %s", session.StatusLabel(expired.Status))
	}

	again, err := store.ExpireSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("expected idempotent expire, got %v", err)
	}
	if again.Status != session.StatusExpired {
		t.Fatalf("expected expired status, got %s", session.StatusLabel(again.Status))
	}

	_, err = store.ApproveSession(ctx, sess.ID, testRecordFor("record-07", sess.ID), sess.CreatedAt.Add(time.Minute))
	if !apperrors.Is(err, session.ErrExpired) {
		t.Fatalf("expected expired rejection after expire, got %v", err)
	}
}

func TestExpireSessionRejectsApproved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := testStoredSession(t, "session-01")
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if _, err := store.ApproveSession(ctx, sess.ID, testRecordFor("record-07", sess.ID), sess.CreatedAt.Add(time.Minute)); err != nil {
		t.Fatalf("approve session: %v", err)
	}

	_, err := store.ExpireSession(ctx, sess.ID)
	if !apperrors.Is(err, session.ErrAlreadyApproved) {
		t.Fatalf("expected already-approved rejection, got %v", err)
	}
}

func TestExpirePastDue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	due := testStoredSession(t, "session-due")
	fresh := testStoredSession(t, "session-fresh")
	if err := store.PutSession(ctx, due); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := store.PutSession(ctx, fresh); err != nil {
		t.Fatalf("put session: %v", err)
	}

	affected, err := store.ExpirePastDue(ctx, due.ExpiresAt.Add(-time.Second))
	if err != nil {
		t.Fatalf("expire past due: %v", err)
	}
	if affected != 0 {
		t.Fatalf("expected no sessions expired before deadline, got %d", affected)
	}

	affected, err = store.ExpirePastDue(ctx, due.ExpiresAt.Add(time.Second))
	if err != nil {
		t.Fatalf("expire past due: %v", err)
	}
	if affected != 2 {
		t.Fatalf("expected both sessions expired past deadline, got %d", affected)
	}

	got, err := store.GetSession(ctx, due.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusExpired {
		t.Fatalf("expected expired status, got %s", session.StatusLabel(got.Status))
	}
}

func TestRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := testStoredSession(t, "session-01")
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}
	want := testRecordFor("record-07", sess.ID)

	if _, err := store.ApproveSession(ctx, sess.ID, want, sess.CreatedAt.Add(time.Minute)); err != nil {
		t.Fatalf("approve session: %v", err)
	}

	got, err := store.GetRecord(ctx, want.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.ID != want.ID || got.SessionID != want.SessionID || string(got.Encoded) != string(want.Encoded) {
		t.Fatalf("record mismatch:\n got %+v\nwant %+v", got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("expected created at %v, got %v", want.CreatedAt, got.CreatedAt)
	}

	bySession, err := store.GetRecordBySession(ctx, want.SessionID)
	if err != nil {
		t.Fatalf("get record by session: %v", err)
	}
	if bySession.ID != want.ID {
		t.Fatalf("expected record %s, got %s", want.ID, bySession.ID)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetRecord(context.Background(), "missing")
	if !apperrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want, err := presence.New(presence.Input{
		SessionID:           "session-01",
		ChallengeCompleted:  true,
		AckReviewedDocument: true,
		AckIntendsApproval:  true,
		AckActingPersonally: true,
	}, func() time.Time {
		return time.Date(2026, time.April, 2, 9, 30, 30, 0, time.UTC)
	}, func() (string, error) {
		return "presence-17", nil
	})
	if err != nil {
		t.Fatalf("create presence: %v", err)
	}

	if err := store.PutPresence(ctx, want); err != nil {
		t.Fatalf("put presence: %v", err)
	}
	got, err := store.GetPresence(ctx, want.ID)
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if got != want {
		t.Fatalf("presence mismatch:\n got %+v\nwant %+v", got, want)
	}

	wantDigest, err := presence.Digest(want)
	if err != nil {
		t.Fatalf("digest presence: %v", err)
	}
	gotDigest, err := presence.Digest(got)
	if err != nil {
		t.Fatalf("digest stored presence: %v", err)
	}
	if gotDigest != wantDigest {
		t.Fatal("expected stored presence to reproduce its digest")
	}
}

func TestGetPresenceNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetPresence(context.Background(), "missing")
	if !apperrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
