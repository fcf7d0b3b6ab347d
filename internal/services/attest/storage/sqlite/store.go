package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/countersign-io/countersign/internal/attest/presence"
	"github.com/countersign-io/countersign/internal/attest/session"
	sqlitemigrate "github.com/countersign-io/countersign/internal/platform/storage/sqlitemigrate"
	"github.com/countersign-io/countersign/internal/services/attest/storage"
	"github.com/countersign-io/countersign/internal/services/attest/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements attestation persistence over SQLite.
//
// A single SQLite file backs sessions, signed records, and presence evidence
// so the approve transition and its record write share one database.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an attestation SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One writer connection keeps concurrent approve transitions queued on
	// the busy timeout instead of surfacing SQLITE_BUSY to callers.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutSession inserts or replaces a session row.
func (s *Store) PutSession(ctx context.Context, sess session.Session) error {
	var approvedAt sql.NullInt64
	if sess.ApprovedAt != nil {
		approvedAt = sql.NullInt64{Int64: toMillis(*sess.ApprovedAt), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO approval_sessions
		 (id, token, document_digest, document_path, document_name,
		  intent_text, intent_digest, status, created_at, expires_at,
		  approved_at, record_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Token,
		sess.DocumentDigest,
		sess.DocumentPath,
		sess.DocumentName,
		sess.IntentText,
		sess.IntentDigest,
		session.StatusLabel(sess.Status),
		toMillis(sess.CreatedAt),
		toMillis(sess.ExpiresAt),
		approvedAt,
		sess.RecordID,
	)
	if err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

const selectSession = `SELECT id, token, document_digest, document_path, document_name,
        intent_text, intent_digest, status, created_at, expires_at,
        approved_at, record_id
 FROM approval_sessions WHERE id = ?`

// GetSession loads one session row by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	return scanSession(s.sqlDB.QueryRowContext(ctx, selectSession, sessionID))
}

// ApproveSession performs the approve transition and the record write as one
// transaction. The status and deadline checks run inside the UPDATE itself,
// so of any number of concurrent approvals exactly one commits; losers roll
// back before their record row ever lands.
func (s *Store) ApproveSession(ctx context.Context, sessionID string, rec storage.StoredRecord, approvedAt time.Time) (session.Session, error) {
	at := toMillis(approvedAt)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, fmt.Errorf("approve session %s: begin: %w", sessionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE approval_sessions
		 SET status = 'approved',
		     approved_at = ?,
		     record_id = ?
		 WHERE id = ? AND status = 'pending' AND expires_at >= ?`,
		at,
		rec.ID,
		sessionID,
		at,
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("approve session %s: %w", sessionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return session.Session{}, fmt.Errorf("approve session %s rows affected: %w", sessionID, err)
	}
	if affected != 1 {
		// Lost the race or arrived late: read the row inside the transaction
		// to report which terminal state won.
		current, err := scanSession(tx.QueryRowContext(ctx, selectSession, sessionID))
		if err != nil {
			return session.Session{}, err
		}
		if current.Status == session.StatusApproved {
			return session.Session{}, session.ErrAlreadyApproved
		}
		return session.Session{}, session.ErrExpired
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attestation_records
		 (id, session_id, document_digest, approver_ref, encoded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SessionID,
		rec.DocumentDigest,
		rec.ApproverRef,
		rec.Encoded,
		toMillis(rec.CreatedAt),
	); err != nil {
		return session.Session{}, fmt.Errorf("approve session %s: put record %s: %w", sessionID, rec.ID, err)
	}

	approved, err := scanSession(tx.QueryRowContext(ctx, selectSession, sessionID))
	if err != nil {
		return session.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, fmt.Errorf("approve session %s: commit: %w", sessionID, err)
	}
	return approved, nil
}

// ExpireSession moves a pending session to expired. Expiring an expired
// session succeeds without changes; an approved session rejects.
func (s *Store) ExpireSession(ctx context.Context, sessionID string) (session.Session, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE approval_sessions
		 SET status = 'expired'
		 WHERE id = ? AND status = 'pending'`,
		sessionID,
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("expire session %s: %w", sessionID, err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return session.Session{}, fmt.Errorf("expire session %s rows affected: %w", sessionID, err)
	}

	current, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if current.Status == session.StatusApproved {
		return session.Session{}, session.ErrAlreadyApproved
	}
	return current, nil
}

// ExpirePastDue marks pending sessions whose deadline has passed as expired.
func (s *Store) ExpirePastDue(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE approval_sessions
		 SET status = 'expired'
		 WHERE status = 'pending' AND expires_at < ?`,
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expire past-due sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire past-due sessions rows affected: %w", err)
	}
	return affected, nil
}

// GetRecord loads one attestation record by id.
func (s *Store) GetRecord(ctx context.Context, recordID string) (storage.StoredRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, session_id, document_digest, approver_ref, encoded, created_at
		 FROM attestation_records WHERE id = ?`,
		recordID,
	)
	return scanRecord(row)
}

// GetRecordBySession loads the attestation record produced by a session.
func (s *Store) GetRecordBySession(ctx context.Context, sessionID string) (storage.StoredRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, session_id, document_digest, approver_ref, encoded, created_at
		 FROM attestation_records WHERE session_id = ?`,
		sessionID,
	)
	return scanRecord(row)
}

// PutPresence stores presence evidence. Presence rows are insert-only.
func (s *Store) PutPresence(ctx context.Context, p presence.Presence) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO presence_records
		 (id, session_id, challenge_completed, challenge_completed_at,
		  ack_reviewed_document, ack_intends_approval, ack_acting_personally,
		  acknowledged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.SessionID,
		boolToInt(p.ChallengeCompleted),
		p.ChallengeCompletedAt,
		boolToInt(p.AckReviewedDocument),
		boolToInt(p.AckIntendsApproval),
		boolToInt(p.AckActingPersonally),
		p.AcknowledgedAt,
	)
	if err != nil {
		return fmt.Errorf("put presence %s: %w", p.ID, err)
	}
	return nil
}

// GetPresence loads one presence row by id.
func (s *Store) GetPresence(ctx context.Context, presenceID string) (presence.Presence, error) {
	var (
		p          presence.Presence
		challenge  int64
		reviewed   int64
		intends    int64
		personally int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, session_id, challenge_completed, challenge_completed_at,
		        ack_reviewed_document, ack_intends_approval,
		        ack_acting_personally, acknowledged_at
		 FROM presence_records WHERE id = ?`,
		presenceID,
	).Scan(
		&p.ID,
		&p.SessionID,
		&challenge,
		&p.ChallengeCompletedAt,
		&reviewed,
		&intends,
		&personally,
		&p.AcknowledgedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return presence.Presence{}, storage.ErrNotFound
		}
		return presence.Presence{}, fmt.Errorf("get presence %s: %w", presenceID, err)
	}
	p.ChallengeCompleted = challenge != 0
	p.AckReviewedDocument = reviewed != 0
	p.AckIntendsApproval = intends != 0
	p.AckActingPersonally = personally != 0
	return p, nil
}

func scanSession(row *sql.Row) (session.Session, error) {
	var (
		sess       session.Session
		status     string
		createdAt  int64
		expiresAt  int64
		approvedAt sql.NullInt64
	)
	err := row.Scan(
		&sess.ID,
		&sess.Token,
		&sess.DocumentDigest,
		&sess.DocumentPath,
		&sess.DocumentName,
		&sess.IntentText,
		&sess.IntentDigest,
		&status,
		&createdAt,
		&expiresAt,
		&approvedAt,
		&sess.RecordID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return session.Session{}, storage.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("scan session: %w", err)
	}

	parsed, err := session.StatusFromLabel(status)
	if err != nil {
		return session.Session{}, fmt.Errorf("scan session %s: %w", sess.ID, err)
	}
	sess.Status = parsed
	sess.CreatedAt = fromMillis(createdAt)
	sess.ExpiresAt = fromMillis(expiresAt)
	if approvedAt.Valid {
		at := fromMillis(approvedAt.Int64)
		sess.ApprovedAt = &at
	}
	return sess, nil
}

func scanRecord(row *sql.Row) (storage.StoredRecord, error) {
	var (
		r         storage.StoredRecord
		createdAt int64
	)
	err := row.Scan(
		&r.ID,
		&r.SessionID,
		&r.DocumentDigest,
		&r.ApproverRef,
		&r.Encoded,
		&createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.StoredRecord{}, storage.ErrNotFound
		}
		return storage.StoredRecord{}, fmt.Errorf("scan record: %w", err)
	}
	r.CreatedAt = fromMillis(createdAt)
	return r, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
