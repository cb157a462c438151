// Package ledger records every message the scanner handles in SQLite, so
// operators can see what happened and repeated timeouts can be capped.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// schemaVersion is stored in PRAGMA user_version. A ledger written by a newer
// build is refused rather than read with the wrong columns.
const schemaVersion = 1

// Ledger is the processing ledger. The HTTP history handler and the poll loop
// share it, so it holds a single connection.
type Ledger struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open creates the ledger file and its directory if needed, then applies the
// schema. The database runs in WAL mode so history reads do not wait on a poll.
func Open(path string, logger *logrus.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{"path": path, "schema": schemaVersion}).Info("Ledger opened")
	return &Ledger{db: db, logger: logger}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read ledger schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema migration: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Outcomes a message can have after one poll. send_failed means the claim
// reached the claims system but the reply could not be sent; the message is
// still acknowledged so the claim is not submitted twice.
const (
	OutcomeProcessed  = "processed"
	OutcomeTimeout    = "timeout"
	OutcomeFailed     = "failed"
	OutcomeSendFailed = "send_failed"
)

const snippetLength = 200

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one message in the ledger
type Entry struct {
	ID          int64     `json:"id"`
	Mailbox     string    `json:"mailbox"`
	UID         uint32    `json:"uid"`
	MessageID   string    `json:"message_id,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Sender      string    `json:"sender,omitempty"`
	Recipients  []string  `json:"recipients,omitempty"`
	Date        time.Time `json:"date"`
	BodySnippet string    `json:"body_snippet,omitempty"`
	Action      string    `json:"action,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Outcome     string    `json:"outcome"`
	ReplyType   string    `json:"reply_type,omitempty"`
	StoredPath  string    `json:"stored_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	Timeouts    int       `json:"timeouts"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snippet shortens a body for storage and search
func Snippet(body string) string {
	r := []rune(body)
	if len(r) > snippetLength {
		return string(r[:snippetLength]) + "..."
	}
	return body
}

// Record upserts the result of one attempt at a message. Attempts counts
// every recording; timeouts counts the ones that timed out.
func (l *Ledger) Record(e Entry) error {
	recipientsJSON, err := json.Marshal(e.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	timedOut := 0
	if e.Outcome == OutcomeTimeout {
		timedOut = 1
	}

	query := `
		INSERT INTO messages (mailbox, uid, message_id, subject, sender, recipients, date, body_snippet, action, reason, outcome, reply_type, stored_path, error, attempts, timeouts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(mailbox, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender = excluded.sender,
			recipients = excluded.recipients,
			date = excluded.date,
			body_snippet = excluded.body_snippet,
			action = excluded.action,
			reason = excluded.reason,
			outcome = excluded.outcome,
			reply_type = excluded.reply_type,
			stored_path = excluded.stored_path,
			error = excluded.error,
			attempts = messages.attempts + 1,
			timeouts = messages.timeouts + excluded.timeouts,
			updated_at = excluded.updated_at
	`
	_, err = l.db.Exec(query,
		e.Mailbox,
		e.UID,
		e.MessageID,
		e.Subject,
		e.Sender,
		string(recipientsJSON),
		formatTime(e.Date),
		Snippet(e.BodySnippet),
		e.Action,
		e.Reason,
		e.Outcome,
		e.ReplyType,
		e.StoredPath,
		e.Error,
		timedOut,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}

// Timeouts returns how often a message has timed out, zero when unknown
func (l *Ledger) Timeouts(mailbox string, uid uint32) (int, error) {
	var n int
	err := l.db.QueryRow("SELECT timeouts FROM messages WHERE mailbox = ? AND uid = ?", mailbox, uid).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read timeouts: %w", err)
	}
	return n, nil
}

// Get returns the entry for a message
func (l *Ledger) Get(mailbox string, uid uint32) (*Entry, error) {
	rows, err := l.db.Query(selectEntries+" WHERE m.mailbox = ? AND m.uid = ?", mailbox, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("message not found: %s/%d", mailbox, uid)
	}
	return &entries[0], nil
}

const selectEntries = `
		SELECT m.id, m.mailbox, m.uid, m.message_id, m.subject, m.sender, m.recipients, m.date, m.body_snippet,
		       m.action, m.reason, m.outcome, m.reply_type, m.stored_path, m.error, m.attempts, m.timeouts, m.updated_at
		FROM messages m`

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var messageID, subject, sender, recipientsJSON, date, snippet sql.NullString
		var action, reason, replyType, storedPath, errText, updatedAt sql.NullString

		err := rows.Scan(
			&e.ID,
			&e.Mailbox,
			&e.UID,
			&messageID,
			&subject,
			&sender,
			&recipientsJSON,
			&date,
			&snippet,
			&action,
			&reason,
			&e.Outcome,
			&replyType,
			&storedPath,
			&errText,
			&e.Attempts,
			&e.Timeouts,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		e.MessageID = messageID.String
		e.Subject = subject.String
		e.Sender = sender.String
		e.BodySnippet = snippet.String
		e.Action = action.String
		e.Reason = reason.String
		e.ReplyType = replyType.String
		e.StoredPath = storedPath.String
		e.Error = errText.String
		e.Date = parseTime(date.String)
		e.UpdatedAt = parseTime(updatedAt.String)
		if recipientsJSON.Valid && recipientsJSON.String != "" {
			if err := json.Unmarshal([]byte(recipientsJSON.String), &e.Recipients); err != nil {
				return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
			}
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
