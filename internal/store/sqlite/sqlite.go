package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirechat-inbox/internal/store"
)

//go:embed schema.sql
var schema string

// Migrate applies the schema. It is safe to run on an existing database.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup opens the database and runs a setup function before the first use.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with a hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*store.User, error) {
	query := `
		INSERT INTO users (username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, displayName, passwordHash, s.now())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

const userColumns = `id, username, display_name, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var user store.User
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// SearchUsers finds users whose username or display name starts with query.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string, limit int) ([]*store.User, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\'
		ORDER BY username
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []*store.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// ==== ThreadStore implementation ====

// CreateThread stores a thread, its participants, and its first message atomically.
func (s *SQLiteStore) CreateThread(ctx context.Context, in store.NewThread) (*store.Thread, *store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO threads (title, is_group, created_by, revision, updated_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, in.Title, in.IsGroup, in.CreatedBy, now, now)
	if err != nil {
		return nil, nil, fmt.Errorf("insert thread: %w", err)
	}
	threadID, err := result.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("get last insert id: %w", err)
	}

	members := append([]int64{in.CreatedBy}, in.ParticipantIDs...)
	seen := make(map[int64]bool, len(members))
	for _, userID := range members {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_participants (thread_id, user_id, last_read_message_id, joined_at)
			VALUES (?, ?, 0, ?)
		`, threadID, userID, now); err != nil {
			return nil, nil, fmt.Errorf("insert participant %d: %w", userID, err)
		}
	}

	first := in.First
	first.ThreadID = threadID
	if first.SenderID == 0 {
		first.SenderID = in.CreatedBy
	}
	msg, _, err := s.insertMessage(ctx, tx, first, now)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	msg, err = s.getMessage(ctx, msg.ID)
	if err != nil {
		return nil, nil, err
	}
	return thread, msg, nil
}

const threadColumns = `t.id, t.title, t.is_group, t.created_by, t.revision, t.updated_at, t.archived_at, t.created_at`

func scanThread(dest *store.Thread, extra ...any) []any {
	return append([]any{
		&dest.ID, &dest.Title, &dest.IsGroup, &dest.CreatedBy, &dest.Revision, &dest.UpdatedAt,
	}, extra...)
}

// GetThread retrieves a thread by ID, archived or not.
func (s *SQLiteStore) GetThread(ctx context.Context, id int64) (*store.Thread, error) {
	var (
		thread   store.Thread
		archived sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads t WHERE t.id = ?`, id).
		Scan(scanThread(&thread, &archived, &thread.CreatedAt)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query thread: %w", err)
	}
	if archived.Valid {
		thread.ArchivedAt = &archived.Time
	}
	return &thread, nil
}

// ListParticipants returns the thread members in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, threadID int64) ([]store.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.thread_id, p.user_id, u.username, u.display_name, p.last_read_message_id
		FROM thread_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.thread_id = ?
		ORDER BY p.joined_at, p.user_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []store.Participant
	for rows.Next() {
		var p store.Participant
		if err := rows.Scan(&p.ThreadID, &p.UserID, &p.Username, &p.DisplayName, &p.LastReadMessageID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// IsParticipant checks whether a user belongs to a thread.
func (s *SQLiteStore) IsParticipant(ctx context.Context, threadID, userID int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM thread_participants WHERE thread_id = ? AND user_id = ?
	`, threadID, userID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

// ListThreads returns one page of the user's active threads, most recently updated first.
// search matches the title and participant names.
func (s *SQLiteStore) ListThreads(ctx context.Context, userID int64, search string, limit, offset int) ([]store.ThreadSummary, int, error) {
	where := `
		FROM threads t
		JOIN thread_participants me ON me.thread_id = t.id AND me.user_id = ?
		WHERE t.archived_at IS NULL
	`
	args := []any{userID}
	if search = strings.TrimSpace(search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		where += ` AND (t.title LIKE ? ESCAPE '\' OR EXISTS (
			SELECT 1 FROM thread_participants op
			JOIN users u ON u.id = op.user_id
			WHERE op.thread_id = t.id AND (u.username LIKE ? ESCAPE '\' OR u.display_name LIKE ? ESCAPE '\')
		))`
		args = append(args, pattern, pattern, pattern)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.thread_id = t.id AND m.id > me.last_read_message_id AND m.sender_id != me.user_id)
		`+where+`
		ORDER BY t.updated_at DESC, t.id DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}

	var summaries []store.ThreadSummary
	for rows.Next() {
		var (
			sum      store.ThreadSummary
			archived sql.NullTime
		)
		if err := rows.Scan(scanThread(&sum.Thread, &archived, &sum.CreatedAt, &sum.UnreadCount)...); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan thread: %w", err)
		}
		summaries = append(summaries, sum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate threads: %w", err)
	}

	for i := range summaries {
		last, err := s.LastMessage(ctx, summaries[i].ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, 0, err
		}
		summaries[i].LastMessage = last
	}
	return summaries, total, nil
}

// ArchiveThread hides a thread from listings. Its history stays readable.
func (s *SQLiteStore) ArchiveThread(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET archived_at = ? WHERE id = ? AND archived_at IS NULL
	`, s.now(), id)
	if err != nil {
		return fmt.Errorf("archive thread: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetThread(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ==== MessageStore implementation ====

// SaveMessage stores a message and bumps the thread revision. A client token
// already used by the sender in the thread yields the stored message instead.
func (s *SQLiteStore) SaveMessage(ctx context.Context, in store.NewMessage) (*store.Message, int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if in.ClientToken != "" {
		var existingID int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM messages WHERE thread_id = ? AND sender_id = ? AND client_token = ?
		`, in.ThreadID, in.SenderID, in.ClientToken).Scan(&existingID)
		switch {
		case err == nil:
			if err := tx.Commit(); err != nil {
				return nil, 0, false, fmt.Errorf("commit: %w", err)
			}
			msg, err := s.getMessage(ctx, existingID)
			if err != nil {
				return nil, 0, false, err
			}
			thread, err := s.GetThread(ctx, in.ThreadID)
			if err != nil {
				return nil, 0, false, err
			}
			return msg, thread.Revision, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, 0, false, fmt.Errorf("lookup client token: %w", err)
		}
	}

	msg, revision, err := s.insertMessage(ctx, tx, in, s.now())
	if err != nil {
		return nil, 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("commit: %w", err)
	}

	msg, err = s.getMessage(ctx, msg.ID)
	if err != nil {
		return nil, 0, false, err
	}
	return msg, revision, true, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sql.Tx, in store.NewMessage, now time.Time) (*store.Message, int64, error) {
	kind := in.Kind
	if kind == "" {
		kind = store.MessageKindText
	}
	attachments, err := json.Marshal(nonNilAttachments(in.Attachments))
	if err != nil {
		return nil, 0, fmt.Errorf("encode attachments: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (thread_id, sender_id, kind, body, client_token, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, in.ThreadID, in.SenderID, string(kind), in.Body, in.ClientToken, string(attachments), now)
	if err != nil {
		return nil, 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, 0, fmt.Errorf("get last insert id: %w", err)
	}

	var revision int64
	err = tx.QueryRowContext(ctx, `
		UPDATE threads SET revision = revision + 1, updated_at = ? WHERE id = ? RETURNING revision
	`, now, in.ThreadID).Scan(&revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("thread %d: %w", in.ThreadID, store.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("bump revision: %w", err)
	}

	return &store.Message{ID: id}, revision, nil
}

const messageColumns = `m.id, m.thread_id, m.sender_id, COALESCE(NULLIF(u.display_name, ''), u.username, ''),
	m.kind, m.body, m.client_token, m.attachments, m.created_at`

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var (
		msg         store.Message
		kind        string
		attachments string
	)
	if err := row.Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &msg.SenderName,
		&kind, &msg.Body, &msg.ClientToken, &attachments, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Kind = store.MessageKind(kind)
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &msg, nil
}

func (s *SQLiteStore) getMessage(ctx context.Context, id int64) (*store.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves messages for a thread, older than beforeID when set.
// Results come back oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID int64, beforeID *int64, limit int) ([]*store.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.thread_id = ?
	`
	args := []any{threadID}
	if beforeID != nil {
		query += ` AND m.id < ?`
		args = append(args, *beforeID)
	}
	query += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastMessage returns the newest message of a thread.
func (s *SQLiteStore) LastMessage(ctx context.Context, threadID int64) (*store.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.thread_id = ?
		ORDER BY m.id DESC
		LIMIT 1
	`, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread %d has no messages: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query last message: %w", err)
	}
	return msg, nil
}

// ==== ReadStore implementation ====

// MarkRead advances a participant's read watermark. The target is clamped to
// the newest message; the thread revision is bumped only when it moves.
func (s *SQLiteStore) MarkRead(ctx context.Context, threadID, userID, upTo int64) (int64, int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_read_message_id FROM thread_participants WHERE thread_id = ? AND user_id = ?
	`, threadID, userID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, fmt.Errorf("participant %d in thread %d: %w", userID, threadID, store.ErrNotFound)
		}
		return 0, 0, false, fmt.Errorf("query watermark: %w", err)
	}

	var newest, revision int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(id) FROM messages WHERE thread_id = t.id), 0), t.revision
		FROM threads t WHERE t.id = ?
	`, threadID).Scan(&newest, &revision)
	if err != nil {
		return 0, 0, false, fmt.Errorf("query thread head: %w", err)
	}

	target := upTo
	if target > newest {
		target = newest
	}
	if target <= current {
		return current, revision, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE thread_participants SET last_read_message_id = ? WHERE thread_id = ? AND user_id = ?
	`, target, threadID, userID); err != nil {
		return 0, 0, false, fmt.Errorf("update watermark: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		UPDATE threads SET revision = revision + 1 WHERE id = ? RETURNING revision
	`, threadID).Scan(&revision); err != nil {
		return 0, 0, false, fmt.Errorf("bump revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, false, fmt.Errorf("commit: %w", err)
	}
	return target, revision, true, nil
}

// UnreadCount counts messages from others above the user's watermark.
func (s *SQLiteStore) UnreadCount(ctx context.Context, threadID, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN thread_participants p ON p.thread_id = m.thread_id AND p.user_id = ?
		WHERE m.thread_id = ? AND m.id > p.last_read_message_id AND m.sender_id != p.user_id
	`, userID, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// TotalUnread counts unread messages across the user's active threads.
func (s *SQLiteStore) TotalUnread(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN thread_participants p ON p.thread_id = m.thread_id AND p.user_id = ?
		JOIN threads t ON t.id = m.thread_id AND t.archived_at IS NULL
		WHERE m.id > p.last_read_message_id AND m.sender_id != p.user_id
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count total unread: %w", err)
	}
	return count, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNilAttachments(in []store.Attachment) []store.Attachment {
	if in == nil {
		return []store.Attachment{}
	}
	return in
}
