package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/retry"
	"github.com/playfront/cs-dispatch/internal/storeerr"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite, carrying forward the
// teacher's WAL-mode DSN and connection-pool tuning from
// internal/store/sqlite.go almost verbatim.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates a new SQLite-backed repository and applies migrations.
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	if dbPath == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// withRetry runs a write operation under the spec §4.6 storage retry
// schedule, classifying SQLite busy/locked errors as transient.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, retry.StorageDelays(), storeerr.IsTransient, func() error {
		raw := fn()
		return storeerr.Wrap(op, raw)
	})
	if err != nil && storeerr.IsTransient(err) {
		slog.Warn("storage operation failed after retries", "op", op, "error", err)
	}
	return err
}

func toUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func fromUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func marshalMeta(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMeta(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// --- tickets ---

func (s *SQLiteStore) CreateTicket(ctx context.Context, t *domain.Ticket) error {
	return s.withRetry(ctx, "create_ticket", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tickets (id, ticket_no, token, game_id, server_id, server_name,
				player_id_or_name, description, occurred_at, payment_order_no, status,
				priority, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.TicketNo, t.Token, t.GameID, t.ServerID, t.ServerName,
			t.PlayerIDOrName, t.Description, occurredAtArg(t.OccurredAt), t.PaymentOrderNo,
			string(t.Status), string(t.Priority), t.CreatedAt.Unix(), t.UpdatedAt.Unix())
		if err != nil {
			return err
		}

		isOpen := boolToInt(t.Status.IsOpen())
		for _, id := range t.IssueTypeIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ticket_issue_types (ticket_id, issue_type_id, game_id, server_key, player_id_or_name, is_open)
				 VALUES (?,?,?,?,?,?)`,
				t.ID, id, t.GameID, t.ServerKey(), t.PlayerIDOrName, isOpen); err != nil {
				return err
			}
		}
		for _, a := range t.Attachments {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ticket_attachments (id, ticket_id, file_url, file_name, file_type) VALUES (?,?,?,?,?)`,
				a.ID, t.ID, a.FileURL, a.FileName, a.FileType); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func occurredAtArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

const ticketSelectCols = `id, ticket_no, token, game_id, server_id, server_name,
	player_id_or_name, description, occurred_at, payment_order_no, status, priority,
	created_at, updated_at`

func (s *SQLiteStore) scanTicket(row *sql.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	var status, priority string
	var occurredAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.TicketNo, &t.Token, &t.GameID, &t.ServerID, &t.ServerName,
		&t.PlayerIDOrName, &t.Description, &occurredAt, &t.PaymentOrderNo, &status, &priority,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Status = domain.TicketStatus(status)
	t.Priority = domain.TicketPriority(priority)
	t.OccurredAt = fromUnix(occurredAt)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func (s *SQLiteStore) hydrateTicket(ctx context.Context, t *domain.Ticket) error {
	rows, err := s.db.QueryContext(ctx, `SELECT issue_type_id FROM ticket_issue_types WHERE ticket_id = ?`, t.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		t.IssueTypeIDs = append(t.IssueTypeIDs, id)
	}

	arows, err := s.db.QueryContext(ctx, `SELECT id, file_url, file_name, file_type FROM ticket_attachments WHERE ticket_id = ?`, t.ID)
	if err != nil {
		return err
	}
	defer func() { _ = arows.Close() }()
	for arows.Next() {
		var a domain.Attachment
		if err := arows.Scan(&a.ID, &a.FileURL, &a.FileName, &a.FileType); err != nil {
			return err
		}
		t.Attachments = append(t.Attachments, a)
	}
	return nil
}

func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketSelectCols+` FROM tickets WHERE id = ?`, id)
	t, err := s.scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if t == nil {
		return nil, storeerr.NewNotFound("ticket", id)
	}
	if err := s.hydrateTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) GetTicketByToken(ctx context.Context, token string) (*domain.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketSelectCols+` FROM tickets WHERE token = ?`, token)
	t, err := s.scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("get ticket by token: %w", err)
	}
	if t == nil {
		return nil, storeerr.NewNotFound("ticket", token)
	}
	if err := s.hydrateTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) GetTicketByNo(ctx context.Context, ticketNo string) (*domain.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketSelectCols+` FROM tickets WHERE ticket_no = ?`, ticketNo)
	t, err := s.scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("get ticket by no: %w", err)
	}
	if t == nil {
		return nil, storeerr.NewNotFound("ticket", ticketNo)
	}
	if err := s.hydrateTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTicketStatus(ctx context.Context, id string, status domain.TicketStatus) error {
	return s.withRetry(ctx, "update_ticket_status", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `UPDATE tickets SET status=?, updated_at=? WHERE id=?`,
			string(status), time.Now().Unix(), id); err != nil {
			return err
		}
		// Keep ticket_issue_types.is_open in sync so the composite
		// open-ticket-key index (spec §3/§8) releases the key the
		// instant a ticket turns RESOLVED/CLOSED.
		if _, err := tx.ExecContext(ctx, `UPDATE ticket_issue_types SET is_open=? WHERE ticket_id=?`,
			boolToInt(status.IsOpen()), id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) UpdateTicketPriority(ctx context.Context, id string, priority domain.TicketPriority) error {
	return s.withRetry(ctx, "update_ticket_priority", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tickets SET priority=?, updated_at=? WHERE id=?`,
			string(priority), time.Now().Unix(), id)
		return err
	})
}

func (s *SQLiteStore) FindOpenTicket(ctx context.Context, key domain.OpenTicketKey) (*domain.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticket_id FROM ticket_issue_types
		WHERE game_id = ? AND server_key = ? AND player_id_or_name = ? AND issue_type_id = ?
			AND is_open = 1
		LIMIT 1`, key.GameID, key.ServerKey, key.PlayerIDOrName, key.IssueTypeID)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, storeerr.NewNotFound("ticket", "")
		}
		return nil, fmt.Errorf("find open ticket: %w", err)
	}
	return s.GetTicket(ctx, id)
}

func (s *SQLiteStore) SearchTickets(ctx context.Context, f TicketFilter) ([]*domain.Ticket, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.GameID != "" {
		where += " AND game_id = ?"
		args = append(args, f.GameID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		where += " AND priority = ?"
		args = append(args, string(f.Priority))
	}
	if f.Query != "" {
		where += " AND (description LIKE ? OR ticket_no LIKE ?)"
		like := "%" + f.Query + "%"
		args = append(args, like, like)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tickets: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketSelectCols+` FROM tickets `+where+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		var status, priority string
		var occurredAt sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.TicketNo, &t.Token, &t.GameID, &t.ServerID, &t.ServerName,
			&t.PlayerIDOrName, &t.Description, &occurredAt, &t.PaymentOrderNo, &status, &priority,
			&createdAt, &updatedAt); err != nil {
			return nil, 0, err
		}
		t.Status = domain.TicketStatus(status)
		t.Priority = domain.TicketPriority(priority)
		t.OccurredAt = fromUnix(occurredAt)
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, &t)
	}
	return out, total, nil
}

func (s *SQLiteStore) NextTicketSequence(ctx context.Context, gameID string, day string) (int, error) {
	var seq int
	err := s.withRetry(ctx, "next_ticket_sequence", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ticket_sequences (game_id, day, seq) VALUES (?, ?, 1)
			ON CONFLICT(game_id, day) DO UPDATE SET seq = seq + 1`, gameID, day)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT seq FROM ticket_sequences WHERE game_id=? AND day=?`, gameID, day)
		if err := row.Scan(&seq); err != nil {
			return err
		}
		return tx.Commit()
	})
	return seq, err
}

// --- sessions ---

const sessionSelectCols = `id, ticket_id, status, agent_id, priority_score, detected_intent,
	ai_urgency, ai_conversation_handle, allow_manual_transfer, queued_at, started_at,
	closed_at, transfer_at, transfer_reason, metadata_json, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*domain.Session, error) {
	var sess domain.Session
	var status, urgency string
	var allowManual int
	var queuedAt, startedAt, closedAt, transferAt sql.NullInt64
	var metaJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.TicketID, &status, &sess.AgentID, &sess.PriorityScore,
		&sess.DetectedIntent, &urgency, &sess.AIConversationHandle, &allowManual,
		&queuedAt, &startedAt, &closedAt, &transferAt, &sess.TransferReason, &metaJSON,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.AIUrgency = domain.AIUrgency(urgency)
	sess.AllowManualTransfer = allowManual != 0
	sess.QueuedAt = fromUnix(queuedAt)
	sess.StartedAt = fromUnix(startedAt)
	sess.ClosedAt = fromUnix(closedAt)
	sess.TransferAt = fromUnix(transferAt)
	sess.Metadata = unmarshalMeta(metaJSON)
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	return s.withRetry(ctx, "create_session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, ticket_id, status, agent_id, priority_score,
				detected_intent, ai_urgency, ai_conversation_handle, allow_manual_transfer,
				queued_at, started_at, closed_at, transfer_at, transfer_reason, metadata_json,
				created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			sess.ID, sess.TicketID, string(sess.Status), sess.AgentID, sess.PriorityScore,
			sess.DetectedIntent, string(sess.AIUrgency), sess.AIConversationHandle,
			boolToInt(sess.AllowManualTransfer), toUnix(sess.QueuedAt), toUnix(sess.StartedAt),
			toUnix(sess.ClosedAt), toUnix(sess.TransferAt), sess.TransferReason,
			marshalMeta(sess.Metadata), sess.CreatedAt.Unix(), sess.UpdatedAt.Unix())
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionSelectCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, storeerr.NewNotFound("session", id)
	}
	return sess, nil
}

func (s *SQLiteStore) GetLiveSessionByTicket(ctx context.Context, ticketID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionSelectCols+
		` FROM sessions WHERE ticket_id = ? AND status != 'CLOSED' LIMIT 1`, ticketID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get live session: %w", err)
	}
	if sess == nil {
		return nil, storeerr.NewNotFound("session", ticketID)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*domain.Session, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.GameID != "" {
		where += " AND ticket_id IN (SELECT id FROM tickets WHERE game_id = ?)"
		args = append(args, f.GameID)
	}
	if !f.Since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where += " AND created_at <= ?"
		args = append(args, f.Until.Unix())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionSelectCols+` FROM sessions `+where+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sess)
	}
	return out, total, nil
}

func (s *SQLiteStore) ListQueuedSessions(ctx context.Context, gameID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionSelectCols+` FROM sessions
		WHERE status = 'QUEUED' AND ticket_id IN (SELECT id FROM tickets WHERE game_id = ?)
		ORDER BY priority_score DESC, queued_at ASC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list queued sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, sessionID string, score float64, sysMsg *domain.Message) error {
	return s.withRetry(ctx, "enqueue_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status='QUEUED', queued_at=?, priority_score=?, updated_at=? WHERE id=?`,
			now, score, now, sessionID); err != nil {
			return err
		}
		if sysMsg != nil {
			if err := insertMessageTx(ctx, tx, sysMsg); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) AgentJoin(ctx context.Context, sessionID, agentID string, sysMsg *domain.Message) error {
	return s.withRetry(ctx, "agent_join_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status='IN_PROGRESS', agent_id=?, started_at=?, updated_at=? WHERE id=?`,
			agentID, now, now, sessionID); err != nil {
			return err
		}
		var ticketID string
		if err := tx.QueryRowContext(ctx, `SELECT ticket_id FROM sessions WHERE id=?`, sessionID).Scan(&ticketID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tickets SET status='IN_PROGRESS', updated_at=? WHERE id=?`, now, ticketID); err != nil {
			return err
		}
		if sysMsg != nil {
			if err := insertMessageTx(ctx, tx, sysMsg); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) Assign(ctx context.Context, sessionID, agentID string) error {
	return s.withRetry(ctx, "assign_session", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET agent_id=?, updated_at=? WHERE id=?`,
			agentID, time.Now().Unix(), sessionID)
		return err
	})
}

func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, ticketStatus domain.TicketStatus, sysMsg *domain.Message) error {
	return s.withRetry(ctx, "close_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status='CLOSED', closed_at=?, updated_at=? WHERE id=?`,
			now, now, sessionID); err != nil {
			return err
		}
		var ticketID string
		if err := tx.QueryRowContext(ctx, `SELECT ticket_id FROM sessions WHERE id=?`, sessionID).Scan(&ticketID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tickets SET status=?, updated_at=? WHERE id=?`,
			string(ticketStatus), now, ticketID); err != nil {
			return err
		}
		if sysMsg != nil {
			if err := insertMessageTx(ctx, tx, sysMsg); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) UpdateSessionScore(ctx context.Context, sessionID string, score float64) error {
	return s.withRetry(ctx, "update_session_score", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET priority_score=?, updated_at=? WHERE id=?`,
			score, time.Now().Unix(), sessionID)
		return err
	})
}

func (s *SQLiteStore) SetSessionMetadata(ctx context.Context, sessionID, key, value string) error {
	return s.withRetry(ctx, "set_session_metadata", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var metaJSON string
		if err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM sessions WHERE id=?`, sessionID).Scan(&metaJSON); err != nil {
			return err
		}
		meta := unmarshalMeta(metaJSON)
		meta[key] = value
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata_json=?, updated_at=? WHERE id=?`,
			marshalMeta(meta), time.Now().Unix(), sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) SetSessionAIResult(ctx context.Context, sessionID, detectedIntent string, urgency domain.AIUrgency, conversationHandle string) error {
	return s.withRetry(ctx, "set_session_ai_result", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET detected_intent=?, ai_urgency=?, ai_conversation_handle=?, updated_at=?
			WHERE id=?`,
			detectedIntent, string(urgency), conversationHandle, time.Now().Unix(), sessionID)
		return err
	})
}

func (s *SQLiteStore) SetSessionTransfer(ctx context.Context, sessionID, reason string, at time.Time) error {
	return s.withRetry(ctx, "set_session_transfer", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET transfer_at=?, transfer_reason=?, updated_at=? WHERE id=?`,
			at.Unix(), reason, time.Now().Unix(), sessionID)
		return err
	})
}

// --- messages ---

func insertMessageTx(ctx context.Context, tx *sql.Tx, m *domain.Message) error {
	var nextSeq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE session_id=?`, m.SessionID).Scan(&nextSeq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_type, message_type, content, agent_id,
			metadata_json, created_at, seq)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, string(m.SenderType), string(m.MessageType), m.Content, m.AgentID,
		marshalMeta(m.Metadata), m.CreatedAt.Unix(), nextSeq)
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	return s.withRetry(ctx, "append_message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := insertMessageTx(ctx, tx, m); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_type, message_type, content, agent_id, metadata_json, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func scanMessage(row interface{ Scan(...interface{}) error }) (*domain.Message, error) {
	var m domain.Message
	var senderType, msgType, metaJSON string
	var createdAt int64
	if err := row.Scan(&m.ID, &m.SessionID, &senderType, &msgType, &m.Content, &m.AgentID,
		&metaJSON, &createdAt); err != nil {
		return nil, err
	}
	m.SenderType = domain.SenderType(senderType)
	m.MessageType = domain.MessageType(msgType)
	m.Metadata = unmarshalMeta(metaJSON)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &m, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender_type, message_type, content, agent_id, metadata_json, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NewNotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) SetMessageTranslation(ctx context.Context, messageID, lang, translated, sourceLang, provider string, at time.Time) error {
	return s.withRetry(ctx, "set_message_translation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO message_translations (message_id, lang, translated_content, source_lang, provider, translated_at)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(message_id, lang) DO UPDATE SET
				translated_content=excluded.translated_content,
				source_lang=excluded.source_lang,
				provider=excluded.provider,
				translated_at=excluded.translated_at`,
			messageID, lang, translated, sourceLang, provider, at.Unix())
		return err
	})
}

func (s *SQLiteStore) GetMessageTranslation(ctx context.Context, messageID, lang string) (translated, sourceLang, provider string, at time.Time, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT translated_content, source_lang, provider, translated_at
		FROM message_translations WHERE message_id = ? AND lang = ?`, messageID, lang)
	var ts int64
	scanErr := row.Scan(&translated, &sourceLang, &provider, &ts)
	if scanErr == sql.ErrNoRows {
		return "", "", "", time.Time{}, false, nil
	}
	if scanErr != nil {
		return "", "", "", time.Time{}, false, fmt.Errorf("get message translation: %w", scanErr)
	}
	return translated, sourceLang, provider, time.Unix(ts, 0).UTC(), true, nil
}

// --- ticket messages ---

func (s *SQLiteStore) AppendTicketMessage(ctx context.Context, m *domain.TicketMessage) error {
	return s.withRetry(ctx, "append_ticket_message", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ticket_messages (id, ticket_id, sender_id, content, metadata_json, created_at)
			VALUES (?,?,?,?,?,?)`,
			m.ID, m.TicketID, m.SenderID, m.Content, marshalMeta(m.Metadata), m.CreatedAt.Unix())
		return err
	})
}

func (s *SQLiteStore) ListTicketMessages(ctx context.Context, ticketID string) ([]*domain.TicketMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, sender_id, content, metadata_json, created_at
		FROM ticket_messages WHERE ticket_id = ? ORDER BY created_at ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list ticket messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.TicketMessage
	for rows.Next() {
		var m domain.TicketMessage
		var metaJSON string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.TicketID, &m.SenderID, &m.Content, &metaJSON, &createdAt); err != nil {
			return nil, err
		}
		m.Metadata = unmarshalMeta(metaJSON)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &m)
	}
	return out, nil
}

// --- users / presence ---

func scanUser(row interface{ Scan(...interface{}) error }) (*domain.User, error) {
	var u domain.User
	var role string
	var isOnline int
	var lastLogin sql.NullInt64
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.RealName, &isOnline, &lastLogin); err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	u.IsOnline = isOnline != 0
	u.LastLoginAt = fromUnix(lastLogin)
	return &u, nil
}

const userSelectCols = `id, username, password_hash, role, real_name, is_online, last_login_at`

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userSelectCols+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NewNotFound("user", username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userSelectCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NewNotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) SetUserOnline(ctx context.Context, userID string, online bool) error {
	return s.withRetry(ctx, "set_user_online", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE users SET is_online=? WHERE id=?`, boolToInt(online), userID)
		return err
	})
}

func (s *SQLiteStore) ListOnlineAgents(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userSelectCols+` FROM users WHERE is_online = 1 AND role = 'AGENT'`)
	if err != nil {
		return nil, fmt.Errorf("list online agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *SQLiteStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.withRetry(ctx, "touch_last_login", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, at.Unix(), userID)
		return err
	})
}

func (s *SQLiteStore) CountInProgressSessionsByAgent(ctx context.Context, agentIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return out, nil
	}
	placeholders := make([]byte, 0, len(agentIDs)*2)
	args := make([]interface{}, 0, len(agentIDs))
	for i, id := range agentIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
		out[id] = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*) FROM sessions
		WHERE status = 'IN_PROGRESS' AND agent_id IN (`+string(placeholders)+`)
		GROUP BY agent_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("count in-progress sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, nil
}

// --- reference / supporting data ---

func (s *SQLiteStore) GetIssueType(ctx context.Context, id string) (*domain.IssueType, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, priority_weight, require_direct_transfer, enabled, sort_order
		FROM issue_types WHERE id = ?`, id)
	var it domain.IssueType
	var direct, enabled int
	err := row.Scan(&it.ID, &it.Name, &it.PriorityWeight, &direct, &enabled, &it.SortOrder)
	if err == sql.ErrNoRows {
		return nil, storeerr.NewNotFound("issue_type", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue type: %w", err)
	}
	it.RequireDirectTransfer = direct != 0
	it.Enabled = enabled != 0
	return &it, nil
}

func (s *SQLiteStore) ListIssueTypes(ctx context.Context, gameID string) ([]*domain.IssueType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority_weight, require_direct_transfer, enabled, sort_order
		FROM issue_types WHERE enabled = 1 ORDER BY sort_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("list issue types: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.IssueType
	for rows.Next() {
		var it domain.IssueType
		var direct, enabled int
		if err := rows.Scan(&it.ID, &it.Name, &it.PriorityWeight, &direct, &enabled, &it.SortOrder); err != nil {
			return nil, err
		}
		it.RequireDirectTransfer = direct != 0
		it.Enabled = enabled != 0
		out = append(out, &it)
	}
	return out, nil
}

func (s *SQLiteStore) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, ai_credential_ciphertext, ai_base_url FROM games WHERE id = ?`, id)
	var g domain.Game
	var enabled int
	err := row.Scan(&g.ID, &g.Name, &enabled, &g.AICredentialCiphertext, &g.AIBaseURL)
	if err == sql.ErrNoRows {
		return nil, storeerr.NewNotFound("game", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get game: %w", err)
	}
	g.Enabled = enabled != 0
	return &g, nil
}

func (s *SQLiteStore) ListQuickReplies(ctx context.Context, categoryID string) ([]*domain.QuickReply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, title, content, usage_count, is_favorite, deleted_at
		FROM quick_replies WHERE category_id = ? AND deleted_at IS NULL
		ORDER BY is_favorite DESC, usage_count DESC`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list quick replies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.QuickReply
	for rows.Next() {
		var qr domain.QuickReply
		var favorite int
		var deletedAt sql.NullInt64
		if err := rows.Scan(&qr.ID, &qr.CategoryID, &qr.Title, &qr.Content, &qr.UsageCount, &favorite, &deletedAt); err != nil {
			return nil, err
		}
		qr.IsFavorite = favorite != 0
		qr.DeletedAt = fromUnix(deletedAt)
		out = append(out, &qr)
	}
	return out, nil
}

func (s *SQLiteStore) IncrementQuickReplyUsage(ctx context.Context, id string) error {
	return s.withRetry(ctx, "increment_quick_reply_usage", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE quick_replies SET usage_count = usage_count + 1 WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) RecordSatisfactionRating(ctx context.Context, r *domain.SatisfactionRating) error {
	return s.withRetry(ctx, "record_satisfaction_rating", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO satisfaction_ratings (session_id, rating, comment, created_at) VALUES (?,?,?,?)
			ON CONFLICT(session_id) DO UPDATE SET rating=excluded.rating, comment=excluded.comment`,
			r.SessionID, r.Rating, r.Comment, r.CreatedAt.Unix())
		return err
	})
}

func (s *SQLiteStore) GetSatisfactionRating(ctx context.Context, sessionID string) (*domain.SatisfactionRating, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, rating, comment, created_at FROM satisfaction_ratings WHERE session_id = ?`, sessionID)
	var r domain.SatisfactionRating
	var createdAt int64
	err := row.Scan(&r.SessionID, &r.Rating, &r.Comment, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storeerr.NewNotFound("satisfaction_rating", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get satisfaction rating: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

func (s *SQLiteStore) RecentClosedSessionDurations(ctx context.Context, gameID string, limit int) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT started_at, closed_at FROM sessions
		WHERE status = 'CLOSED' AND started_at IS NOT NULL AND closed_at IS NOT NULL
			AND ticket_id IN (SELECT id FROM tickets WHERE game_id = ?)
		ORDER BY closed_at DESC LIMIT ?`, gameID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent closed session durations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []time.Duration
	for rows.Next() {
		var started, closed int64
		if err := rows.Scan(&started, &closed); err != nil {
			return nil, err
		}
		out = append(out, time.Duration(closed-started)*time.Second)
	}
	return out, nil
}
