package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

// ErrNotContinuable is returned when a continuation targets a message that
// is not flagged incomplete.
var ErrNotContinuable = errors.New("message is not continuable")

// Turn groups the two messages of one completed exchange.
type Turn struct {
	UserID           int64
	SessionID        int64
	UserContent      string
	Attachments      []models.AttachmentMeta
	AssistantContent string
	Incomplete       bool
}

// PersistTurn writes the user message and the assistant reply in one
// transaction and bumps the session counters. Either both messages land
// or neither does.
func (s *Service) PersistTurn(ctx context.Context, turn Turn) (*models.Message, *models.Message, error) {
	if turn.UserID <= 0 {
		return nil, nil, errors.New("user_id is required")
	}
	if turn.SessionID <= 0 {
		return nil, nil, errors.New("session_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var owned bool
	if err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ? AND user_id = ?)`,
		turn.SessionID, turn.UserID,
	).Scan(&owned); err != nil {
		return nil, nil, fmt.Errorf("verify session: %w", err)
	}
	if !owned {
		err = sql.ErrNoRows
		return nil, nil, err
	}

	now := time.Now().UTC()

	attachmentsJSON, err := encodeAttachments(turn.Attachments)
	if err != nil {
		return nil, nil, err
	}

	userMsg := &models.Message{
		UserID:      turn.UserID,
		SessionID:   turn.SessionID,
		Role:        models.RoleUser,
		Content:     turn.UserContent,
		Attachments: turn.Attachments,
		CreatedAt:   now,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (user_id, session_id, role, content, attachments, incomplete, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		userMsg.UserID, userMsg.SessionID, userMsg.Role, userMsg.Content, attachmentsJSON, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert user message: %w", err)
	}
	if userMsg.ID, err = res.LastInsertId(); err != nil {
		return nil, nil, fmt.Errorf("user message id: %w", err)
	}

	assistantMsg := &models.Message{
		UserID:     turn.UserID,
		SessionID:  turn.SessionID,
		Role:       models.RoleAssistant,
		Content:    turn.AssistantContent,
		Incomplete: turn.Incomplete,
		CreatedAt:  now,
	}
	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (user_id, session_id, role, content, attachments, incomplete, created_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		assistantMsg.UserID, assistantMsg.SessionID, assistantMsg.Role, assistantMsg.Content, assistantMsg.Incomplete, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert assistant message: %w", err)
	}
	if assistantMsg.ID, err = res.LastInsertId(); err != nil {
		return nil, nil, fmt.Errorf("assistant message id: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 2, last_message_at = ?, updated_at = ? WHERE id = ?`,
		now, now, turn.SessionID,
	); err != nil {
		return nil, nil, fmt.Errorf("update session counters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit turn: %w", err)
	}
	return userMsg, assistantMsg, nil
}

// RecentMessages returns the last limit messages of a session, oldest first.
func (s *Service) RecentMessages(ctx context.Context, userID, sessionID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, role, content, attachments, incomplete, created_at
		 FROM messages WHERE session_id = ? AND user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse the newest-first query result.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LatestIncompleteMessage returns the most recent assistant message of the
// session if it is still flagged incomplete.
func (s *Service) LatestIncompleteMessage(ctx context.Context, userID, sessionID int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, role, content, attachments, incomplete, created_at
		 FROM messages WHERE session_id = ? AND user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID, userID,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotContinuable
		}
		return nil, fmt.Errorf("latest message: %w", err)
	}
	if m.Role != models.RoleAssistant || !m.Incomplete {
		return nil, ErrNotContinuable
	}
	return m, nil
}

// ContinueAssistantMessage appends the continuation text to an incomplete
// assistant message and clears its flag in the same transaction. A message
// gets at most one continuation.
func (s *Service) ContinueAssistantMessage(ctx context.Context, userID, messageID int64, continuation string) (*models.Message, error) {
	if messageID <= 0 {
		return nil, errors.New("invalid message id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, role, content, attachments, incomplete, created_at
		 FROM messages WHERE id = ? AND user_id = ?`,
		messageID, userID,
	)
	var m *models.Message
	if m, err = scanMessage(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("load message: %w", err)
	}
	if m.Role != models.RoleAssistant || !m.Incomplete {
		err = ErrNotContinuable
		return nil, err
	}

	m.Content += continuation
	m.Incomplete = false
	now := time.Now().UTC()
	// The incomplete predicate makes the append single-shot: a concurrent
	// continuation that read the same row loses the write and affects no
	// rows instead of overwriting the first append.
	var res sql.Result
	if res, err = tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, incomplete = 0 WHERE id = ? AND incomplete = 1`,
		m.Content, m.ID,
	); err != nil {
		return nil, fmt.Errorf("append continuation: %w", err)
	}
	var affected int64
	if affected, err = res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("continuation rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrNotContinuable
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		now, now, m.SessionID,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit continuation: %w", err)
	}
	return m, nil
}

func encodeAttachments(meta []models.AttachmentMeta) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode attachments: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m           models.Message
		attachments sql.NullString
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Role, &m.Content, &attachments, &m.Incomplete, &m.CreatedAt); err != nil {
		return nil, err
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &m, nil
}
