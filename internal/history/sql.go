package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev-labs/agentsquad/internal/db"
	"github.com/kandev-labs/agentsquad/internal/db/dialect"
	"github.com/kandev-labs/agentsquad/internal/domain"
)

// SQLStore persists history in a relational table via the shared
// reader/writer Pool, working against either SQLite or PostgreSQL
// depending on the driver the Pool was opened with.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore wraps pool, whose connections must already be opened against
// the intended backend (SQLite or PostgreSQL); dialect differences are
// handled via sqlx.Rebind and the dialect package's SQL fragment helpers.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// Schema is the DDL for the agent_messages table, suitable for both
// backends (SQLite accepts the same TEXT/INTEGER-oriented definition
// Postgres uses here).
const Schema = `
CREATE TABLE IF NOT EXISTS agent_messages (
	id                text PRIMARY KEY,
	execution_id      text NOT NULL,
	sender_id         text NOT NULL,
	recipient_id      text,
	broadcast_scope   text,
	type              text NOT NULL,
	content           text NOT NULL,
	metadata          text,
	conversation_id   text,
	parent_message_id text,
	ack_flag          integer NOT NULL DEFAULT 0,
	follow_up_flag    integer NOT NULL DEFAULT 0,
	escalation_flag   integer NOT NULL DEFAULT 0,
	created_at        timestamp NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_messages_execution ON agent_messages (execution_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_agent_messages_conversation ON agent_messages (conversation_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_agent_messages_recipient ON agent_messages (recipient_id, created_at, id);
`

// Migrate creates the table if it doesn't already exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Writer().ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, msg *domain.AgentMessage) error {
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("history: marshal metadata: %w", err)
	}

	query := `INSERT INTO agent_messages
		(id, execution_id, sender_id, recipient_id, broadcast_scope, type, content, metadata,
		 conversation_id, parent_message_id, ack_flag, follow_up_flag, escalation_flag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(query),
		msg.ID, msg.ExecutionID, msg.SenderID, nullable(msg.RecipientID), nullable(string(msg.BroadcastScope)),
		string(msg.Type), msg.Content, string(metaJSON),
		nullable(msg.ConversationID), nullable(msg.ParentMessageID),
		dialect.BoolToInt(msg.Flags.Acknowledgment), dialect.BoolToInt(msg.Flags.FollowUp), dialect.BoolToInt(msg.Flags.Escalation),
		msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, q Query) ([]*domain.AgentMessage, error) {
	where := ""
	var args []any
	switch {
	case q.ExecutionID != "":
		where = "execution_id = ?"
		args = append(args, q.ExecutionID)
	case q.ConversationID != "":
		where = "conversation_id = ?"
		args = append(args, q.ConversationID)
	case q.AgentID != "":
		where = "(recipient_id = ? OR sender_id = ?)"
		args = append(args, q.AgentID, q.AgentID)
	default:
		where = "1 = 1"
	}

	if !q.Since.IsZero() {
		where += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, q.Since.CreatedAt.UTC(), q.Since.CreatedAt.UTC(), q.Since.ID)
	}

	sqlText := fmt.Sprintf("SELECT id, execution_id, sender_id, recipient_id, broadcast_scope, type, content, metadata, "+
		"conversation_id, parent_message_id, ack_flag, follow_up_flag, escalation_flag, created_at "+
		"FROM agent_messages WHERE %s ORDER BY created_at ASC, id ASC", where)
	if q.Limit > 0 {
		sqlText += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(sqlText), args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.AgentMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteBefore(ctx context.Context, executionID string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM agent_messages WHERE execution_id = ? AND created_at < ?`
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(query), executionID, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("history: delete before: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (*domain.AgentMessage, error) {
	var (
		msg                                     domain.AgentMessage
		recipientID, broadcastScope             sql.NullString
		conversationID, parentMessageID         sql.NullString
		metaJSON                                sql.NullString
		ackFlag, followUpFlag, escalationFlag   int
	)

	if err := rows.Scan(
		&msg.ID, &msg.ExecutionID, &msg.SenderID, &recipientID, &broadcastScope,
		&msg.Type, &msg.Content, &metaJSON,
		&conversationID, &parentMessageID,
		&ackFlag, &followUpFlag, &escalationFlag, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}

	msg.RecipientID = recipientID.String
	msg.BroadcastScope = domain.BroadcastScope(broadcastScope.String)
	msg.ConversationID = conversationID.String
	msg.ParentMessageID = parentMessageID.String
	msg.Flags = domain.MessageFlags{
		Acknowledgment: ackFlag != 0,
		FollowUp:       followUpFlag != 0,
		Escalation:     escalationFlag != 0,
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
