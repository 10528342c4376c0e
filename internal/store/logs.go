package store

import (
	"context"
	"database/sql"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// AppendLog records one node step. Entries are never updated or deleted
// except by cascade when their execution is removed.
func (s *LibSQLStore) AppendLog(ctx context.Context, entry *schema.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, node_id, node_type, action, input, output, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.NodeID, string(entry.NodeType), entry.Action,
		nullRaw(entry.Input), nullRaw(entry.Output), entry.DurationMs, toMillis(entry.CreatedAt),
	)
	if err != nil {
		return storeErr("append log", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListLogs returns an execution's log entries in append order.
func (s *LibSQLStore) ListLogs(ctx context.Context, executionID string) ([]*schema.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, node_type, action, input, output, duration_ms, created_at
		 FROM execution_logs WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, storeErr("list logs", err)
	}
	defer rows.Close()

	var entries []*schema.LogEntry
	for rows.Next() {
		e := &schema.LogEntry{}
		var (
			nodeType      string
			input, output sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.NodeID, &nodeType, &e.Action,
			&input, &output, &e.DurationMs, &createdAt); err != nil {
			return nil, storeErr("scan log", err)
		}
		e.NodeType = schema.NodeType(nodeType)
		e.Input = rawOrNil(input)
		e.Output = rawOrNil(output)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordMessage counts one inbound message for the conversation and returns
// the new total.
func (s *LibSQLStore) RecordMessage(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_stats (conversation_id, message_count, last_message_at) VALUES (?, 1, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   message_count = conversation_stats.message_count + 1,
		   last_message_at = excluded.last_message_at
		 RETURNING message_count`,
		conversationID, toMillis(s.now()),
	).Scan(&count)
	if err != nil {
		return 0, storeErr("record message", err)
	}
	return count, nil
}

// CountMessages returns how many inbound messages were recorded for the conversation.
func (s *LibSQLStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT message_count FROM conversation_stats WHERE conversation_id = ?`, conversationID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("count messages", err)
	}
	return count, nil
}

var _ Store = (*LibSQLStore)(nil)
