package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const executionColumns = `id, flow_id, conversation_id, phone, contact_name, current_node_id, variables, status, resume_at, error_message, started_at, last_activity_at, completed_at, version`

// CreateExecution inserts a new execution at version 1. A second running
// execution for the same conversation is rejected by the partial unique index.
func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	vars, err := marshalMapOrDefault(exec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	now := s.now()
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	exec.LastActivityAt = now
	exec.Version = 1

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.FlowID, exec.ConversationID, exec.Phone, nullStr(exec.ContactName),
		nullStr(exec.CurrentNodeID), vars, string(exec.Status), nullMillis(exec.ResumeAt),
		nullStr(exec.ErrorMessage), toMillis(exec.StartedAt), toMillis(exec.LastActivityAt),
		nullMillis(exec.CompletedAt), exec.Version,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeAlreadyRunning,
			"conversation %q already has a running execution", exec.ConversationID).WithCause(err)
	}
	if err != nil {
		return storeErr("create execution", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return e, nil
}

// GetRunningExecution returns the conversation's running execution, or nil
// when there is none.
func (s *LibSQLStore) GetRunningExecution(ctx context.Context, conversationID string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE conversation_id = ? AND status = 'running'`,
		conversationID)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get running execution", err)
	}
	return e, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.LastActivityBefore != nil {
		where = append(where, "last_activity_at < ?")
		args = append(args, toMillis(*filter.LastActivityBefore))
	}
	if filter.ResumeBefore != nil {
		where = append(where, "resume_at IS NOT NULL AND resume_at <= ?")
		args = append(args, toMillis(*filter.ResumeBefore))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var execs []*schema.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// UpdateExecution writes every mutable field if the stored version still equals
// exec.Version. On success exec.Version is incremented and LastActivityAt
// refreshed; on a stale version the row is untouched and CONFLICT is returned.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *schema.Execution) error {
	vars, err := marshalMapOrDefault(exec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	now := s.now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
		   current_node_id = ?, variables = ?, status = ?, resume_at = ?, error_message = ?,
		   last_activity_at = ?, completed_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		nullStr(exec.CurrentNodeID), vars, string(exec.Status), nullMillis(exec.ResumeAt),
		nullStr(exec.ErrorMessage), toMillis(now), nullMillis(exec.CompletedAt),
		exec.ID, exec.Version,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeAlreadyRunning,
			"conversation %q already has a running execution", exec.ConversationID).WithCause(err)
	}
	if err != nil {
		return storeErr("update execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		if _, getErr := s.GetExecution(ctx, exec.ID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q was modified concurrently (expected version %d)", exec.ID, exec.Version).
			WithDetails(map[string]any{"execution_id": exec.ID, "expected_version": exec.Version})
	}
	exec.Version++
	exec.LastActivityAt = now
	return nil
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	e := &schema.Execution{}
	var (
		contactName, currentNode, errMsg sql.NullString
		varsJSON, status                 string
		resumeAt, completedAt            sql.NullInt64
		startedAt, lastActivity          int64
	)
	if err := row.Scan(&e.ID, &e.FlowID, &e.ConversationID, &e.Phone, &contactName, &currentNode,
		&varsJSON, &status, &resumeAt, &errMsg, &startedAt, &lastActivity, &completedAt, &e.Version); err != nil {
		return nil, err
	}
	e.ContactName = contactName.String
	e.CurrentNodeID = currentNode.String
	e.ErrorMessage = errMsg.String
	e.Status = schema.ExecutionStatus(status)
	e.ResumeAt = millisPtr(resumeAt)
	e.CompletedAt = millisPtr(completedAt)
	e.StartedAt = fromMillis(startedAt)
	e.LastActivityAt = fromMillis(lastActivity)
	e.Variables = map[string]any{}
	if varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &e.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables of execution %s: %w", e.ID, err)
		}
	}
	return e, nil
}
