package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path, e.g. "file:/var/lib/kapchat.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Flows ---

const flowColumns = `id, name, description, trigger_type, trigger_value, trigger_condition, is_active, entry_node_id, nodes, version, created_at, updated_at`

// SaveFlow inserts the flow or replaces an existing one with the same id,
// bumping its version.
func (s *LibSQLStore) SaveFlow(ctx context.Context, flow *schema.Flow) error {
	if flow.Nodes == nil {
		flow.Nodes = []schema.Node{}
	}
	nodes, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	now := s.now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO flows (`+flowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   trigger_type=excluded.trigger_type, trigger_value=excluded.trigger_value,
		   trigger_condition=excluded.trigger_condition, is_active=excluded.is_active,
		   entry_node_id=excluded.entry_node_id, nodes=excluded.nodes,
		   version=flows.version + 1, updated_at=excluded.updated_at
		 RETURNING version`,
		flow.ID, flow.Name, nullStr(flow.Description), string(flow.TriggerType),
		nullStr(flow.TriggerValue), nullStr(flow.TriggerCondition), boolInt(flow.IsActive),
		flow.EntryNodeID, string(nodes), toMillis(flow.CreatedAt), toMillis(flow.UpdatedAt),
	).Scan(&flow.Version)
	if err != nil {
		return storeErr("save flow", err)
	}
	return nil
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*schema.Flow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("flow", id)
	}
	if err != nil {
		return nil, storeErr("get flow", err)
	}
	return f, nil
}

// ListFlows returns flows in creation order, which is also trigger evaluation order.
func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*schema.Flow, error) {
	var where []string
	var args []any

	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT ` + flowColumns + ` FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list flows", err)
	}
	defer rows.Close()

	var flows []*schema.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, storeErr("scan flow", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// DeleteFlow removes a flow definition. Executions and logs of the flow are
// kept; a flow with running executions cannot be deleted.
func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete flow", err)
	}
	defer func() { _ = tx.Rollback() }()

	var running int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE flow_id = ? AND status = ?`,
		id, string(schema.ExecutionRunning)).Scan(&running); err != nil {
		return storeErr("count running executions", err)
	}
	if running > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"flow %q has %d running execution(s)", id, running).
			WithDetails(map[string]any{"flow_id": id, "running": running})
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete flow", err)
	}
	if err := checkRowsAffected(res, "flow", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit delete flow", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*schema.Flow, error) {
	f := &schema.Flow{}
	var (
		description, triggerValue, triggerCondition sql.NullString
		triggerType, nodesJSON                      string
		active                                      int
		createdAt, updatedAt                        int64
	)
	if err := row.Scan(&f.ID, &f.Name, &description, &triggerType, &triggerValue, &triggerCondition,
		&active, &f.EntryNodeID, &nodesJSON, &f.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.Description = description.String
	f.TriggerType = schema.TriggerType(triggerType)
	f.TriggerValue = triggerValue.String
	f.TriggerCondition = triggerCondition.String
	f.IsActive = active != 0
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(nodesJSON), &f.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes of flow %s: %w", f.ID, err)
	}
	return f, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.KapchatError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.KapchatError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func millisPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}
