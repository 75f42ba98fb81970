package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore writes audit entries to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an audit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, agent_id, action, resource, resource_id, decision, reasoning, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.AgentID, entry.Action, entry.Resource, entry.ResourceID,
		string(entry.Decision), entry.Reasoning, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, agent_id, action, resource, resource_id, decision, COALESCE(reasoning, ''), created_at
		FROM audit_log`
	var conditions []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.Decision != "" {
		add("decision = $%d", string(q.Decision))
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at <= $%d", q.To)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var decision string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &e.Resource, &e.ResourceID, &decision, &e.Reasoning, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Decision = Decision(decision)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
