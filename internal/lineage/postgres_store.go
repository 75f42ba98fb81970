package lineage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. Policies are stored
// as JSONB, children as a text array.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, l *Lineage) error {
	policy, err := json.Marshal(l.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agent_lineages (agent_id, parent_id, root_id, depth, children_ids, status, spawn_policy, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7::JSONB, $8, $8)
	`, l.AgentID, l.ParentID, l.RootID, l.Depth, pq.Array(l.ChildrenIDs), l.Status, string(policy), now)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrChildExists
		}
		return fmt.Errorf("create lineage: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, agentID string) (*Lineage, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT agent_id, COALESCE(parent_id, ''), root_id, depth, children_ids, status, spawn_policy::TEXT, created_at, updated_at
		FROM agent_lineages WHERE agent_id = $1
	`, agentID)
	l, err := scanLineage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLineageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lineage: %w", err)
	}
	return l, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, agentID, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agent_lineages SET status = $1, updated_at = NOW() WHERE agent_id = $2
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("update lineage status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLineageNotFound
	}
	return nil
}

func (p *PostgresStore) CreateChild(ctx context.Context, parentID string, child *Lineage, event *SpawnEvent) error {
	policy, err := json.Marshal(child.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	inherited, err := json.Marshal(event.InheritedPolicy)
	if err != nil {
		return fmt.Errorf("marshal inherited policy: %w", err)
	}
	now := time.Now()
	child.CreatedAt = now
	child.UpdatedAt = now
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spawn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_lineages (agent_id, parent_id, root_id, depth, children_ids, status, spawn_policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8, $8)
	`, child.AgentID, child.ParentID, child.RootID, child.Depth, pq.Array(child.ChildrenIDs), child.Status, string(policy), now)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrChildExists
		}
		return fmt.Errorf("create child lineage: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE agent_lineages SET children_ids = array_append(children_ids, $1), updated_at = $2
		WHERE agent_id = $3
	`, child.AgentID, now, parentID)
	if err != nil {
		return fmt.Errorf("append child: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLineageNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO spawn_events (id, parent_id, child_id, depth, inherited_policy, authorized, created_at)
		VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7)
	`, event.ID, event.ParentID, event.ChildID, event.Depth, string(inherited), event.Authorized, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append spawn event: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ListEvents(ctx context.Context, agentID string, limit int) ([]*SpawnEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, parent_id, child_id, depth, inherited_policy::TEXT, authorized, created_at
		FROM spawn_events WHERE parent_id = $1 OR child_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list spawn events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*SpawnEvent
	for rows.Next() {
		var e SpawnEvent
		var policy string
		if err := rows.Scan(&e.ID, &e.ParentID, &e.ChildID, &e.Depth, &policy, &e.Authorized, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spawn event: %w", err)
		}
		if err := json.Unmarshal([]byte(policy), &e.InheritedPolicy); err != nil {
			return nil, fmt.Errorf("unmarshal inherited policy: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func scanLineage(scan func(dest ...interface{}) error) (*Lineage, error) {
	var l Lineage
	var policy string
	var children pq.StringArray
	if err := scan(&l.AgentID, &l.ParentID, &l.RootID, &l.Depth, &children, &l.Status, &policy, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.ChildrenIDs = []string(children)
	if err := json.Unmarshal([]byte(policy), &l.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return &l, nil
}
