package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateOwner(ctx context.Context, owner *Owner) error {
	now := time.Now()
	owner.CreatedAt = now
	owner.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO owners (id, name, email, api_key_hash, webhook_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, owner.ID, owner.Name, owner.Email, owner.APIKeyHash, owner.WebhookURL, now)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateAPIKey
		}
		return fmt.Errorf("create owner: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetOwner(ctx context.Context, id string) (*Owner, error) {
	return p.scanOwner(p.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(email, ''), api_key_hash, COALESCE(webhook_url, ''), created_at, updated_at
		FROM owners WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetOwnerByKeyHash(ctx context.Context, keyHash string) (*Owner, error) {
	return p.scanOwner(p.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(email, ''), api_key_hash, COALESCE(webhook_url, ''), created_at, updated_at
		FROM owners WHERE api_key_hash = $1
	`, keyHash))
}

func (p *PostgresStore) scanOwner(row *sql.Row) (*Owner, error) {
	var o Owner
	err := row.Scan(&o.ID, &o.Name, &o.Email, &o.APIKeyHash, &o.WebhookURL, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOwnerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}
	return &o, nil
}

func (p *PostgresStore) RotateOwnerKey(ctx context.Context, id, newKeyHash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE owners SET api_key_hash = $1, updated_at = NOW() WHERE id = $2
	`, newKeyHash, id)
	if err != nil {
		return fmt.Errorf("rotate owner key: %w", err)
	}
	return requireRow(result, ErrOwnerNotFound)
}

func (p *PostgresStore) UpdateOwner(ctx context.Context, owner *Owner) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE owners SET name = $1, email = $2, webhook_url = $3, updated_at = NOW()
		WHERE id = $4
	`, owner.Name, owner.Email, owner.WebhookURL, owner.ID)
	if err != nil {
		return fmt.Errorf("update owner: %w", err)
	}
	return requireRow(result, ErrOwnerNotFound)
}

func (p *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	metadata, err := json.Marshal(agent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}
	if agent.Status == "" {
		agent.Status = AgentActive
	}
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (id, owner_id, name, status, api_key_hash, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, agent.ID, agent.OwnerID, agent.Name, string(agent.Status), agent.APIKeyHash, metadata, now)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAgentExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return p.scanAgent(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, status, api_key_hash, metadata, created_at, updated_at
		FROM agents WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetAgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	return p.scanAgent(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, status, api_key_hash, metadata, created_at, updated_at
		FROM agents WHERE api_key_hash = $1
	`, keyHash))
}

func (p *PostgresStore) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var status string
	var metadata []byte
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &status, &a.APIKeyHash, &metadata, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Status = AgentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			slog.Warn("failed to unmarshal agent metadata", "agent", a.ID, "error", err)
		}
	}
	return &a, nil
}

func (p *PostgresStore) ListAgentsByOwner(ctx context.Context, ownerID string) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, name, status, api_key_hash, metadata, created_at, updated_at
		FROM agents WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var status string
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Name, &status, &a.APIKeyHash, &metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Status = AgentStatus(status)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &a.Metadata)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (p *PostgresStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return requireRow(result, ErrAgentNotFound)
}

func (p *PostgresStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	metadata, err := json.Marshal(agent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET name = $1, status = $2, api_key_hash = $3, metadata = $4, updated_at = NOW()
		WHERE id = $5
	`, agent.Name, string(agent.Status), agent.APIKeyHash, metadata, agent.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(result, ErrAgentNotFound)
}

func (p *PostgresStore) CreateGroup(ctx context.Context, group *Group) error {
	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_groups (id, owner_id, name, agent_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, group.ID, group.OwnerID, group.Name, pq.Array(group.AgentIDs), now)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, agent_ids, created_at, updated_at
		FROM agent_groups WHERE id = $1
	`, id).Scan(&g.ID, &g.OwnerID, &g.Name, pq.Array(&g.AgentIDs), &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

func (p *PostgresStore) ListGroupsByOwner(ctx context.Context, ownerID string) ([]*Group, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, name, agent_ids, created_at, updated_at
		FROM agent_groups WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Name, pq.Array(&g.AgentIDs), &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

func (p *PostgresStore) UpdateGroup(ctx context.Context, group *Group) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agent_groups SET name = $1, agent_ids = $2, updated_at = NOW() WHERE id = $3
	`, group.Name, pq.Array(group.AgentIDs), group.ID)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return requireRow(result, ErrGroupNotFound)
}

func (p *PostgresStore) DeleteGroup(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM agent_groups WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return requireRow(result, ErrGroupNotFound)
}

func requireRow(result sql.Result, missing error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return missing
	}
	return nil
}
