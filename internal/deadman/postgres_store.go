package deadman

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresConfigStore implements ConfigStore using PostgreSQL.
type PostgresConfigStore struct {
	db *sql.DB
}

// NewPostgresConfigStore creates a new PostgreSQL-backed config store.
func NewPostgresConfigStore(db *sql.DB) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

var _ ConfigStore = (*PostgresConfigStore)(nil)

func (p *PostgresConfigStore) Upsert(ctx context.Context, c *Config) error {
	now := time.Now()
	c.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deadman_configs (
			agent_id, heartbeat_interval_seconds, missed_heartbeat_threshold,
			anomaly_window_minutes, anomaly_spend_multiplier,
			max_tx_per_minute, max_unique_vendors_per_hour,
			on_anomaly, on_missed_heartbeat, on_manual_trigger,
			cascade_to_children, recovery_requires_human, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (agent_id) DO UPDATE SET
			heartbeat_interval_seconds = EXCLUDED.heartbeat_interval_seconds,
			missed_heartbeat_threshold = EXCLUDED.missed_heartbeat_threshold,
			anomaly_window_minutes = EXCLUDED.anomaly_window_minutes,
			anomaly_spend_multiplier = EXCLUDED.anomaly_spend_multiplier,
			max_tx_per_minute = EXCLUDED.max_tx_per_minute,
			max_unique_vendors_per_hour = EXCLUDED.max_unique_vendors_per_hour,
			on_anomaly = EXCLUDED.on_anomaly,
			on_missed_heartbeat = EXCLUDED.on_missed_heartbeat,
			on_manual_trigger = EXCLUDED.on_manual_trigger,
			cascade_to_children = EXCLUDED.cascade_to_children,
			recovery_requires_human = EXCLUDED.recovery_requires_human,
			updated_at = EXCLUDED.updated_at
	`, c.AgentID, c.HeartbeatIntervalSeconds, c.MissedHeartbeatThreshold,
		c.AnomalyWindowMinutes, c.AnomalySpendMultiplier,
		c.MaxTxPerMinute, c.MaxUniqueVendorsPerHour,
		c.OnAnomaly, c.OnMissedHeartbeat, c.OnManualTrigger,
		c.CascadeToChildren, c.RecoveryRequiresHuman, now)
	if err != nil {
		return fmt.Errorf("upsert deadman config: %w", err)
	}
	return nil
}

func (p *PostgresConfigStore) Get(ctx context.Context, agentID string) (*Config, error) {
	var c Config
	err := p.db.QueryRowContext(ctx, `
		SELECT agent_id, heartbeat_interval_seconds, missed_heartbeat_threshold,
		       anomaly_window_minutes, anomaly_spend_multiplier,
		       max_tx_per_minute, max_unique_vendors_per_hour,
		       on_anomaly, on_missed_heartbeat, on_manual_trigger,
		       cascade_to_children, recovery_requires_human, created_at, updated_at
		FROM deadman_configs WHERE agent_id = $1
	`, agentID).Scan(&c.AgentID, &c.HeartbeatIntervalSeconds, &c.MissedHeartbeatThreshold,
		&c.AnomalyWindowMinutes, &c.AnomalySpendMultiplier,
		&c.MaxTxPerMinute, &c.MaxUniqueVendorsPerHour,
		&c.OnAnomaly, &c.OnMissedHeartbeat, &c.OnManualTrigger,
		&c.CascadeToChildren, &c.RecoveryRequiresHuman, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deadman config: %w", err)
	}
	return &c, nil
}

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

var _ EventStore = (*PostgresEventStore)(nil)

func (p *PostgresEventStore) Append(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deadman_events (id, agent_id, trigger_kind, action, detail, cascaded_to, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.AgentID, e.Trigger, e.Action, e.Detail, pq.Array(e.CascadedTo), e.Resolved, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append deadman event: %w", err)
	}
	return nil
}

func (p *PostgresEventStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, trigger_kind, action, COALESCE(detail, ''), cascaded_to, resolved, created_at
		FROM deadman_events WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deadman events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Trigger, &e.Action, &e.Detail,
			pq.Array(&e.CascadedTo), &e.Resolved, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deadman event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
