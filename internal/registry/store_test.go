package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_OwnerLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	owner := &Owner{
		ID:         "own_1",
		Name:       "Acme Robotics",
		Email:      "ops@acme.test",
		APIKeyHash: "hash_a",
	}
	require.NoError(t, store.CreateOwner(ctx, owner))
	assert.NotZero(t, owner.CreatedAt)

	// Lookup by id and by key hash
	got, err := store.GetOwner(ctx, "own_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Robotics", got.Name)

	got, err = store.GetOwnerByKeyHash(ctx, "hash_a")
	require.NoError(t, err)
	assert.Equal(t, "own_1", got.ID)

	// Duplicate key hash is rejected
	err = store.CreateOwner(ctx, &Owner{ID: "own_2", Name: "Other", APIKeyHash: "hash_a"})
	assert.ErrorIs(t, err, ErrDuplicateAPIKey)

	// Rotation invalidates the old hash
	require.NoError(t, store.RotateOwnerKey(ctx, "own_1", "hash_b"))
	_, err = store.GetOwnerByKeyHash(ctx, "hash_a")
	assert.ErrorIs(t, err, ErrOwnerNotFound)
	got, err = store.GetOwnerByKeyHash(ctx, "hash_b")
	require.NoError(t, err)
	assert.Equal(t, "own_1", got.ID)

	// Update preserves CreatedAt
	got.WebhookURL = "https://acme.test/hooks"
	require.NoError(t, store.UpdateOwner(ctx, got))
	updated, err := store.GetOwner(ctx, "own_1")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.test/hooks", updated.WebhookURL)
	assert.Equal(t, owner.CreatedAt.Unix(), updated.CreatedAt.Unix())

	_, err = store.GetOwner(ctx, "own_missing")
	assert.ErrorIs(t, err, ErrOwnerNotFound)
}

func TestMemoryStore_AgentLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	agent := &Agent{
		ID:         "agt_1",
		OwnerID:    "own_1",
		Name:       "shopper",
		APIKeyHash: "hash_agent",
	}
	require.NoError(t, store.CreateAgent(ctx, agent))
	assert.Equal(t, AgentActive, agent.Status)

	got, err := store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "shopper", got.Name)
	assert.NotZero(t, got.CreatedAt)

	err = store.CreateAgent(ctx, agent)
	assert.ErrorIs(t, err, ErrAgentExists)

	got, err = store.GetAgentByKeyHash(ctx, "hash_agent")
	require.NoError(t, err)
	assert.Equal(t, "agt_1", got.ID)

	require.NoError(t, store.UpdateAgentStatus(ctx, "agt_1", AgentPaused))
	got, err = store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, AgentPaused, got.Status)

	got.Metadata = map[string]interface{}{"team": "procurement"}
	require.NoError(t, store.UpdateAgent(ctx, got))
	got, err = store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "procurement", got.Metadata["team"])

	_, err = store.GetAgent(ctx, "agt_missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	err = store.UpdateAgentStatus(ctx, "agt_missing", AgentPaused)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestMemoryStore_ListAgentsByOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, a := range []*Agent{
		{ID: "agt_a", OwnerID: "own_1", Name: "a", APIKeyHash: "h1"},
		{ID: "agt_b", OwnerID: "own_1", Name: "b", APIKeyHash: "h2"},
		{ID: "agt_c", OwnerID: "own_2", Name: "c", APIKeyHash: "h3"},
	} {
		require.NoError(t, store.CreateAgent(ctx, a))
	}

	agents, err := store.ListAgentsByOwner(ctx, "own_1")
	require.NoError(t, err)
	require.Len(t, agents, 2)

	agents, err = store.ListAgentsByOwner(ctx, "own_3")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestMemoryStore_Groups(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	group := &Group{
		ID:       "grp_1",
		OwnerID:  "own_1",
		Name:     "procurement",
		AgentIDs: []string{"agt_a", "agt_b"},
	}
	require.NoError(t, store.CreateGroup(ctx, group))

	got, err := store.GetGroup(ctx, "grp_1")
	require.NoError(t, err)
	assert.True(t, got.Contains("agt_a"))
	assert.False(t, got.Contains("agt_z"))

	// Returned slice is a copy
	got.AgentIDs[0] = "mutated"
	again, err := store.GetGroup(ctx, "grp_1")
	require.NoError(t, err)
	assert.Equal(t, "agt_a", again.AgentIDs[0])

	got.AgentIDs = []string{"agt_c"}
	require.NoError(t, store.UpdateGroup(ctx, got))
	again, err = store.GetGroup(ctx, "grp_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agt_c"}, again.AgentIDs)

	groups, err := store.ListGroupsByOwner(ctx, "own_1")
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	require.NoError(t, store.DeleteGroup(ctx, "grp_1"))
	_, err = store.GetGroup(ctx, "grp_1")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	err = store.DeleteGroup(ctx, "grp_1")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to AgentStatus
		want     bool
	}{
		{AgentActive, AgentPaused, true},
		{AgentPaused, AgentActive, true},
		{AgentSuspended, AgentActive, true},
		{AgentActive, AgentTerminated, true},
		{AgentActive, AgentActive, false},
		{AgentTerminated, AgentActive, false},
		{AgentKilled, AgentPaused, false},
	}
	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to)
		assert.Equal(t, tt.want, got, "%s -> %s", tt.from, tt.to)
	}
}
