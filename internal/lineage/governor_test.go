package lineage

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/registry"
)

func newTestGovernor(t *testing.T, agentIDs ...string) (*Governor, *registry.MemoryStore) {
	t.Helper()
	agents := registry.NewMemoryStore()
	for _, id := range agentIDs {
		err := agents.CreateAgent(context.Background(), &registry.Agent{
			ID:      id,
			OwnerID: "own_1",
			Status:  registry.AgentActive,
		})
		if err != nil {
			t.Fatalf("CreateAgent(%s): %v", id, err)
		}
	}
	return NewGovernor(NewMemoryStore(), agents), agents
}

func TestSpawnCreatesRootLineage(t *testing.T) {
	g, _ := newTestGovernor(t, "agt_p", "agt_c")
	ctx := context.Background()

	child, err := g.Spawn(ctx, "agt_p", "agt_c", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if child.Depth != 1 || child.RootID != "agt_p" || child.ParentID != "agt_p" {
		t.Errorf("child = %+v, want depth 1 rooted at agt_p", child)
	}

	parent, err := g.Get(ctx, "agt_p")
	if err != nil {
		t.Fatalf("Get parent: %v", err)
	}
	if parent.Depth != 0 || len(parent.ChildrenIDs) != 1 || parent.ChildrenIDs[0] != "agt_c" {
		t.Errorf("parent = %+v, want root with one child", parent)
	}

	events, _ := g.Events(ctx, "agt_p", 10)
	if len(events) != 1 || !events[0].Authorized || events[0].ChildID != "agt_c" {
		t.Errorf("events = %+v, want one authorized spawn", events)
	}
}

func TestSpawnDuplicateChildRejected(t *testing.T) {
	g, _ := newTestGovernor(t, "agt_p", "agt_c")
	ctx := context.Background()

	if _, err := g.Spawn(ctx, "agt_p", "agt_c", nil); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := g.Spawn(ctx, "agt_p", "agt_c", nil); !errors.Is(err, ErrChildExists) {
		t.Fatalf("second spawn err = %v, want ErrChildExists", err)
	}

	parent, _ := g.Get(ctx, "agt_p")
	if len(parent.ChildrenIDs) != 1 {
		t.Errorf("children = %v, duplicate spawn must not mutate lineage", parent.ChildrenIDs)
	}
}

func TestSpawnAndTerminateAreAudited(t *testing.T) {
	agents := registry.NewMemoryStore()
	for _, id := range []string{"agt_p", "agt_c"} {
		_ = agents.CreateAgent(context.Background(), &registry.Agent{
			ID: id, OwnerID: "own_1", Status: registry.AgentActive,
		})
	}
	audits := audit.NewMemoryStore()
	g := NewGovernor(NewMemoryStore(), agents, WithRecorder(audit.NewRecorder(audits, nil)))
	ctx := context.Background()

	if _, err := g.Spawn(ctx, "agt_p", "agt_c", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	entries, _ := audits.List(ctx, audit.Query{Action: "agent.spawn"})
	if len(entries) != 1 || entries[0].AgentID != "agt_p" || entries[0].ResourceID != "agt_c" {
		t.Fatalf("spawn audit = %+v, want one entry from parent about child", entries)
	}

	if _, err := g.Terminate(ctx, "agt_p", true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	entries, _ = audits.List(ctx, audit.Query{Action: "agent.terminate"})
	if len(entries) != 1 || entries[0].Decision != audit.DecisionSystem {
		t.Fatalf("terminate audit = %+v, want one system entry", entries)
	}
}

func TestSpawnRejectsInactiveParent(t *testing.T) {
	g, agents := newTestGovernor(t, "agt_p", "agt_c")
	ctx := context.Background()

	_ = agents.UpdateAgentStatus(ctx, "agt_p", registry.AgentPaused)
	if _, err := g.Spawn(ctx, "agt_p", "agt_c", nil); !errors.Is(err, ErrParentNotActive) {
		t.Errorf("err = %v, want ErrParentNotActive", err)
	}
}

func TestSpawnChildrenLimit(t *testing.T) {
	g, _ := newTestGovernor(t, "agt_p", "agt_c1", "agt_c2", "agt_g1", "agt_g2")
	ctx := context.Background()

	one := 1
	child, err := g.Spawn(ctx, "agt_p", "agt_c1", &Overrides{MaxChildren: &one})
	if err != nil {
		t.Fatalf("spawn c1: %v", err)
	}
	if child.Policy.MaxChildren != 1 {
		t.Fatalf("child maxChildren = %d, want 1", child.Policy.MaxChildren)
	}

	// The child can take one grandchild; a second is rejected.
	if _, err := g.Spawn(ctx, "agt_c1", "agt_g1", nil); err != nil {
		t.Fatalf("spawn grandchild: %v", err)
	}
	gc, _ := g.Get(ctx, "agt_g1")
	if gc.Depth != 2 || gc.RootID != "agt_p" {
		t.Errorf("grandchild = %+v, want depth 2 rooted at agt_p", gc)
	}
	if _, err := g.Spawn(ctx, "agt_c1", "agt_g2", nil); !errors.Is(err, ErrTooManyChildren) {
		t.Errorf("err = %v, want ErrTooManyChildren", err)
	}
}

func TestSpawnDepthBudgetExhausts(t *testing.T) {
	g, _ := newTestGovernor(t, "a0", "a1", "a2", "a3", "a4")
	ctx := context.Background()

	// Default maxSpawnDepth is 3: a0 -> a1 -> a2 -> a3 succeeds, the
	// node at depth 3 cannot spawn.
	pairs := [][2]string{{"a0", "a1"}, {"a1", "a2"}, {"a2", "a3"}}
	for _, p := range pairs {
		if _, err := g.Spawn(ctx, p[0], p[1], nil); err != nil {
			t.Fatalf("spawn %s -> %s: %v", p[0], p[1], err)
		}
	}
	if _, err := g.Spawn(ctx, "a3", "a4", nil); !errors.Is(err, ErrDepthExceeded) {
		t.Errorf("err = %v, want ErrDepthExceeded", err)
	}
}

func TestSpawnChildrenCanSpawnFalse(t *testing.T) {
	g, _ := newTestGovernor(t, "agt_p", "agt_c", "agt_g")
	ctx := context.Background()

	noSpawn := false
	if _, err := g.Spawn(ctx, "agt_p", "agt_c", &Overrides{ChildrenCanSpawn: &noSpawn}); err != nil {
		t.Fatalf("spawn child: %v", err)
	}
	if _, err := g.Spawn(ctx, "agt_c", "agt_g", nil); !errors.Is(err, ErrSpawnForbidden) {
		t.Errorf("err = %v, want ErrSpawnForbidden", err)
	}
}

func TestDeriveMonotone(t *testing.T) {
	parent := DefaultPolicy()
	parent.DailySpendLimit = money.MustParse("1000.00")

	// min(override 800, 1000 * 0.5) = 500.
	half := 0.5
	eightHundred := money.MustParse("800.00")
	child := Derive(parent, &Overrides{
		MaxSpendRatio:   &half,
		DailySpendLimit: &eightHundred,
	})
	if !child.DailySpendLimit.Equal(money.MustParse("500.00")) {
		t.Errorf("child daily limit = %s, want 500.00", child.DailySpendLimit)
	}
	if child.MaxSpawnDepth != 2 {
		t.Errorf("child maxSpawnDepth = %d, want 2", child.MaxSpawnDepth)
	}

	// A grandchild with no overrides stays at or under the child.
	grandchild := Derive(child, nil)
	if grandchild.DailySpendLimit.GreaterThan(child.DailySpendLimit) {
		t.Errorf("grandchild limit %s loosened past child %s", grandchild.DailySpendLimit, child.DailySpendLimit)
	}
	if grandchild.MaxSpawnDepth != 1 {
		t.Errorf("grandchild maxSpawnDepth = %d, want 1", grandchild.MaxSpawnDepth)
	}

	// Overrides cannot loosen ratios.
	double := 2.0
	loose := Derive(child, &Overrides{MaxSpendRatio: &double})
	if loose.MaxSpendRatio != child.MaxSpendRatio {
		t.Errorf("ratio loosened to %f", loose.MaxSpendRatio)
	}
}

func TestDeriveVendorIntersection(t *testing.T) {
	parent := DefaultPolicy()
	parent.AllowedVendors = []string{"v1", "v2", "v3"}

	child := Derive(parent, &Overrides{AllowedVendors: []string{"v2", "v3", "v4"}})
	if len(child.AllowedVendors) != 2 || child.AllowedVendors[0] != "v2" || child.AllowedVendors[1] != "v3" {
		t.Errorf("vendors = %v, want [v2 v3]", child.AllowedVendors)
	}

	// Nil override inherits the parent list unchanged.
	inherited := Derive(parent, nil)
	if len(inherited.AllowedVendors) != 3 {
		t.Errorf("vendors = %v, want parent's three", inherited.AllowedVendors)
	}
}

func TestTerminateCascades(t *testing.T) {
	g, agents := newTestGovernor(t, "a0", "a1", "a2", "b1")
	ctx := context.Background()

	pairs := [][2]string{{"a0", "a1"}, {"a1", "a2"}, {"a0", "b1"}}
	for _, p := range pairs {
		if _, err := g.Spawn(ctx, p[0], p[1], nil); err != nil {
			t.Fatalf("spawn %s -> %s: %v", p[0], p[1], err)
		}
	}

	cascaded, err := g.Terminate(ctx, "a1", true)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(cascaded) != 2 {
		t.Fatalf("cascaded = %v, want [a1 a2]", cascaded)
	}
	for _, id := range []string{"a1", "a2"} {
		l, _ := g.Get(ctx, id)
		if l.Status != StatusTerminated {
			t.Errorf("lineage %s status = %s, want terminated", id, l.Status)
		}
		a, _ := agents.GetAgent(ctx, id)
		if a.Status != registry.AgentTerminated {
			t.Errorf("agent %s status = %s, want terminated", id, a.Status)
		}
	}
	// Siblings are untouched.
	if l, _ := g.Get(ctx, "b1"); l.Status != StatusActive {
		t.Errorf("sibling status = %s, want active", l.Status)
	}
	// A terminated lineage admits no further spawns.
	if _, err := g.Spawn(ctx, "a1", "a4", nil); err == nil {
		t.Error("spawn under terminated lineage should fail")
	}
}
