package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeResolver struct {
	ownerHash string
	agentHash string
	status    string
}

func (f *fakeResolver) ResolveOwner(_ context.Context, keyHash string) (string, error) {
	if keyHash == f.ownerHash {
		return "own_1", nil
	}
	return "", errors.New("not found")
}

func (f *fakeResolver) ResolveAgent(_ context.Context, keyHash string) (string, string, string, error) {
	if keyHash == f.agentHash {
		return "agt_1", "own_1", f.status, nil
	}
	return "", "", "", errors.New("not found")
}

func TestGenerateKey(t *testing.T) {
	raw, hash, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(raw, "sk_") {
		t.Errorf("raw key %q missing sk_ prefix", raw)
	}
	if hash != HashKey(raw) {
		t.Error("hash does not match HashKey(raw)")
	}

	raw2, _, _ := GenerateKey()
	if raw == raw2 {
		t.Error("two generated keys are identical")
	}
}

func TestAuthenticate(t *testing.T) {
	ownerRaw, ownerHash, _ := GenerateKey()
	agentRaw, agentHash, _ := GenerateKey()
	r := &fakeResolver{ownerHash: ownerHash, agentHash: agentHash, status: "active"}
	ctx := context.Background()

	p, err := Authenticate(ctx, r, "Bearer "+ownerRaw)
	if err != nil {
		t.Fatalf("owner auth: %v", err)
	}
	if p.Kind != KindOwner || p.ID != "own_1" {
		t.Errorf("owner principal = %+v", p)
	}

	p, err = Authenticate(ctx, r, agentRaw)
	if err != nil {
		t.Fatalf("agent auth: %v", err)
	}
	if p.Kind != KindAgent || p.ID != "agt_1" || p.OwnerID != "own_1" {
		t.Errorf("agent principal = %+v", p)
	}

	if _, err := Authenticate(ctx, r, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key error = %v, want ErrNoAPIKey", err)
	}
	if _, err := Authenticate(ctx, r, "sk_deadbeef"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key error = %v, want ErrInvalidAPIKey", err)
	}
	if _, err := Authenticate(ctx, r, "pk_wrongprefix"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("bad prefix error = %v, want ErrInvalidAPIKey", err)
	}
}

func TestCanActOnAgent(t *testing.T) {
	owner := &Principal{Kind: KindOwner, ID: "own_1", OwnerID: "own_1"}
	agent := &Principal{Kind: KindAgent, ID: "agt_1", OwnerID: "own_1"}

	if !CanActOnAgent(owner, "agt_1", "own_1") {
		t.Error("owner should act on its own agent")
	}
	if CanActOnAgent(owner, "agt_2", "own_other") {
		t.Error("owner should not act on another owner's agent")
	}
	if !CanActOnAgent(agent, "agt_1", "own_1") {
		t.Error("agent should act on itself")
	}
	if CanActOnAgent(agent, "agt_2", "own_1") {
		t.Error("agent should not act on a sibling")
	}
}
