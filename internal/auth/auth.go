// Package auth provides API authentication for AgentWallet.
//
// Authentication model:
// - Every caller presents an opaque bearer key ("sk_...").
// - Two principal classes: owner (full scope over its agents) and
//   agent (scoped to its own resources).
// - Keys are stored only as SHA256 hashes; the raw key is shown once.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid API key")
	ErrForbidden     = errors.New("auth: insufficient scope")
	ErrInactiveAgent = errors.New("auth: agent is not active")
)

// PrincipalKind distinguishes the two credential classes.
type PrincipalKind string

const (
	KindOwner PrincipalKind = "owner"
	KindAgent PrincipalKind = "agent"
)

// Principal identifies an authenticated caller.
type Principal struct {
	Kind    PrincipalKind
	ID      string // owner id or agent id
	OwnerID string // owning owner id (equals ID for owners)

	// AgentStatus carries the agent's lifecycle state for agent
	// principals so handlers can refuse inactive agents.
	AgentStatus string
}

// Resolver looks up principals by key hash. Implemented by the registry
// store via a thin adapter to keep this package dependency-free.
type Resolver interface {
	ResolveOwner(ctx context.Context, keyHash string) (ownerID string, err error)
	ResolveAgent(ctx context.Context, keyHash string) (agentID, ownerID, status string, err error)
}

// GenerateKey creates a new bearer key. Returns the raw key (shown
// once) and its hash (stored).
func GenerateKey() (rawKey, keyHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	rawKey = "sk_" + hex.EncodeToString(b)
	return rawKey, HashKey(rawKey), nil
}

// HashKey returns the stored form of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Authenticate resolves a bearer credential into a principal. Owners
// are tried first, then agents.
func Authenticate(ctx context.Context, r Resolver, rawKey string) (*Principal, error) {
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := HashKey(rawKey)
	if ownerID, err := r.ResolveOwner(ctx, hash); err == nil {
		return &Principal{Kind: KindOwner, ID: ownerID, OwnerID: ownerID}, nil
	}
	if agentID, ownerID, status, err := r.ResolveAgent(ctx, hash); err == nil {
		return &Principal{Kind: KindAgent, ID: agentID, OwnerID: ownerID, AgentStatus: status}, nil
	}
	return nil, ErrInvalidAPIKey
}
