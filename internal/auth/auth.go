// Package auth decides whether an agent may perform an operation, and
// throttles per-agent request rates.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/protocol"
)

// Authorizer decides whether an agent may perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, agentID string, action protocol.Action) error
}

// AllowAll permits every agent every action.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, protocol.Action) error { return nil }

// Scope names a permission level an agent may hold.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// Static authorizes against a fixed agent-to-scopes table. Agents
// absent from the table fall back to DefaultScopes.
type Static struct {
	Agents        map[string][]Scope
	DefaultScopes []Scope
}

// Authorize maps the action to a required scope and checks the agent
// holds it. Write actions need write scope; replication and bulk
// operations need admin.
func (s *Static) Authorize(_ context.Context, agentID string, action protocol.Action) error {
	required := requiredScope(action)

	scopes := s.DefaultScopes
	if agentScopes, ok := s.Agents[agentID]; ok {
		scopes = agentScopes
	}
	for _, scope := range scopes {
		if scope == required || scope == ScopeAdmin {
			return nil
		}
	}
	return apperr.Unauthorized(
		"agent %q lacks %s permission for %s", agentID, required, action)
}

// ParseStatic builds a Static table from its configuration form: agents
// is "agent-1=read,write;agent-2=admin" and defaults is a comma list
// applied to agents absent from the table.
func ParseStatic(agents, defaults string) (*Static, error) {
	s := &Static{Agents: make(map[string][]Scope)}

	for _, pair := range strings.Split(agents, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		agentID, list, ok := strings.Cut(pair, "=")
		agentID = strings.TrimSpace(agentID)
		if !ok || agentID == "" {
			return nil, fmt.Errorf("auth agents: %q is not agent=scope,scope", pair)
		}
		scopes, err := parseScopes(list)
		if err != nil {
			return nil, fmt.Errorf("auth agents %q: %w", agentID, err)
		}
		s.Agents[agentID] = scopes
	}

	if strings.TrimSpace(defaults) != "" {
		scopes, err := parseScopes(defaults)
		if err != nil {
			return nil, fmt.Errorf("auth default scopes: %w", err)
		}
		s.DefaultScopes = scopes
	}
	return s, nil
}

func parseScopes(list string) ([]Scope, error) {
	var scopes []Scope
	for _, raw := range strings.Split(list, ",") {
		switch scope := Scope(strings.TrimSpace(raw)); scope {
		case ScopeRead, ScopeWrite, ScopeAdmin:
			scopes = append(scopes, scope)
		default:
			return nil, fmt.Errorf("unknown scope %q", raw)
		}
	}
	return scopes, nil
}

func requiredScope(action protocol.Action) Scope {
	switch action {
	case protocol.ActionBulkDelete, protocol.ActionReplicate,
		protocol.ActionDigest, protocol.ActionPull, protocol.ActionStats:
		return ScopeAdmin
	default:
		if action.Write() {
			return ScopeWrite
		}
		return ScopeRead
	}
}
