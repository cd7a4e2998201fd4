package auth

import (
	"context"
	"errors"
	"sync"
)

// Authentication and authorization failures. All of them reject the request
// outright — a failed check is never downgraded to anonymous access.
var (
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrKeyNotFound     = errors.New("auth: verification key not found")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrTeamNotFound    = errors.New("auth: team not found")
	ErrUserNotFound    = errors.New("auth: user not found")
	ErrForbiddenDomain = errors.New("auth: email domain not allowed")
)

// Scope is the resolved authorization level of a token.
type Scope string

const (
	ScopeAdmin Scope = "admin"
	ScopeTeam  Scope = "team"
	ScopeUser  Scope = "user"
	ScopeNone  Scope = "none"
)

// PIIPolicy is the closed set of redaction controls attached to a caller.
// Explicit fields with explicit defaults — no free-form permission maps.
type PIIPolicy struct {
	// Mask enables pre-call redaction. Default: true.
	Mask bool
	// OutputParse enables post-call unmasking of placeholders. Default: false.
	OutputParse bool
	// AllowControls lets the caller override Mask/OutputParse per request.
	// Default: false.
	AllowControls bool
}

// DefaultPIIPolicy returns the policy applied when no team/user record
// specifies one: masking on, output parsing off, no per-request overrides.
func DefaultPIIPolicy() PIIPolicy {
	return PIIPolicy{Mask: true}
}

// CallerIdentity is the authenticated principal for one request,
// constructed from a verified claim set plus a persistence-store lookup.
// Never persisted itself.
type CallerIdentity struct {
	Scope  Scope
	TeamID string
	UserID string

	// Team-level quota limits. Zero means "no team limit".
	TeamTPMLimit int
	TeamRPMLimit int

	// TeamModels is the team's model allow-list. Empty means all models.
	TeamModels []string

	PII PIIPolicy
}

// ModelAllowed reports whether the caller may request the logical model.
// Admin identities and identities without a team allow-list pass everything.
func (id *CallerIdentity) ModelAllowed(model string) bool {
	if id.Scope == ScopeAdmin || len(id.TeamModels) == 0 {
		return true
	}
	for _, m := range id.TeamModels {
		if m == model {
			return true
		}
	}
	return false
}

// TeamRecord is a stored team with its quota limits and model allow-list.
type TeamRecord struct {
	ID       string
	TPMLimit int
	RPMLimit int
	Models   []string
	PII      PIIPolicy
}

// UserRecord is a stored user. Minimal on purpose: the gateway only needs
// existence and team membership.
type UserRecord struct {
	ID     string
	TeamID string
}

// PersistenceStore is the external record store consumed by the
// authorizer. Absence is signalled with ErrTeamNotFound / ErrUserNotFound,
// never with a broad error the caller would have to pattern-match.
type PersistenceStore interface {
	GetTeam(ctx context.Context, teamID string) (*TeamRecord, error)
	CreateTeam(ctx context.Context, team *TeamRecord) error
	GetUser(ctx context.Context, userID string) (*UserRecord, error)
	CreateUser(ctx context.Context, user *UserRecord) error
}

// MemoryStore is an in-process PersistenceStore. Used as the default
// backend and in tests; production deployments swap in an external store.
type MemoryStore struct {
	mu    sync.RWMutex
	teams map[string]*TeamRecord
	users map[string]*UserRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams: make(map[string]*TeamRecord),
		users: make(map[string]*UserRecord),
	}
}

func (s *MemoryStore) GetTeam(_ context.Context, teamID string) (*TeamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	team, ok := s.teams[teamID]
	if !ok {
		return nil, ErrTeamNotFound
	}
	cp := *team
	return &cp, nil
}

func (s *MemoryStore) CreateTeam(_ context.Context, team *TeamRecord) error {
	if team == nil || team.ID == "" {
		return errors.New("auth: team id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *team
	s.teams[team.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *UserRecord) error {
	if user == nil || user.ID == "" {
		return errors.New("auth: user id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *user
	s.users[user.ID] = &cp
	return nil
}
