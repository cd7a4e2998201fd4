package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/IolandaManzali/litellm/internal/cache"
)

// Options configures token verification and claim mapping. Zero values get
// the documented defaults; expiry checking in particular defaults to ON and
// must be disabled explicitly.
type Options struct {
	// KeySetURL is the endpoint serving the verification key set.
	KeySetURL string
	// KeySetTTL bounds how long a fetched key set is served from cache.
	KeySetTTL time.Duration

	// Audience, when set, must appear in the token's aud claim.
	Audience string
	// SkipExpiryCheck disables exp validation. Off by default.
	SkipExpiryCheck bool

	// AdminScope and TeamScope are the scope values that grant the
	// corresponding authorization level. Defaults: "proxy_admin", "team".
	AdminScope string
	TeamScope  string

	// Claim field names. Defaults: "scope", "team_id", "sub", "email".
	ScopeClaim  string
	TeamIDClaim string
	UserIDClaim string
	EmailClaim  string

	// UserIDUpsert creates unknown users on first sight instead of
	// rejecting them.
	UserIDUpsert bool

	// AllowedEmailDomain, when set, requires the email claim's domain to
	// match. Applies to every scope.
	AllowedEmailDomain string

	// AdminRoutes are the path patterns reserved for admin-scoped tokens.
	AdminRoutes []string
}

func (o *Options) applyDefaults() {
	if o.AdminScope == "" {
		o.AdminScope = "proxy_admin"
	}
	if o.TeamScope == "" {
		o.TeamScope = "team"
	}
	if o.ScopeClaim == "" {
		o.ScopeClaim = "scope"
	}
	if o.TeamIDClaim == "" {
		o.TeamIDClaim = "team_id"
	}
	if o.UserIDClaim == "" {
		o.UserIDClaim = "sub"
	}
	if o.EmailClaim == "" {
		o.EmailClaim = "email"
	}
}

// Authenticator verifies bearer tokens against a remote key set and
// resolves the caller's identity from the claim set.
type Authenticator struct {
	opts        Options
	source      *KeySetSource
	store       PersistenceStore
	adminRoutes *RouteMatcher
}

// New builds an Authenticator. The cache backs the key set; the store
// resolves team and user records.
func New(opts Options, c cache.Cache, store PersistenceStore) (*Authenticator, error) {
	if opts.KeySetURL == "" {
		return nil, errors.New("auth: key set url must not be empty")
	}
	if store == nil {
		return nil, errors.New("auth: persistence store must not be nil")
	}
	opts.applyDefaults()

	matcher, err := NewRouteMatcher(opts.AdminRoutes)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		opts:        opts,
		source:      NewKeySetSource(opts.KeySetURL, c, opts.KeySetTTL),
		store:       store,
		adminRoutes: matcher,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// Authenticate verifies the token's signature and registered claims and
// returns the claim set. A key identifier missing from the cached key set
// triggers exactly one refresh of the set; a bad signature never does.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (jwt.MapClaims, error) {
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)

	ks, err := a.source.Load(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := resolveKey(ks, kid)
	if errors.Is(err, ErrKeyNotFound) {
		// The signing key may have rotated since the set was cached.
		// Refresh once; a second miss is final.
		ks, err = a.source.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		rec, err = resolveKey(ks, kid)
	}
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(validMethods(rec.Kty))}
	if a.opts.SkipExpiryCheck {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else if a.opts.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.opts.Audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return rec.Key, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if a.opts.SkipExpiryCheck && a.opts.Audience != "" {
		if !audienceMatches(claims, a.opts.Audience) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	}
	return claims, nil
}

// Authorize resolves the caller's identity from a verified claim set and
// checks it against the requested route.
func (a *Authenticator) Authorize(ctx context.Context, claims jwt.MapClaims, route string) (*CallerIdentity, error) {
	if a.opts.AllowedEmailDomain != "" {
		email := claimString(claims, a.opts.EmailClaim)
		if !emailInDomain(email, a.opts.AllowedEmailDomain) {
			return nil, ErrForbiddenDomain
		}
	}

	scopes := claimScopes(claims, a.opts.ScopeClaim)

	if hasScope(scopes, a.opts.AdminScope) {
		// Admin tokens bypass team and user resolution entirely.
		return &CallerIdentity{
			Scope: ScopeAdmin,
			PII:   PIIPolicy{Mask: true, AllowControls: true},
		}, nil
	}

	id := &CallerIdentity{Scope: ScopeNone, PII: DefaultPIIPolicy()}

	if hasScope(scopes, a.opts.TeamScope) {
		teamID := claimString(claims, a.opts.TeamIDClaim)
		if teamID == "" {
			return nil, ErrTeamNotFound
		}
		team, err := a.store.GetTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		id.Scope = ScopeTeam
		id.TeamID = team.ID
		id.TeamTPMLimit = team.TPMLimit
		id.TeamRPMLimit = team.RPMLimit
		id.TeamModels = team.Models
		id.PII = team.PII
	}

	if userID := claimString(claims, a.opts.UserIDClaim); userID != "" {
		if _, err := a.store.GetUser(ctx, userID); err != nil {
			if !errors.Is(err, ErrUserNotFound) || !a.opts.UserIDUpsert {
				return nil, err
			}
			if err := a.store.CreateUser(ctx, &UserRecord{ID: userID, TeamID: id.TeamID}); err != nil {
				return nil, err
			}
		}
		id.UserID = userID
		if id.Scope == ScopeNone {
			id.Scope = ScopeUser
		}
	}

	// Route check runs after identity resolution so a missing team record
	// surfaces as ErrTeamNotFound, not as a generic route rejection.
	if a.adminRoutes.Matches(route) {
		return nil, ErrForbidden
	}

	return id, nil
}

// resolveKey picks the verification key for the token. A token without a
// key identifier is accepted only when the set holds exactly one key.
func resolveKey(ks *KeySet, kid string) (*KeyRecord, error) {
	if kid == "" {
		if len(ks.Keys) == 1 {
			return &ks.Keys[0], nil
		}
		return nil, ErrKeyNotFound
	}
	for i := range ks.Keys {
		if ks.Keys[i].Kid == kid {
			return &ks.Keys[i], nil
		}
	}
	return nil, ErrKeyNotFound
}

func validMethods(kty string) []string {
	switch kty {
	case "EC":
		return []string{"ES256", "ES384", "ES512"}
	default:
		return []string{"RS256", "RS384", "RS512"}
	}
}

func claimString(claims jwt.MapClaims, field string) string {
	s, _ := claims[field].(string)
	return s
}

// claimScopes reads the scope claim as either a space-delimited string or
// a list of strings.
func claimScopes(claims jwt.MapClaims, field string) []string {
	switch v := claims[field].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func audienceMatches(claims jwt.MapClaims, want string) bool {
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func emailInDomain(email, domain string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	return strings.EqualFold(email[at+1:], domain)
}
