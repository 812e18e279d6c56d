// Package session restores the backend login from a saved token snapshot
// and resolves which restaurant the signed-in user operates under.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sushiamo/desktop-bridge/internal/supabase"
)

// Operational failure modes surfaced to the shell as error codes.
var (
	ErrSessionAbsent  = errors.New("SESSION_ABSENT")
	ErrSessionInvalid = errors.New("SESSION_INVALID")
)

// Snapshot is the persisted session: the token pair plus the access
// token's expiry in unix seconds (nil when the issuer sent none).
type Snapshot struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    *int64 `json:"expiresAt"`
}

// Same reports snapshot equality: all three fields must match.
func (s Snapshot) Same(o Snapshot) bool {
	if s.AccessToken != o.AccessToken || s.RefreshToken != o.RefreshToken {
		return false
	}
	if (s.ExpiresAt == nil) != (o.ExpiresAt == nil) {
		return false
	}
	return s.ExpiresAt == nil || *s.ExpiresAt == *o.ExpiresAt
}

// Empty reports whether the snapshot holds no tokens at all.
func (s Snapshot) Empty() bool {
	return s.AccessToken == "" && s.RefreshToken == ""
}

// Scope is the restaurant the user operates under, with their role.
type Scope struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	City string `json:"city"`
	Role string `json:"role"`
}

// Manager drives sign-in restoration against one backend client. Persist
// is called whenever a refresh yields a changed snapshot, so the store
// stays current across restarts.
type Manager struct {
	client  *supabase.Client
	persist func(Snapshot)

	// now is swapped in tests to pin expiry checks.
	now func() time.Time
}

func NewManager(client *supabase.Client, persist func(Snapshot)) *Manager {
	return &Manager{client: client, persist: persist, now: time.Now}
}

// tokenUsable reports whether the access token parses and is not within
// a minute of expiry. The signature is never verified here: the backend
// is the authority, this is only a cheap local pre-check.
func (m *Manager) tokenUsable(snap Snapshot) bool {
	if snap.AccessToken == "" {
		return false
	}
	deadline := int64(0)
	if snap.ExpiresAt != nil {
		deadline = *snap.ExpiresAt
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(snap.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			deadline = exp.Unix()
		}
	}
	if deadline == 0 {
		return true
	}
	return m.now().Add(time.Minute).Unix() < deadline
}

// EnsureSignedIn makes the client hold a working session, restoring from
// the snapshot when needed. It returns the signed-in user, and a non-nil
// refreshed snapshot iff the tokens changed (the caller persists it; the
// persist callback has already fired).
func (m *Manager) EnsureSignedIn(ctx context.Context, snap Snapshot) (*supabase.User, *Snapshot, error) {
	if snap.Empty() {
		return nil, nil, ErrSessionAbsent
	}

	// Fast path: the saved access token still looks live and the backend
	// agrees.
	if m.tokenUsable(snap) {
		m.client.SetTokens(snap.AccessToken, snap.RefreshToken)
		if user, err := m.client.CurrentUser(ctx); err == nil {
			return user, nil, nil
		}
	}

	if snap.RefreshToken == "" {
		m.client.ClearTokens()
		return nil, nil, fmt.Errorf("%w: access token rejected and no refresh token", ErrSessionInvalid)
	}

	pair, err := m.client.Refresh(ctx, snap.RefreshToken)
	if err != nil {
		m.client.ClearTokens()
		return nil, nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}

	m.client.SetTokens(pair.AccessToken, pair.RefreshToken)
	refreshed := Snapshot{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}

	user := pair.User
	if user == nil {
		if user, err = m.client.CurrentUser(ctx); err != nil {
			m.client.ClearTokens()
			return nil, nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
		}
	}

	if refreshed.Same(snap) {
		return user, nil, nil
	}
	if m.persist != nil {
		m.persist(refreshed)
	}
	return user, &refreshed, nil
}

// roleRank orders scope candidates: ownership beats any membership, and
// among memberships higher privilege wins.
func roleRank(role string) int {
	switch role {
	case "owner":
		return 0
	case "admin":
		return 1
	case "manager":
		return 2
	case "staff":
		return 3
	}
	return 4
}

// ResolveRestaurant picks the restaurant scope for a user: the most
// recently created owned restaurant first, then the highest-ranked role
// membership (ties broken by oldest membership). Returns nil scope when
// the user has none — the caller treats that as "nothing to print for".
func (m *Manager) ResolveRestaurant(ctx context.Context, userID string) (*Scope, map[string]interface{}, error) {
	owned, err := m.client.RestaurantByOwner(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve owned restaurant: %w", err)
	}
	if owned != nil {
		return &Scope{ID: owned.ID, Name: owned.Name, City: owned.City, Role: "owner"}, owned.Settings, nil
	}

	memberships, err := m.client.RoleMemberships(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve role memberships: %w", err)
	}
	if len(memberships) == 0 {
		return nil, nil, nil
	}

	// Memberships arrive created_at ascending, so the first hit at the
	// best rank is also the oldest.
	best := memberships[0]
	for _, mship := range memberships[1:] {
		if roleRank(mship.Role) < roleRank(best.Role) {
			best = mship
		}
	}

	rest, err := m.client.RestaurantByID(ctx, best.RestaurantID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve restaurant %s: %w", best.RestaurantID, err)
	}
	if rest == nil {
		return nil, nil, nil
	}
	return &Scope{ID: rest.ID, Name: rest.Name, City: rest.City, Role: best.Role}, rest.Settings, nil
}
