// Package auth resolves caller identities and answers whether a user may
// track a given bus. Token verification happens upstream; the gateway passes
// the verified identity in headers.
package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
)

const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleStudent    = "student"

	PermTrackBus    = "track_bus"
	PermTrackRoute  = "track_route"
	PermAdminAccess = "admin_access"

	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderUserName = "X-User-Name"
)

type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
}

// Privileged reports whether the identity bypasses per-bus permission checks.
func (i *Identity) Privileged() bool {
	if i == nil {
		return false
	}
	return i.Role == RoleAdmin || i.Role == RoleSuperAdmin
}

// FromRequest reads the gateway identity headers. A request without
// X-User-ID is anonymous and yields a nil identity.
func FromRequest(r *http.Request) (*Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid %s: %q", HeaderUserID, raw)
	}
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))
	if role == "" {
		role = RoleStudent
	}
	return &Identity{
		UserID:   id,
		Username: strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Role:     role,
	}, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}

// GrantStore looks up track_bus grants for the bus and track_route grants
// for the route it serves.
type GrantStore interface {
	HasTrackGrant(ctx context.Context, userID, busID int64) (bool, error)
}

type Checker struct {
	grants GrantStore
}

func NewChecker(grants GrantStore) *Checker {
	return &Checker{grants: grants}
}

// CanTrack decides whether id may receive updates for busID. Anonymous
// callers are allowed, privileged roles always are, everyone else needs a
// grant. Lookup failures deny.
func (c *Checker) CanTrack(ctx context.Context, id *Identity, busID int64) bool {
	if id == nil || id.Privileged() {
		return true
	}
	if c == nil || c.grants == nil {
		return false
	}
	ok, err := c.grants.HasTrackGrant(ctx, id.UserID, busID)
	if err != nil {
		log.Printf("permission lookup error user=%d bus=%d: %v", id.UserID, busID, err)
		return false
	}
	return ok
}
