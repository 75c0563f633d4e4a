// Package access defines the authority for "which files can this user read
// right now". The pipeline re-resolves on every query and never caches the
// result across requests: grants can be revoked or expire between turns of
// the same session.
package access

import (
	"context"
	"fmt"
	"time"
)

// Resolver produces the set of file ids a user may currently read within a
// tenant, already reflecting roles, explicit grants and expirations. An
// empty result is a valid state, not an error.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, userID string) ([]string, error)
}

// GrantSource is the collaborator-owned grant lookup. Implementations must
// exclude grants that have expired as of now.
type GrantSource interface {
	ActiveGrants(ctx context.Context, tenantID, userID string, now time.Time) ([]string, error)
}

// DBResolver resolves access from grant records at call time.
type DBResolver struct {
	src GrantSource
	now func() time.Time
}

func NewDBResolver(src GrantSource) *DBResolver {
	return &DBResolver{src: src, now: time.Now}
}

func (r *DBResolver) Resolve(ctx context.Context, tenantID, userID string) ([]string, error) {
	fileIDs, err := r.src.ActiveGrants(ctx, tenantID, userID, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access: %w", err)
	}
	return fileIDs, nil
}

// StaticResolver returns a fixed allow-list per tenant/user pair. Used in
// tests.
type StaticResolver struct {
	Grants map[string][]string // "tenant/user" -> file ids
}

func (r StaticResolver) Resolve(ctx context.Context, tenantID, userID string) ([]string, error) {
	return r.Grants[tenantID+"/"+userID], nil
}
