package authz

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/keyValue"
	"securechat-backend/internal/store"

	"go.uber.org/zap"
)

const permissionCacheTTL = 15 * time.Minute

// Gate decides allow/deny for (user, action) by resolving the user's role
// to a permission set. Denials are always audited; the decision itself has
// no other side effects.
type Gate struct {
	users  store.Users
	cache  *keyValue.Cache
	ledger *audit.Ledger
	sugar  *zap.SugaredLogger
}

func NewGate(users store.Users, cache *keyValue.Cache, ledger *audit.Ledger, sugar *zap.SugaredLogger) *Gate {
	return &Gate{users: users, cache: cache, ledger: ledger, sugar: sugar}
}

func (g *Gate) Allow(ctx context.Context, userID int64, action string, address string) (bool, error) {
	perms, err := g.permissions(ctx, userID)
	if err != nil {
		return false, err
	}

	if slices.Contains(perms, action) {
		return true, nil
	}

	g.sugar.Warnf("User ID [%d] was denied action [%s]", userID, action)

	auditErr := g.ledger.Record(ctx, audit.Event{
		Actor:   &userID,
		Action:  audit.ActionAuthzDenied,
		Detail:  map[string]string{"requested": action},
		Address: address,
	})
	if auditErr != nil {
		g.sugar.Errorf("recording authorization denial: %v", auditErr)
	}

	return false, nil
}

func (g *Gate) permissions(ctx context.Context, userID int64) ([]string, error) {
	key := fmt.Sprintf("perms:%d", userID)

	cached, err := g.cache.Get(ctx, key)
	if err != nil {
		g.sugar.Errorf("permission cache read: %v", err)
	} else if cached != "" {
		return strings.Split(cached, ","), nil
	}

	perms, err := g.users.Permissions(ctx, userID)
	if err != nil {
		return nil, err
	}

	err = g.cache.Set(ctx, key, strings.Join(perms, ","), permissionCacheTTL)
	if err != nil {
		g.sugar.Errorf("permission cache write: %v", err)
	}

	return perms, nil
}

// Invalidate drops a user's cached permission set, used when the admin
// side reports a role change.
func (g *Gate) Invalidate(ctx context.Context, userID int64) {
	err := g.cache.Delete(ctx, fmt.Sprintf("perms:%d", userID))
	if err != nil {
		g.sugar.Errorf("permission cache invalidation: %v", err)
	}
}
