// Package permission tracks per-user grants on instances and projects.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

// Grant is a ledger entry.
type Grant struct {
	GrantType  string `json:"grant_type"`
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
	Level      string `json:"level"`
}

// levelRank orders permission levels: admin covers write covers read.
var levelRank = map[string]int{
	store.LevelRead:  1,
	store.LevelWrite: 2,
	store.LevelAdmin: 3,
}

// Covers reports whether held satisfies required.
func Covers(held, required string) bool {
	return levelRank[held] >= levelRank[required] && levelRank[required] > 0
}

// Ledger is the permission store contract. Both the in-memory and the
// persistent implementation satisfy it; callers must not assume atomic
// multi-key transactions across grant/revoke and cache invalidation.
type Ledger interface {
	Check(ctx context.Context, grantType, resourceID, userID, level string) (bool, error)
	Grant(ctx context.Context, g Grant) error
	Revoke(ctx context.Context, grantType, resourceID, userID string) error
	ListForUser(ctx context.Context, userID string) ([]Grant, error)
	ListForResource(ctx context.Context, grantType, resourceID string) ([]Grant, error)
}

// Compile-time interface checks.
var (
	_ Ledger = (*memoryLedger)(nil)
	_ Ledger = (*storeLedger)(nil)
)

// --- In-memory implementation ---

type memoryLedger struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	grants map[string]Grant // key: type:resource:user
}

// NewMemory creates an in-memory Ledger.
func NewMemory(log logrus.FieldLogger) Ledger {
	return &memoryLedger{
		log:    log.WithField("component", "permission"),
		grants: make(map[string]Grant, 64),
	}
}

func grantKey(grantType, resourceID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", grantType, resourceID, userID)
}

func (l *memoryLedger) Check(
	_ context.Context, grantType, resourceID, userID, level string,
) (bool, error) {
	l.mu.RLock()
	g, ok := l.grants[grantKey(grantType, resourceID, userID)]
	l.mu.RUnlock()

	return ok && Covers(g.Level, level), nil
}

func (l *memoryLedger) Grant(_ context.Context, g Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}

	key := grantKey(g.GrantType, g.ResourceID, g.UserID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.grants[key]; ok && existing.Level == g.Level {
		l.log.WithField("key", key).
			Warn("Grant already exists, ignoring")

		return nil
	}

	l.grants[key] = g

	return nil
}

func (l *memoryLedger) Revoke(
	_ context.Context, grantType, resourceID, userID string,
) error {
	key := grantKey(grantType, resourceID, userID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.grants[key]; !ok {
		l.log.WithField("key", key).
			Warn("Revoking non-existent grant, ignoring")

		return nil
	}

	delete(l.grants, key)

	return nil
}

func (l *memoryLedger) ListForUser(
	_ context.Context, userID string,
) ([]Grant, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Grant

	for _, g := range l.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}

	return out, nil
}

func (l *memoryLedger) ListForResource(
	_ context.Context, grantType, resourceID string,
) ([]Grant, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Grant

	for _, g := range l.grants {
		if g.GrantType == grantType && g.ResourceID == resourceID {
			out = append(out, g)
		}
	}

	return out, nil
}

// --- Store-backed implementation ---

type storeLedger struct {
	log logrus.FieldLogger
	db  store.Store
}

// NewStoreBacked creates a Ledger persisted through the given store.
func NewStoreBacked(log logrus.FieldLogger, db store.Store) Ledger {
	return &storeLedger{
		log: log.WithField("component", "permission"),
		db:  db,
	}
}

func (l *storeLedger) Check(
	ctx context.Context, grantType, resourceID, userID, level string,
) (bool, error) {
	g, err := l.db.FindGrant(ctx, grantType, resourceID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return Covers(g.Level, level), nil
}

func (l *storeLedger) Grant(ctx context.Context, g Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}

	existing, err := l.db.FindGrant(ctx, g.GrantType, g.ResourceID, g.UserID)

	switch {
	case err == nil && existing.Level == g.Level:
		l.log.WithField("user", g.UserID).
			WithField("resource", g.ResourceID).
			Warn("Grant already exists, ignoring")

		return nil
	case err == nil:
		existing.Level = g.Level

		return l.db.SaveGrant(ctx, existing)
	case errors.Is(err, store.ErrNotFound):
		return l.db.CreateGrant(ctx, &store.PermissionGrant{
			GrantType:  g.GrantType,
			ResourceID: g.ResourceID,
			UserID:     g.UserID,
			Level:      g.Level,
		})
	default:
		return err
	}
}

func (l *storeLedger) Revoke(
	ctx context.Context, grantType, resourceID, userID string,
) error {
	existing, err := l.db.FindGrant(ctx, grantType, resourceID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			l.log.WithField("user", userID).
				WithField("resource", resourceID).
				Warn("Revoking non-existent grant, ignoring")

			return nil
		}

		return err
	}

	return l.db.DeleteGrant(ctx, existing.ID)
}

func (l *storeLedger) ListForUser(
	ctx context.Context, userID string,
) ([]Grant, error) {
	rows, err := l.db.ListGrantsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	return toGrants(rows), nil
}

func (l *storeLedger) ListForResource(
	ctx context.Context, grantType, resourceID string,
) ([]Grant, error) {
	rows, err := l.db.ListGrantsForResource(ctx, grantType, resourceID)
	if err != nil {
		return nil, err
	}

	return toGrants(rows), nil
}

func toGrants(rows []store.PermissionGrant) []Grant {
	grants := make([]Grant, 0, len(rows))
	for _, r := range rows {
		grants = append(grants, Grant{
			GrantType:  r.GrantType,
			ResourceID: r.ResourceID,
			UserID:     r.UserID,
			Level:      r.Level,
		})
	}

	return grants
}

func validateGrant(g Grant) error {
	if g.GrantType != store.GrantInstance && g.GrantType != store.GrantProject {
		return apperrors.Validation("invalid grant type %q", g.GrantType)
	}

	if _, ok := levelRank[g.Level]; !ok {
		return apperrors.Validation("invalid grant level %q", g.Level)
	}

	if g.ResourceID == "" || g.UserID == "" {
		return apperrors.Validation("resource id and user id are required")
	}

	return nil
}
