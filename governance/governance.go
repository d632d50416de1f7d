// Package governance implements the administrative surface: entity
// lifecycle, limit configuration at any of the four hierarchy levels, and
// the audit trail those changes leave behind.
package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eve.evalgo.org/ratelimit/configcache"
	"eve.evalgo.org/ratelimit/entitycache"
	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

// auditTTL bounds how long an audit event is retained before the store
// reclaims it via ExpireItem (spec.md §4.9).
const auditTTL = 90 * 24 * time.Hour

// ConfigLevel names which of the four hierarchy levels a limit write targets.
type ConfigLevel int

const (
	LevelSystem ConfigLevel = iota
	LevelResource
	LevelEntityDefault
	LevelEntityResource
)

// Manager administers entities and limit configuration for one namespace.
type Manager struct {
	Repo      store.Repository
	Configs   *configcache.Resolver
	Entities  *entitycache.Cache
	Namespace string
}

// CreateEntity writes a new entity's metadata. Non-cascading entities omit
// parentID.
func (m *Manager) CreateEntity(ctx context.Context, entityID string, cascade bool, parentID string, actor string, nowMs int64) error {
	update := store.NewUpdate()
	update.SetBools[keyschema.CascadeAttr] = cascade
	if parentID != "" {
		update.SetStrings[keyschema.ParentIDAttr] = parentID
	}
	guard := store.Condition{MustNotExist: true}
	if _, err := m.Repo.UpdateItem(ctx, keyschema.EntityMeta(m.Namespace, entityID), *update, guard, store.ReturnNone); err != nil {
		return fmt.Errorf("governance: create entity %q: %w", entityID, err)
	}
	return m.audit(ctx, entityID, "entity_created", actor, nowMs)
}

// DeleteEntity removes an entity's metadata record. Its bucket shards,
// entity-scoped config items, and usage snapshots are not deleted and stay
// in the store.
func (m *Manager) DeleteEntity(ctx context.Context, entityID, actor string, nowMs int64) error {
	if err := m.Repo.DeleteItem(ctx, keyschema.EntityMeta(m.Namespace, entityID)); err != nil {
		return fmt.Errorf("governance: delete entity %q: %w", entityID, err)
	}
	m.Entities.Invalidate(m.Namespace, entityID)
	return m.audit(ctx, entityID, "entity_deleted", actor, nowMs)
}

// SetLimit writes a limit's capacity/refill parameters at the given level and
// bumps that level's config_version. The resolver does not compare versions:
// the Invalidate call below evicts only the cached (entityID, resource)
// resolution, and any other cached resolution the write affects is re-read
// once its TTL expires.
func (m *Manager) SetLimit(ctx context.Context, level ConfigLevel, entityID, resource, limit string, params kernel.Params, actor string, nowMs int64) error {
	key, err := m.configKey(level, entityID, resource)
	if err != nil {
		return err
	}
	current, _, err := m.Repo.GetItem(ctx, key)
	if err != nil {
		return fmt.Errorf("governance: set limit: read current version: %w", err)
	}
	version := int64(1)
	if current != nil {
		version = current.Numbers[keyschema.ConfigVersionAttr] + 1
	}
	update := configcache.ToUpdate(limit, params, version)
	if _, err := m.Repo.UpdateItem(ctx, key, *update, store.Condition{}, store.ReturnNone); err != nil {
		return fmt.Errorf("governance: set limit %q: %w", limit, err)
	}
	m.Configs.Invalidate(m.Namespace, entityID, resource)
	return m.audit(ctx, entityID, "limit_set:"+limit, actor, nowMs)
}

// DeleteLimit removes one limit's parameters at the given level by clearing
// its three attributes; other limits at that level are untouched.
func (m *Manager) DeleteLimit(ctx context.Context, level ConfigLevel, entityID, resource, limit string, actor string, nowMs int64) error {
	key, err := m.configKey(level, entityID, resource)
	if err != nil {
		return err
	}
	update := store.NewUpdate()
	// The three attributes are zeroed rather than removed from the item; the
	// config resolver treats an all-zero limit as not defined at this level,
	// so a less specific level's parameters for it (if any) apply again.
	update.SetNumbers[keyschema.ConfigAttr(limit, "cp")] = 0
	update.SetNumbers[keyschema.ConfigAttr(limit, "ra")] = 0
	update.SetNumbers[keyschema.ConfigAttr(limit, "rp")] = 0
	if _, err := m.Repo.UpdateItem(ctx, key, *update, store.Condition{MustExist: true}, store.ReturnNone); err != nil {
		return fmt.Errorf("governance: delete limit %q: %w", limit, err)
	}
	m.Configs.Invalidate(m.Namespace, entityID, resource)
	return m.audit(ctx, entityID, "limit_deleted:"+limit, actor, nowMs)
}

func (m *Manager) configKey(level ConfigLevel, entityID, resource string) (store.Key, error) {
	switch level {
	case LevelSystem:
		return keyschema.SystemConfig(m.Namespace), nil
	case LevelResource:
		return keyschema.ResourceConfig(m.Namespace, resource), nil
	case LevelEntityDefault:
		return keyschema.EntityResourceConfig(m.Namespace, entityID, ""), nil
	case LevelEntityResource:
		return keyschema.EntityResourceConfig(m.Namespace, entityID, resource), nil
	default:
		return store.Key{}, fmt.Errorf("governance: unknown config level %d", level)
	}
}

// audit records one administrative event against entityID, expiring it after
// auditTTL.
func (m *Manager) audit(ctx context.Context, entityID, event, actor string, nowMs int64) error {
	key := keyschema.Audit(m.Namespace, entityID, uuid.NewString())
	update := store.NewUpdate()
	update.SetStrings["event"] = event
	update.SetStrings["actor"] = actor
	update.SetNumbers["at_ms"] = nowMs
	if _, err := m.Repo.UpdateItem(ctx, key, *update, store.Condition{}, store.ReturnNone); err != nil {
		return fmt.Errorf("governance: write audit event: %w", err)
	}
	if err := m.Repo.ExpireItem(ctx, key, auditTTL); err != nil {
		return fmt.Errorf("governance: set audit event ttl: %w", err)
	}
	return nil
}
