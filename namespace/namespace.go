// Package namespace manages the namespace registry: the forward (name->id)
// and reverse (id->name) lookup records every other package's keys are
// prefixed under, plus soft-delete and purge of a namespace's data.
package namespace

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/store"
)

// Registry is one resolved namespace entry.
type Registry struct {
	ID        string
	Name      string
	CreatedAt int64
	Deleted   bool
}

// Manager resolves and administers namespaces against a store.Repository.
type Manager struct {
	Repo store.Repository
}

// Create registers a new namespace and returns its generated id. It is not
// idempotent by name: a second call for the same name fails on the
// registry's forward-key MustNotExist guard, which is the caller's signal
// that the name is already taken.
func (m *Manager) Create(ctx context.Context, name string, nowMs int64) (*Registry, error) {
	id := "ns-" + uuid.NewString()

	fwdUpdate := store.NewUpdate()
	fwdUpdate.SetStrings["id"] = id
	fwdUpdate.SetNumbers["created_at"] = nowMs
	fwdGuard := store.Condition{MustNotExist: true}

	if _, err := m.Repo.UpdateItem(ctx, keyschema.NamespaceForward(name), *fwdUpdate, fwdGuard, store.ReturnNone); err != nil {
		return nil, fmt.Errorf("namespace: create %q: name already registered or write failed: %w", name, err)
	}

	revUpdate := store.NewUpdate()
	revUpdate.SetStrings["name"] = name
	revUpdate.SetNumbers["created_at"] = nowMs
	if _, err := m.Repo.UpdateItem(ctx, keyschema.NamespaceReverse(id), *revUpdate, store.Condition{}, store.ReturnNone); err != nil {
		return nil, fmt.Errorf("namespace: create %q: write reverse record: %w", name, err)
	}

	return &Registry{ID: id, Name: name, CreatedAt: nowMs}, nil
}

// Resolve looks up a namespace by name.
func (m *Manager) Resolve(ctx context.Context, name string) (*Registry, bool, error) {
	item, ok, err := m.Repo.GetItem(ctx, keyschema.NamespaceForward(name))
	if err != nil {
		return nil, false, fmt.Errorf("namespace: resolve %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Registry{ID: item.Strings["id"], Name: name, CreatedAt: item.Numbers["created_at"]}, true, nil
}

// SoftDelete marks a namespace as deleted without reclaiming its data,
// giving operators a window to notice and reverse an accidental deletion
// before Purge runs.
func (m *Manager) SoftDelete(ctx context.Context, name string) error {
	update := store.NewUpdate()
	update.SetBools["deleted"] = true
	_, err := m.Repo.UpdateItem(ctx, keyschema.NamespaceForward(name), *update, store.Condition{MustExist: true}, store.ReturnNone)
	if err != nil {
		return fmt.Errorf("namespace: soft delete %q: %w", name, err)
	}
	return nil
}

// Purge removes every item whose partition key falls under the namespace,
// using ScanPrefix since a namespace spans an unbounded number of partitions.
// Intended to run well after SoftDelete, on a schedule the caller controls.
func (m *Manager) Purge(ctx context.Context, name string, reg *Registry) (int, error) {
	keys, err := m.Repo.ScanPrefix(ctx, name+"/")
	if err != nil {
		return 0, fmt.Errorf("namespace: purge %q: scan: %w", name, err)
	}
	for _, k := range keys {
		if err := m.Repo.DeleteItem(ctx, k); err != nil {
			return 0, fmt.Errorf("namespace: purge %q: delete %v: %w", name, k, err)
		}
	}
	if err := m.Repo.DeleteItem(ctx, keyschema.NamespaceForward(name)); err != nil {
		return 0, fmt.Errorf("namespace: purge %q: delete forward record: %w", name, err)
	}
	if reg != nil {
		_ = m.Repo.DeleteItem(ctx, keyschema.NamespaceReverse(reg.ID))
	}
	return len(keys), nil
}
