// Package resource tracks cleanup work for providers and their controllers.
//
// Cleanup is best-effort: every registered resource in a batch is cleaned
// concurrently, failures are logged, and no error ever reaches the caller.
// Owner-scoped entries are keyed by a weak pointer so registering does not
// keep the owner alive; named groups and globals are held strongly until
// cleaned.
package resource

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resource is anything with cleanup work.
type Resource interface {
	Cleanup(ctx context.Context) error
}

// Func adapts a function to Resource.
type Func func(ctx context.Context) error

func (f Func) Cleanup(ctx context.Context) error { return f(ctx) }

// Named attaches a label used in failure logs.
func Named(name string, r Resource) Resource {
	return named{name: name, Resource: r}
}

type named struct {
	name string
	Resource
}

// Manager owns every tracked resource.
type Manager struct {
	mu      sync.Mutex
	owners  map[any][]Resource
	groups  map[string]*Group
	globals []Resource

	logger *zap.SugaredLogger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		owners: make(map[any][]Resource),
		groups: make(map[string]*Group),
		logger: logger,
	}
}

// Register tracks r under owner. The entry disappears with the owner if it
// is garbage collected before Cleanup is called. r must not reference owner,
// or owner stays reachable through m and is never collected.
func Register[T any](m *Manager, owner *T, r Resource) {
	key := weak.Make(owner)

	m.mu.Lock()
	_, tracked := m.owners[key]
	m.owners[key] = append(m.owners[key], r)
	m.mu.Unlock()

	if !tracked {
		runtime.AddCleanup(owner, m.forget, any(key))
	}
}

// Cleanup runs and forgets every resource registered under owner.
func Cleanup[T any](ctx context.Context, m *Manager, owner *T) {
	key := weak.Make(owner)

	m.mu.Lock()
	batch := m.owners[key]
	delete(m.owners, key)
	m.mu.Unlock()

	m.run(ctx, fmt.Sprintf("owner:%T", owner), batch)
}

// Count reports how many resources owner has registered.
func Count[T any](m *Manager, owner *T) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners[weak.Make(owner)])
}

func (m *Manager) forget(key any) {
	m.mu.Lock()
	delete(m.owners, key)
	m.mu.Unlock()
}

// RegisterGlobal tracks r until CleanupAll.
func (m *Manager) RegisterGlobal(r Resource) {
	m.mu.Lock()
	m.globals = append(m.globals, r)
	m.mu.Unlock()
}

// Group returns the named group, creating it on first use.
func (m *Manager) Group(name string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[name]
	if !ok {
		g = &Group{name: name, manager: m}
		m.groups[name] = g
	}
	return g
}

// CleanupGroup cleans and removes the named group.
func (m *Manager) CleanupGroup(ctx context.Context, name string) {
	m.mu.Lock()
	g, ok := m.groups[name]
	delete(m.groups, name)
	m.mu.Unlock()

	if ok {
		m.run(ctx, "group:"+name, g.take())
	}
}

// CleanupAll cleans every owner, group and global resource.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	var batch []Resource
	for key, rs := range m.owners {
		batch = append(batch, rs...)
		delete(m.owners, key)
	}
	groups := m.groups
	m.groups = make(map[string]*Group)
	batch = append(batch, m.globals...)
	m.globals = nil
	m.mu.Unlock()

	for _, g := range groups {
		batch = append(batch, g.take()...)
	}
	m.run(ctx, "all", batch)
}

func (m *Manager) run(ctx context.Context, scope string, batch []Resource) {
	if len(batch) == 0 {
		return
	}

	var g errgroup.Group
	for i, r := range batch {
		g.Go(func() error {
			if err := safeCleanup(ctx, r); err != nil {
				m.logger.Warnw("resource cleanup failed",
					"scope", scope,
					"index", i,
					"resource", labelOf(r),
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Debugw("resources cleaned", "scope", scope, "count", len(batch))
}

func safeCleanup(ctx context.Context, r Resource) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cleanup panicked: %v", rec)
		}
	}()
	return r.Cleanup(ctx)
}

func labelOf(r Resource) string {
	if n, ok := r.(named); ok {
		return n.name
	}
	return fmt.Sprintf("%T", r)
}

// Group is a strongly held set of resources cleaned together.
type Group struct {
	mu        sync.Mutex
	name      string
	resources []Resource
	manager   *Manager
}

// Add tracks r in the group.
func (g *Group) Add(r Resource) {
	g.mu.Lock()
	g.resources = append(g.resources, r)
	g.mu.Unlock()
}

// Len returns the number of tracked resources.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.resources)
}

// Cleanup cleans the group's resources and empties it. The group stays
// registered with the manager.
func (g *Group) Cleanup(ctx context.Context) error {
	g.manager.run(ctx, "group:"+g.name, g.take())
	return nil
}

func (g *Group) take() []Resource {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs := g.resources
	g.resources = nil
	return rs
}
