package resource

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owner struct{ name string }

func counting(calls *atomic.Int32, err error) Resource {
	return Func(func(context.Context) error {
		calls.Add(1)
		return err
	})
}

func TestCleanupAll_FailureDoesNotAbortBatch(t *testing.T) {
	m := NewManager(nil)
	var calls atomic.Int32

	g := m.Group("media")
	for i := 0; i < 5; i++ {
		var err error
		if i == 2 {
			err = errors.New("release failed")
		}
		g.Add(counting(&calls, err))
	}
	m.RegisterGlobal(Func(func(context.Context) error {
		calls.Add(1)
		panic("global cleanup panics")
	}))

	assert.NotPanics(t, func() { m.CleanupAll(context.Background()) })
	assert.Equal(t, int32(6), calls.Load())

	m.CleanupAll(context.Background())
	assert.Equal(t, int32(6), calls.Load(), "resources must be cleaned exactly once")
}

func TestOwnerScopedCleanup(t *testing.T) {
	m := NewManager(nil)
	a := &owner{name: "a"}
	b := &owner{name: "b"}
	var aCalls, bCalls atomic.Int32

	Register(m, a, counting(&aCalls, nil))
	Register(m, a, counting(&aCalls, errors.New("x")))
	Register(m, b, counting(&bCalls, nil))
	assert.Equal(t, 2, Count(m, a))

	Cleanup(context.Background(), m, a)
	assert.Equal(t, int32(2), aCalls.Load())
	assert.Equal(t, int32(0), bCalls.Load())
	assert.Equal(t, 0, Count(m, a))
	assert.Equal(t, 1, Count(m, b))

	Cleanup(context.Background(), m, a)
	assert.Equal(t, int32(2), aCalls.Load())
}

func TestCleanupGroup(t *testing.T) {
	m := NewManager(nil)
	var calls atomic.Int32

	m.Group("stats").Add(counting(&calls, nil))
	m.Group("stats").Add(Named("poller", counting(&calls, errors.New("stop failed"))))
	m.Group("other").Add(counting(&calls, nil))
	assert.Equal(t, 2, m.Group("stats").Len())

	m.CleanupGroup(context.Background(), "stats")
	assert.Equal(t, int32(2), calls.Load())

	m.CleanupGroup(context.Background(), "missing")
	assert.Equal(t, 1, m.Group("other").Len())
}

func TestGroupCleanupKeepsGroupUsable(t *testing.T) {
	m := NewManager(nil)
	var calls atomic.Int32
	g := m.Group("g")

	g.Add(counting(&calls, nil))
	assert.NoError(t, g.Cleanup(context.Background()))
	g.Add(counting(&calls, nil))
	assert.NoError(t, g.Cleanup(context.Background()))

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, g.Len())
}

func (m *Manager) ownerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

func TestCollectedOwnerIsForgotten(t *testing.T) {
	m := NewManager(nil)
	var calls atomic.Int32

	func() {
		o := &owner{name: "transient"}
		Register(m, o, counting(&calls, nil))
		require.Equal(t, 1, Count(m, o))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return m.ownerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	m.CleanupAll(context.Background())
	assert.Zero(t, calls.Load(), "resources of a collected owner are dropped, not run")
}
