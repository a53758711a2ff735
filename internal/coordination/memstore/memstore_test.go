package memstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/agent-discovery/internal/coordination"
)

func TestCreateBuildsParents(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, err := c.Create(ctx, "/a/b/c", []byte("x"), false, false)
	require.NoError(t, err)

	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		exists, err := c.Exists(ctx, p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}

	_, err = c.Create(ctx, "/a/b/c", []byte("y"), false, false)
	assert.ErrorIs(t, err, coordination.ErrNodeExists)
}

func TestSequenceCreateAppendsCounter(t *testing.T) {
	c := New()
	ctx := context.Background()

	first, err := c.Create(ctx, "/q/node", nil, true, true)
	require.NoError(t, err)
	second, err := c.Create(ctx, "/q/node", nil, true, true)
	require.NoError(t, err)

	assert.Equal(t, "/q/node0000000000", first)
	assert.Equal(t, "/q/node0000000001", second)
}

func TestGetSetDelete(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, _, err := c.Get(ctx, "/missing")
	assert.ErrorIs(t, err, coordination.ErrNoNode)
	assert.ErrorIs(t, c.Set(ctx, "/missing", nil), coordination.ErrNoNode)
	assert.ErrorIs(t, c.Delete(ctx, "/missing"), coordination.ErrNoNode)

	_, err = c.Create(ctx, "/n", []byte("v1"), false, false)
	require.NoError(t, err)
	data, _, err := c.Get(ctx, "/n")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	require.NoError(t, c.Set(ctx, "/n", []byte("v2")))
	data, _, err = c.Get(ctx, "/n")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, c.Delete(ctx, "/n"))
	_, _, err = c.Get(ctx, "/n")
	assert.ErrorIs(t, err, coordination.ErrNoNode)
}

func TestChildrenSorted(t *testing.T) {
	c := New()
	ctx := context.Background()

	for _, p := range []string{"/r/b", "/r/a", "/r/c/grandchild"} {
		_, err := c.Create(ctx, p, nil, false, false)
		require.NoError(t, err)
	}

	children, err := c.Children(ctx, "/r")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, children)

	// A missing node lists as empty rather than failing, matching the
	// watcher's tolerance for not-yet-created subtrees.
	children, err = c.Children(ctx, "/nope")
	require.NoError(t, err)
	assert.Nil(t, children)
}

func TestChildWatchFiresOnMutations(t *testing.T) {
	c := New()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls [][]string
	)
	require.NoError(t, c.WatchChildren("/r", func(children []string) {
		mu.Lock()
		calls = append(calls, children)
		mu.Unlock()
	}))

	_, err := c.Create(ctx, "/r/a", nil, false, false)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/r/b", nil, false, false)
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "/r/a"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 4)
	assert.Nil(t, calls[0], "synthetic first call before the node exists")
	assert.Equal(t, []string{"a"}, calls[1])
	assert.Equal(t, []string{"a", "b"}, calls[2])
	assert.Equal(t, []string{"b"}, calls[3])
}

func TestChildWatchFiresForImplicitParents(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, err := c.Create(ctx, "/r", nil, false, false)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls [][]string
	)
	require.NoError(t, c.WatchChildren("/r", func(children []string) {
		mu.Lock()
		calls = append(calls, children)
		mu.Unlock()
	}))

	// Creating a deep path materializes "/r/ps:5" on the way; the
	// watch on "/r" must see that child even though it was never
	// created explicitly.
	_, err = c.Create(ctx, "/r/ps:5/0", []byte("x"), true, false)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0])
	assert.Equal(t, []string{"ps:5"}, calls[1])
}

func TestDataWatchFiresOnMutations(t *testing.T) {
	c := New()
	ctx := context.Background()

	type delivery struct {
		data  []byte
		event *coordination.Event
	}
	var (
		mu    sync.Mutex
		calls []delivery
	)
	require.NoError(t, c.WatchData("/n", func(data []byte, stat coordination.Stat, event *coordination.Event) {
		mu.Lock()
		calls = append(calls, delivery{data: data, event: event})
		mu.Unlock()
	}))

	_, err := c.Create(ctx, "/n", []byte("v1"), true, false)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "/n", []byte("v2")))
	require.NoError(t, c.Delete(ctx, "/n"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 4)
	assert.Nil(t, calls[0].event, "synthetic first call carries no event")
	assert.Equal(t, coordination.EventCreated, calls[1].event.Type)
	assert.Equal(t, []byte("v1"), calls[1].data)
	assert.Equal(t, coordination.EventChanged, calls[2].event.Type)
	assert.Equal(t, []byte("v2"), calls[2].data)
	assert.Equal(t, coordination.EventDeleted, calls[3].event.Type)
	assert.Empty(t, calls[3].data)
}

func TestWatchCallbackMayInstallWatches(t *testing.T) {
	c := New()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []string
	)
	require.NoError(t, c.WatchChildren("/r", func(children []string) {
		for _, child := range children {
			// Re-entrant store use from inside a callback must not
			// deadlock.
			err := c.WatchData("/r/"+child, func(data []byte, stat coordination.Stat, event *coordination.Event) {
				mu.Lock()
				seen = append(seen, string(data))
				mu.Unlock()
			})
			require.NoError(t, err)
		}
	}))

	_, err := c.Create(ctx, "/r/a", []byte("payload"), true, false)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, "payload")
}

func TestExpireSessionRemovesEphemerals(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, err := c.Create(ctx, "/r/eph", []byte("e"), true, false)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/r/persistent", []byte("p"), false, false)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		states []coordination.State
	)
	c.AddStateListener(func(state coordination.State) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	c.ExpireSession()

	exists, err := c.Exists(ctx, "/r/eph")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = c.Exists(ctx, "/r/persistent")
	require.NoError(t, err)
	assert.True(t, exists)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []coordination.State{coordination.StateLost}, states)
}
