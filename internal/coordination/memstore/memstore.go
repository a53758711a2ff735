// Package memstore is an in-memory coordination backend. It keeps the
// full watch contract of the real backends (synthetic first call,
// self re-arming, connection-state listeners) so the discovery stack
// can run against it in tests and single-process local setups.
package memstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/modelfleet/agent-discovery/internal/coordination"
)

type node struct {
	data      []byte
	ephemeral bool
	// nextSeq numbers sequence children created under this node.
	nextSeq int
}

type Client struct {
	mu           sync.Mutex
	nodes        map[string]*node
	childWatches map[string][]coordination.ChildrenFunc
	dataWatches  map[string][]coordination.DataFunc
	listeners    []coordination.StateFunc
}

var _ coordination.Client = (*Client)(nil)

func New() *Client {
	return &Client{
		nodes:        make(map[string]*node),
		childWatches: make(map[string][]coordination.ChildrenFunc),
		dataWatches:  make(map[string][]coordination.DataFunc),
	}
}

func (c *Client) Create(ctx context.Context, p string, data []byte, ephemeral, sequence bool) (string, error) {
	p = path.Clean(p)

	c.mu.Lock()
	parent := path.Dir(p)
	created := c.makePath(parent)
	if sequence {
		pn := c.nodes[parent]
		p = fmt.Sprintf("%s%010d", p, pn.nextSeq)
		pn.nextSeq++
	} else if _, exists := c.nodes[p]; exists {
		c.mu.Unlock()
		return "", coordination.ErrNodeExists
	}
	c.nodes[p] = &node{data: data, ephemeral: ephemeral}
	// Implicitly created ancestors fire their parents' children
	// watches too, shallowest first, matching real backends.
	var notifications []func()
	for _, ancestor := range created {
		notifications = append(notifications, c.collectNotifications(ancestor, path.Dir(ancestor), coordination.EventCreated, nil))
	}
	notifications = append(notifications, c.collectNotifications(p, parent, coordination.EventCreated, data))
	c.mu.Unlock()

	for _, notify := range notifications {
		notify()
	}
	return p, nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte) error {
	p = path.Clean(p)

	c.mu.Lock()
	n, exists := c.nodes[p]
	if !exists {
		c.mu.Unlock()
		return coordination.ErrNoNode
	}
	n.data = data
	notify := c.collectNotifications(p, "", coordination.EventChanged, data)
	c.mu.Unlock()

	notify()
	return nil
}

// Delete removes a node, firing the same watch events a session expiry
// or explicit delete would on a real backend.
func (c *Client) Delete(ctx context.Context, p string) error {
	p = path.Clean(p)

	c.mu.Lock()
	if _, exists := c.nodes[p]; !exists {
		c.mu.Unlock()
		return coordination.ErrNoNode
	}
	delete(c.nodes, p)
	notify := c.collectNotifications(p, path.Dir(p), coordination.EventDeleted, nil)
	c.mu.Unlock()

	notify()
	return nil
}

func (c *Client) Get(ctx context.Context, p string) ([]byte, coordination.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, exists := c.nodes[path.Clean(p)]
	if !exists {
		return nil, coordination.Stat{}, coordination.ErrNoNode
	}
	data := make([]byte, len(n.data))
	copy(data, n.data)
	return data, coordination.Stat{}, nil
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.nodes[path.Clean(p)]
	return exists, nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p = path.Clean(p)
	if _, exists := c.nodes[p]; !exists {
		return nil, nil
	}
	return c.childrenLocked(p), nil
}

func (c *Client) WatchChildren(p string, fn coordination.ChildrenFunc) error {
	p = path.Clean(p)

	c.mu.Lock()
	c.childWatches[p] = append(c.childWatches[p], fn)
	var initial []string
	if _, exists := c.nodes[p]; exists {
		initial = c.childrenLocked(p)
	}
	c.mu.Unlock()

	fn(initial)
	return nil
}

func (c *Client) WatchData(p string, fn coordination.DataFunc) error {
	p = path.Clean(p)

	c.mu.Lock()
	c.dataWatches[p] = append(c.dataWatches[p], fn)
	var data []byte
	if n, exists := c.nodes[p]; exists {
		data = make([]byte, len(n.data))
		copy(data, n.data)
	}
	c.mu.Unlock()

	fn(data, coordination.Stat{}, nil)
	return nil
}

func (c *Client) AddStateListener(fn coordination.StateFunc) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// FireState delivers a connection-state transition to all listeners.
func (c *Client) FireState(state coordination.State) {
	c.mu.Lock()
	listeners := append([]coordination.StateFunc(nil), c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// ExpireSession simulates a confirmed session loss: every ephemeral
// node disappears with delete events, then listeners observe Lost.
func (c *Client) ExpireSession() {
	c.mu.Lock()
	var notifications []func()
	for p, n := range c.nodes {
		if !n.ephemeral {
			continue
		}
		delete(c.nodes, p)
		notifications = append(notifications, c.collectNotifications(p, path.Dir(p), coordination.EventDeleted, nil))
	}
	c.mu.Unlock()

	for _, notify := range notifications {
		notify()
	}
	c.FireState(coordination.StateLost)
}

// makePath materializes the missing ancestor chain of p, returning the
// created paths shallowest first.
func (c *Client) makePath(p string) []string {
	var created []string
	for ; p != "/" && p != "."; p = path.Dir(p) {
		if _, exists := c.nodes[p]; exists {
			continue
		}
		c.nodes[p] = &node{}
		created = append(created, p)
	}
	for i, j := 0, len(created)-1; i < j; i, j = i+1, j-1 {
		created[i], created[j] = created[j], created[i]
	}
	return created
}

func (c *Client) childrenLocked(p string) []string {
	var children []string
	for candidate := range c.nodes {
		if path.Dir(candidate) == p && candidate != p {
			children = append(children, path.Base(candidate))
		}
	}
	sort.Strings(children)
	return children
}

// collectNotifications snapshots, under the store lock, the watch
// callbacks that a mutation at p must fire, and returns a closure that
// delivers them. Delivery happens outside the lock so callbacks may
// install further watches.
func (c *Client) collectNotifications(p, parent string, eventType coordination.EventType, data []byte) func() {
	event := &coordination.Event{Type: eventType, Path: p}
	dataFns := append([]coordination.DataFunc(nil), c.dataWatches[p]...)

	var (
		childFns []coordination.ChildrenFunc
		children []string
	)
	if parent != "" {
		childFns = append(childFns, c.childWatches[parent]...)
		children = c.childrenLocked(parent)
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	return func() {
		for _, fn := range dataFns {
			fn(payload, coordination.Stat{}, event)
		}
		for _, fn := range childFns {
			fn(children)
		}
	}
}

// DumpTree renders the store content for debug logging in tests.
func (c *Client) DumpTree() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := make([]string, 0, len(c.nodes))
	for p := range c.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "%s = %s\n", p, c.nodes[p].data)
	}
	return b.String()
}
