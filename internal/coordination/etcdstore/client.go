// Package etcdstore backs the coordination contract with etcd, for
// fleets that run etcd instead of a ZooKeeper ensemble. Hierarchy is
// emulated over the flat keyspace with path-prefix ranges, ephemeral
// nodes ride a session lease, and sequence nodes draw from a hidden
// per-parent counter key.
package etcdstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/modelfleet/agent-discovery/internal/coordination"
)

// seqCounterName holds the next sequence number under a parent; dot
// names are hidden from child listings.
const seqCounterName = ".seq"

type Client struct {
	etcd       *clientv3.Client
	sessionTTL int

	sessionMu sync.Mutex
	session   *concurrency.Session

	listenersMu sync.Mutex
	listeners   []coordination.StateFunc

	stopCh chan struct{}
}

var _ coordination.Client = (*Client)(nil)

func Connect(ctx context.Context, endpoints []string, sessionTTLSeconds int) (*Client, error) {
	etcd, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	c := &Client{
		etcd:       etcd,
		sessionTTL: sessionTTLSeconds,
		stopCh:     make(chan struct{}),
	}
	err = c.acquireSession(ctx)
	if err != nil {
		_ = etcd.Close()
		return nil, err
	}
	go c.watchSession()
	return c, nil
}

func (c *Client) acquireSession(ctx context.Context) error {
	session, err := concurrency.NewSession(
		c.etcd,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(c.sessionTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to acquire etcd session: %w", err)
	}
	c.sessionMu.Lock()
	c.session = session
	c.sessionMu.Unlock()
	return nil
}

func (c *Client) currentSession() *concurrency.Session {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

// watchSession turns session expiry into the Lost signal and keeps
// trying to open a replacement session, announcing Connected once one
// is up.
func (c *Client) watchSession() {
	for {
		session := c.currentSession()
		select {
		case <-c.stopCh:
			return
		case <-session.Done():
		}
		log.Warn().Msg("etcd session expired, ephemeral nodes are gone")
		c.notify(coordination.StateLost)

		for {
			select {
			case <-c.stopCh:
				return
			default:
			}
			err := c.acquireSession(context.Background())
			if err == nil {
				c.notify(coordination.StateConnected)
				break
			}
			log.Error().Err(err).Msg("failed to reacquire etcd session")
			time.Sleep(time.Second)
		}
	}
}

func (c *Client) notify(state coordination.State) {
	c.listenersMu.Lock()
	listeners := append([]coordination.StateFunc(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (c *Client) AddStateListener(fn coordination.StateFunc) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Client) Close(ctx context.Context) error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	session := c.currentSession()
	if session != nil {
		err := session.Close()
		if err != nil {
			log.Error().Err(err).Msg("error closing etcd session")
		}
	}
	return c.etcd.Close()
}

func (c *Client) Create(ctx context.Context, p string, data []byte, ephemeral, sequence bool) (string, error) {
	var opts []clientv3.OpOption
	if ephemeral {
		opts = append(opts, clientv3.WithLease(c.currentSession().Lease()))
	}

	if sequence {
		return c.createSequence(ctx, p, data, opts)
	}

	resp, err := c.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(p), "=", 0)).
		Then(clientv3.OpPut(p, string(data), opts...)).
		Commit()
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p, err)
	}
	if !resp.Succeeded {
		return "", coordination.ErrNodeExists
	}
	return p, nil
}

// createSequence appends the next per-parent counter value to the
// requested name, the same way a sequence znode gets its suffix.
func (c *Client) createSequence(ctx context.Context, p string, data []byte, opts []clientv3.OpOption) (string, error) {
	counterKey := parentKey(p) + "/" + seqCounterName
	for {
		var (
			next   = 0
			modRev = int64(0)
		)
		resp, err := c.etcd.Get(ctx, counterKey)
		if err != nil {
			return "", fmt.Errorf("failed to read sequence counter %s: %w", counterKey, err)
		}
		if len(resp.Kvs) != 0 {
			next, err = strconv.Atoi(string(resp.Kvs[0].Value))
			if err != nil {
				return "", fmt.Errorf("corrupt sequence counter %s: %w", counterKey, err)
			}
			modRev = resp.Kvs[0].ModRevision
		}

		realPath := fmt.Sprintf("%s%010d", p, next)
		txn, err := c.etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(counterKey), "=", modRev)).
			Then(
				clientv3.OpPut(counterKey, strconv.Itoa(next+1)),
				clientv3.OpPut(realPath, string(data), opts...),
			).
			Commit()
		if err != nil {
			return "", fmt.Errorf("failed to create sequence node under %s: %w", p, err)
		}
		if txn.Succeeded {
			return realPath, nil
		}
		// Another writer moved the counter; take the next value.
	}
}

func (c *Client) Set(ctx context.Context, p string, data []byte) error {
	resp, err := c.etcd.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return coordination.ErrNoNode
	}
	var opts []clientv3.OpOption
	if resp.Kvs[0].Lease != 0 {
		// Keep the node on its lease so it stays ephemeral.
		opts = append(opts, clientv3.WithLease(clientv3.LeaseID(resp.Kvs[0].Lease)))
	}
	_, err = c.etcd.Put(ctx, p, string(data), opts...)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", p, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, p string) ([]byte, coordination.Stat, error) {
	resp, err := c.etcd.Get(ctx, p)
	if err != nil {
		return nil, coordination.Stat{}, fmt.Errorf("failed to read %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coordination.Stat{}, coordination.ErrNoNode
	}
	return resp.Kvs[0].Value, coordination.Stat{Version: int32(resp.Kvs[0].Version)}, nil
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	resp, err := c.etcd.Get(ctx, p, clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", p, err)
	}
	if resp.Count > 0 {
		return true, nil
	}
	// A pure directory exists when anything lives under it.
	resp, err = c.etcd.Get(ctx, p+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", p, err)
	}
	return resp.Count > 0, nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	resp, err := c.etcd.Get(ctx, p+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p, err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return childNames(p, keys), nil
}

func (c *Client) WatchChildren(p string, fn coordination.ChildrenFunc) error {
	initial, err := c.Children(context.Background(), p)
	if err != nil {
		return err
	}
	fn(initial)

	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-c.stopCh
			cancel()
		}()

		watch := c.etcd.Watch(ctx, p+"/", clientv3.WithPrefix())
		for resp := range watch {
			if resp.Canceled {
				return
			}
			if resp.Err() != nil {
				log.Error().Err(resp.Err()).Msgf("children watch on %s failed", p)
				continue
			}
			children, err := c.Children(ctx, p)
			if err != nil {
				log.Error().Err(err).Msgf("failed to relist children of %s", p)
				continue
			}
			fn(children)
		}
	}()
	return nil
}

func (c *Client) WatchData(p string, fn coordination.DataFunc) error {
	data, stat, err := c.Get(context.Background(), p)
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return err
	}
	fn(data, stat, nil)

	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-c.stopCh
			cancel()
		}()

		watch := c.etcd.Watch(ctx, p)
		for resp := range watch {
			if resp.Canceled {
				return
			}
			if resp.Err() != nil {
				log.Error().Err(resp.Err()).Msgf("data watch on %s failed", p)
				continue
			}
			for _, ev := range resp.Events {
				event := &coordination.Event{Path: p}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					event.Type = coordination.EventDeleted
					fn(nil, coordination.Stat{}, event)
				case ev.IsCreate():
					event.Type = coordination.EventCreated
					fn(ev.Kv.Value, coordination.Stat{Version: int32(ev.Kv.Version)}, event)
				default:
					event.Type = coordination.EventChanged
					fn(ev.Kv.Value, coordination.Stat{Version: int32(ev.Kv.Version)}, event)
				}
			}
		}
	}()
	return nil
}

func parentKey(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return ""
	}
	return p[:idx]
}

// childNames derives the first-level child names under parent from the
// full keys of a prefix range, hiding dot-named bookkeeping keys.
func childNames(parent string, keys []string) []string {
	seen := make(map[string]struct{})
	var children []string
	prefix := parent + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name, _, _ := strings.Cut(key[len(prefix):], "/")
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		children = append(children, name)
	}
	sort.Strings(children)
	return children
}
