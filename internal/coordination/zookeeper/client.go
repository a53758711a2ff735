// Package zookeeper backs the coordination contract with a ZooKeeper
// ensemble. The zk library hands out one-shot watches; this adapter
// re-arms them after every delivery and synthesizes the initial
// callback, which is the contract the discovery stack expects.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"

	"github.com/modelfleet/agent-discovery/internal/coordination"
)

const watchRetryDelay = time.Second

type Client struct {
	conn   *zk.Conn
	stopCh chan struct{}

	listenersMu sync.Mutex
	listeners   []coordination.StateFunc
}

var _ coordination.Client = (*Client)(nil)

func Connect(servers []string, sessionTimeout time.Duration) (*Client, error) {
	conn, sessionEvents, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	c := &Client{
		conn:   conn,
		stopCh: make(chan struct{}),
	}
	go c.dispatchStates(sessionEvents)
	return c, nil
}

// Close tears the session down; every ephemeral node owned by it goes
// with it.
func (c *Client) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.conn.Close()
}

func mapError(err error) error {
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		return coordination.ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		return coordination.ErrNoNode
	}
	return err
}

// retryTransient retries transient ensemble errors; node-exists and
// no-node are answers, not failures.
func retryTransient(op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, zk.ErrNodeExists) && !errors.Is(err, zk.ErrNoNode)
		}),
	)
}

func (c *Client) Create(ctx context.Context, p string, data []byte, ephemeral, sequence bool) (string, error) {
	var flags int32
	if ephemeral {
		flags |= zk.FlagEphemeral
	}
	if sequence {
		flags |= zk.FlagSequence
	}

	err := c.ensureParents(p)
	if err != nil {
		return "", err
	}

	var realPath string
	err = retryTransient(func() error {
		var err error
		realPath, err = c.conn.Create(p, data, flags, zk.WorldACL(zk.PermAll))
		return err
	})
	if err != nil {
		return "", mapError(err)
	}
	return realPath, nil
}

// ensureParents creates the persistent ancestor chain of p.
func (c *Client) ensureParents(p string) error {
	parent := path.Dir(p)
	if parent == "/" || parent == "." {
		return nil
	}
	exists, _, err := c.conn.Exists(parent)
	if err != nil {
		return fmt.Errorf("failed to check parent %s: %w", parent, err)
	}
	if exists {
		return nil
	}
	err = c.ensureParents(parent)
	if err != nil {
		return err
	}
	err = retryTransient(func() error {
		_, err := c.conn.Create(parent, nil, 0, zk.WorldACL(zk.PermAll))
		return err
	})
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create parent %s: %w", parent, err)
	}
	return nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte) error {
	err := retryTransient(func() error {
		_, err := c.conn.Set(p, data, -1)
		return err
	})
	return mapError(err)
}

func (c *Client) Get(ctx context.Context, p string) ([]byte, coordination.Stat, error) {
	var (
		data []byte
		stat *zk.Stat
	)
	err := retryTransient(func() error {
		var err error
		data, stat, err = c.conn.Get(p)
		return err
	})
	if err != nil {
		return nil, coordination.Stat{}, mapError(err)
	}
	return data, coordination.Stat{Version: stat.Version}, nil
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	var exists bool
	err := retryTransient(func() error {
		var err error
		exists, _, err = c.conn.Exists(p)
		return err
	})
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	var children []string
	err := retryTransient(func() error {
		var err error
		children, _, err = c.conn.Children(p)
		return err
	})
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return children, nil
}

func (c *Client) WatchChildren(p string, fn coordination.ChildrenFunc) error {
	go func() {
		deliveredMissing := false
		for {
			select {
			case <-c.stopCh:
				return
			default:
			}

			children, _, watch, err := c.conn.ChildrenW(p)
			if errors.Is(err, zk.ErrNoNode) {
				if !deliveredMissing {
					deliveredMissing = true
					fn(nil)
				}
				exists, _, existsWatch, err := c.conn.ExistsW(p)
				if err != nil {
					time.Sleep(watchRetryDelay)
					continue
				}
				if exists {
					continue
				}
				select {
				case <-c.stopCh:
					return
				case <-existsWatch:
				}
				continue
			}
			if err != nil {
				log.Error().Err(err).Msgf("children watch on %s failed, retrying", p)
				time.Sleep(watchRetryDelay)
				continue
			}

			deliveredMissing = false
			fn(children)

			select {
			case <-c.stopCh:
				return
			case <-watch:
			}
		}
	}()
	return nil
}

func (c *Client) WatchData(p string, fn coordination.DataFunc) error {
	go func() {
		// The first delivery of a fresh watch carries a nil event.
		var lastEvent *coordination.Event
		for {
			select {
			case <-c.stopCh:
				return
			default:
			}

			data, stat, watch, err := c.conn.GetW(p)
			if errors.Is(err, zk.ErrNoNode) {
				fn(nil, coordination.Stat{}, lastEvent)
				exists, _, existsWatch, err := c.conn.ExistsW(p)
				if err != nil {
					time.Sleep(watchRetryDelay)
					continue
				}
				if exists {
					continue
				}
				select {
				case <-c.stopCh:
					return
				case ev := <-existsWatch:
					lastEvent = mapEvent(ev, p)
				}
				continue
			}
			if err != nil {
				log.Error().Err(err).Msgf("data watch on %s failed, retrying", p)
				time.Sleep(watchRetryDelay)
				continue
			}

			fn(data, coordination.Stat{Version: stat.Version}, lastEvent)

			select {
			case <-c.stopCh:
				return
			case ev := <-watch:
				lastEvent = mapEvent(ev, p)
			}
		}
	}()
	return nil
}

func mapEvent(ev zk.Event, p string) *coordination.Event {
	event := &coordination.Event{Path: p}
	switch ev.Type {
	case zk.EventNodeCreated:
		event.Type = coordination.EventCreated
	case zk.EventNodeDeleted:
		event.Type = coordination.EventDeleted
	case zk.EventNodeDataChanged:
		event.Type = coordination.EventChanged
	case zk.EventNodeChildrenChanged:
		event.Type = coordination.EventChild
	default:
		// Session-level events re-deliver current data with no node
		// event attached; consumers degrade such records to unknown.
		event.Type = coordination.EventNone
	}
	return event
}

func (c *Client) AddStateListener(fn coordination.StateFunc) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Client) dispatchStates(sessionEvents <-chan zk.Event) {
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-sessionEvents:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			var state coordination.State
			switch ev.State {
			case zk.StateHasSession:
				state = coordination.StateConnected
			case zk.StateDisconnected:
				state = coordination.StateSuspended
			case zk.StateExpired:
				state = coordination.StateLost
			default:
				continue
			}
			log.Info().Msgf("zookeeper session state: %s", state)
			c.listenersMu.Lock()
			listeners := append([]coordination.StateFunc(nil), c.listeners...)
			c.listenersMu.Unlock()
			for _, fn := range listeners {
				fn(state)
			}
		}
	}
}
