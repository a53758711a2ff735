// Package coordination defines the contract this subsystem expects from
// the hierarchical coordination store: path create/read/update, ephemeral
// and sequence nodes, self re-arming child/data watches and connection
// state notifications. Backends live in the subpackages.
package coordination

import (
	"context"
	"errors"
)

var (
	ErrNodeExists = errors.New("node already exists")
	ErrNoNode     = errors.New("node does not exist")
)

// State is the coarse connection state reported to listeners.
// Suspended is a recoverable blip; Lost means the session is confirmed
// dead and every ephemeral node owned by it is gone.
type State int8

const (
	StateConnected State = iota
	StateSuspended
	StateLost
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateLost:
		return "lost"
	}
	return "unknown"
}

type EventType int8

const (
	// EventNone marks the synthetic first invocation of a freshly
	// installed watch.
	EventNone EventType = iota
	EventCreated
	EventDeleted
	EventChanged
	EventChild
)

type Event struct {
	Type EventType
	Path string
}

// Stat carries the node metadata returned alongside its payload.
type Stat struct {
	Version int32
}

type (
	// ChildrenFunc receives the current child names. A nil slice means
	// the watched node does not exist (yet).
	ChildrenFunc func(children []string)
	// DataFunc receives the node payload; event is nil on the initial
	// synthetic invocation.
	DataFunc  func(data []byte, stat Stat, event *Event)
	StateFunc func(state State)
)

// Client is the coordination-store handle the discovery subsystem is
// built against. All mutations go through the backend's own retry
// policy; watches fire once immediately on installation and re-arm
// themselves after every delivery.
type Client interface {
	// Create makes the node (parents included) and returns the path
	// actually created, which differs from the requested one when
	// sequence is set. ErrNodeExists when the node is already there.
	Create(ctx context.Context, path string, data []byte, ephemeral, sequence bool) (string, error)
	// Set overwrites the node payload. ErrNoNode when the node is gone.
	Set(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Exists(ctx context.Context, path string) (bool, error)
	// Children lists child node names; nil when the node does not exist.
	Children(ctx context.Context, path string) ([]string, error)

	WatchChildren(path string, fn ChildrenFunc) error
	WatchData(path string, fn DataFunc) error
	AddStateListener(fn StateFunc)
}
