package discovery

import (
	"path"
	"sync"
)

// childTracker is the per-watched-path state of one level of the
// recursive watch installation (root -> locality -> task -> replica).
// Children watches re-fire with the full child list every time the
// node changes, so the tracker remembers which children it has already
// descended into and installs the next level's watch exactly once per
// child.
type childTracker struct {
	basePath string
	install  func(childPath string)

	mu   sync.Mutex
	seen map[string]struct{}
}

func newChildTracker(basePath string, install func(childPath string)) *childTracker {
	return &childTracker{
		basePath: basePath,
		install:  install,
		seen:     make(map[string]struct{}),
	}
}

// observe is the children-watch callback. A nil child list means the
// watched node does not exist yet; nothing to descend into.
func (t *childTracker) observe(children []string) {
	for _, child := range children {
		t.mu.Lock()
		_, dup := t.seen[child]
		if !dup {
			t.seen[child] = struct{}{}
		}
		t.mu.Unlock()
		if dup {
			continue
		}
		t.install(path.Join(t.basePath, child))
	}
}
