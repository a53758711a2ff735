package models

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Path identifies a node in the coordination tree:
//
//	/<bzid>/service/<base_name>[/<idc>:<cluster>]/<server_type>:<task>/<replica>
//
// The locality segment is present only in dc-aware deployments. A Path
// may also point at a task node (no replica segment yet).
type Path struct {
	raw string
}

func NewPath(raw string) Path {
	return Path{raw: raw}
}

// TaskPath builds the task-level path under prefix, with an optional
// locality segment.
func TaskPath(prefix, location string, st ServerType, task int) string {
	if location != "" {
		return path.Join(prefix, location, fmt.Sprintf("%s:%d", st, task))
	}
	return path.Join(prefix, fmt.Sprintf("%s:%d", st, task))
}

func (p Path) String() string {
	return p.raw
}

func (p Path) segments() []string {
	return strings.Split(strings.Trim(p.raw, "/"), "/")
}

// taskSegment returns the "<server_type>:<task>" segment, which is the
// last segment of a task path and the second to last of a replica path.
func (p Path) taskSegment() string {
	segs := p.segments()
	for i := len(segs) - 1; i >= 0; i-- {
		st, _, ok := strings.Cut(segs[i], ":")
		if !ok {
			continue
		}
		switch ServerType(st) {
		case ServerTypeEntry, ServerTypePS, ServerTypeDense:
			return segs[i]
		}
	}
	return ""
}

func (p Path) ServerType() ServerType {
	st, _, _ := strings.Cut(p.taskSegment(), ":")
	return ServerType(st)
}

// Task returns the task index, or -1 when the path carries none.
func (p Path) Task() int {
	_, idx, ok := strings.Cut(p.taskSegment(), ":")
	if !ok {
		return -1
	}
	task, err := strconv.Atoi(idx)
	if err != nil {
		return -1
	}
	return task
}

// Location returns the "<idc>:<cluster>" segment of a dc-aware path, or
// "" when the path has none. It is the segment right before the task
// segment.
func (p Path) Location() string {
	segs := p.segments()
	taskSeg := p.taskSegment()
	for i, seg := range segs {
		if seg == taskSeg && i > 0 && strings.ContainsRune(segs[i-1], ':') {
			return segs[i-1]
		}
	}
	return ""
}

func (p Path) IDC() string {
	idc, _, _ := strings.Cut(p.Location(), ":")
	return idc
}

func (p Path) Cluster() string {
	_, cluster, _ := strings.Cut(p.Location(), ":")
	return cluster
}

// TaskKey is the query-result key for this path: "<type>:<task>",
// prefixed with the locality segment when present.
func (p Path) TaskKey() string {
	if loc := p.Location(); loc != "" {
		return path.Join(loc, p.taskSegment())
	}
	return p.taskSegment()
}

// ShipIn reports whether the path's locality matches the given filters.
// Empty filters are wildcards.
func (p Path) ShipIn(idc, cluster string) bool {
	if idc != "" && p.IDC() != idc {
		return false
	}
	if cluster != "" && p.Cluster() != cluster {
		return false
	}
	return true
}

// NormalizeReplicaID strips zero padding (and sequence-suffix padding)
// from a replica node name so "00000000001" and "1" key the same cache
// slot. Non-numeric names are returned as is.
func NormalizeReplicaID(node string) string {
	id, err := strconv.Atoi(node)
	if err != nil {
		return node
	}
	return strconv.Itoa(id)
}
