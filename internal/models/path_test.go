package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathParsing(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		serverType ServerType
		task       int
		location   string
		taskKey    string
	}{
		{
			name:       "replica path",
			raw:        "/bz/service/ranker/ps:3/0",
			serverType: ServerTypePS,
			task:       3,
			taskKey:    "ps:3",
		},
		{
			name:       "task path",
			raw:        "/bz/service/ranker/entry:0",
			serverType: ServerTypeEntry,
			task:       0,
			taskKey:    "entry:0",
		},
		{
			name:       "dc aware replica path",
			raw:        "/bz/service/ranker/lf:alpha/dense:0/2",
			serverType: ServerTypeDense,
			task:       0,
			location:   "lf:alpha",
			taskKey:    "lf:alpha/dense:0",
		},
		{
			name: "no task segment",
			raw:  "/bz/service/ranker",
			task: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPath(tt.raw)
			assert.Equal(t, tt.serverType, p.ServerType())
			assert.Equal(t, tt.task, p.Task())
			assert.Equal(t, tt.location, p.Location())
			if tt.taskKey != "" {
				assert.Equal(t, tt.taskKey, p.TaskKey())
			}
		})
	}
}

func TestPathLocality(t *testing.T) {
	p := NewPath("/bz/service/ranker/lf:alpha/ps:1/0")
	assert.Equal(t, "lf", p.IDC())
	assert.Equal(t, "alpha", p.Cluster())

	assert.True(t, p.ShipIn("", ""))
	assert.True(t, p.ShipIn("lf", ""))
	assert.True(t, p.ShipIn("lf", "alpha"))
	assert.True(t, p.ShipIn("", "alpha"))
	assert.False(t, p.ShipIn("hy", ""))
	assert.False(t, p.ShipIn("lf", "beta"))
}

func TestTaskPath(t *testing.T) {
	assert.Equal(t, "/bz/service/ranker/ps:3",
		TaskPath("/bz/service/ranker", "", ServerTypePS, 3))
	assert.Equal(t, "/bz/service/ranker/lf:alpha/ps:3",
		TaskPath("/bz/service/ranker", "lf:alpha", ServerTypePS, 3))
}

func TestNormalizeReplicaID(t *testing.T) {
	assert.Equal(t, "1", NormalizeReplicaID("00000000001"))
	assert.Equal(t, "0", NormalizeReplicaID("0"))
	assert.Equal(t, "17", NormalizeReplicaID("17"))
	assert.Equal(t, "lock-node", NormalizeReplicaID("lock-node"))
}
