package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/agent-discovery/internal/config"
	"github.com/modelfleet/agent-discovery/internal/coordination"
	"github.com/modelfleet/agent-discovery/internal/coordination/memstore"
	"github.com/modelfleet/agent-discovery/internal/events"
	"github.com/modelfleet/agent-discovery/internal/metrics"
	"github.com/modelfleet/agent-discovery/internal/models"
)

// singleShardConf owns every PS task, so one process can bring the
// whole PS set up in a test.
func singleShardConf() *config.Agent {
	conf := psConf()
	conf.NumPS = 2
	conf.NumShards = 1
	conf.ShardID = 0
	return conf
}

func TestIntervalsWithDefaults(t *testing.T) {
	full := Intervals{
		Poll:        time.Minute,
		Update:      time.Second,
		Reregister:  10 * time.Second,
		ResumeDelay: 5 * time.Second,
	}
	assert.Equal(t, full, Intervals{}.withDefaults())

	partial := Intervals{Update: 20 * time.Millisecond}.withDefaults()
	assert.Equal(t, 20*time.Millisecond, partial.Update)
	assert.Equal(t, time.Minute, partial.Poll)
}

func TestManagerEndToEnd(t *testing.T) {
	store := memstore.New()
	conf := singleShardConf()
	statuses := newFakeStatus()
	m := NewManager(store, conf, statuses, metrics.Nop{}, events.Nop{}, Intervals{
		Poll:        neverTick,
		Update:      2 * time.Millisecond,
		Reregister:  neverTick,
		ResumeDelay: time.Millisecond,
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// Registration precedes the watches, so the local replicas are in
	// the cache immediately, still unknown.
	assert.False(t, m.IsPSSetStarted())
	assert.Empty(t, m.GetReplicas(models.ServerTypePS, 0, "", ""))

	statuses.set("ps_0", available(1))
	statuses.set("ps_1", available(1))

	require.Eventually(t, m.IsPSSetStarted, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"10.0.0.1:9000"}, m.GetReplicas(models.ServerTypePS, 0, "", ""))
	assert.Equal(t, []string{"10.0.0.1:9000"}, m.GetReplica(models.ServerTypePS, 1, 0, "", ""))

	all := m.GetAllReplicas(models.ServerTypePS, "", "")
	require.Len(t, all, 2)
	assert.Contains(t, all, "ps:0")
	assert.Contains(t, all, "ps:1")

	extra := m.GetReplicasExtra(models.ServerTypePS, 0, "", "")
	require.Len(t, extra, 1)
	assert.Equal(t, 0, extra["10.0.0.1:9000"].ReplicaID)

	// The runtime going dark takes the replicas out of rotation.
	statuses.fail("ps_0", context.DeadlineExceeded)
	assert.Eventually(t, func() bool {
		return !m.IsPSSetStarted()
	}, time.Second, 2*time.Millisecond)
}

func TestManagerDenseSet(t *testing.T) {
	store := memstore.New()
	conf := singleShardConf()
	conf.DeployType = config.DeployDense
	conf.DenseAlone = true
	conf.NumPS = 0
	conf.DensePort = 9100
	conf.DenseArchonPort = 9101
	statuses := newFakeStatus()
	m := NewManager(store, conf, statuses, metrics.Nop{}, events.Nop{}, Intervals{
		Poll:        neverTick,
		Update:      2 * time.Millisecond,
		Reregister:  neverTick,
		ResumeDelay: time.Millisecond,
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.False(t, m.IsDenseSetStarted())
	statuses.set("dense_0", available(1))
	require.Eventually(t, m.IsDenseSetStarted, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"10.0.0.1:9100"}, m.GetReplicas(models.ServerTypeDense, 0, "", ""))
}

func TestManagerSessionLossEndToEnd(t *testing.T) {
	store := memstore.New()
	conf := singleShardConf()
	statuses := newFakeStatus()
	statuses.set("ps_0", available(1))
	statuses.set("ps_1", available(1))
	m := NewManager(store, conf, statuses, metrics.Nop{}, events.Nop{}, Intervals{
		Poll:        neverTick,
		Update:      2 * time.Millisecond,
		Reregister:  2 * time.Millisecond,
		ResumeDelay: time.Millisecond,
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.Eventually(t, m.IsPSSetStarted, time.Second, 2*time.Millisecond)

	store.ExpireSession()
	assert.False(t, m.IsPSSetStarted(), "expiry deletes the ephemeral nodes")

	store.FireState(coordination.StateConnected)
	require.Eventually(t, m.IsPSSetStarted, time.Second, 2*time.Millisecond)
}
