package discovery

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/modelfleet/agent-discovery/internal/config"
	"github.com/modelfleet/agent-discovery/internal/coordination/memstore"
	"github.com/modelfleet/agent-discovery/internal/models"
)

// psConf hosts PS tasks 1 and 3 of a 4-task deployment split over two
// shards.
func psConf() *config.Agent {
	return &config.Agent{
		BZID:         "bz",
		BaseName:     "ranker",
		DeployType:   config.DeployPS,
		NumPS:        4,
		NumShards:    2,
		ShardID:      1,
		ReplicaID:    0,
		PSPort:       9000,
		PSArchonPort: 9001,
		HostIP:       "10.0.0.1",
		HostIPV6:     "fd00::1",
		WatchFamily:  models.IPV4,
	}
}

type fakeStatus struct {
	mu       sync.Mutex
	statuses map[string][]models.VersionStatus
	failures map[string]error
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{
		statuses: make(map[string][]models.VersionStatus),
		failures: make(map[string]error),
	}
}

func (f *fakeStatus) set(name string, statuses ...models.VersionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = statuses
	delete(f.failures, name)
}

func (f *fakeStatus) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = err
}

func (f *fakeStatus) ModelStatus(ctx context.Context, name string) ([]models.VersionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, failed := f.failures[name]; failed {
		return nil, err
	}
	return f.statuses[name], nil
}

// countingStore counts mutations passing through to the memstore.
type countingStore struct {
	*memstore.Client
	creates atomic.Int64
	sets    atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{Client: memstore.New()}
}

func (s *countingStore) Create(ctx context.Context, path string, data []byte, ephemeral, sequence bool) (string, error) {
	s.creates.Add(1)
	return s.Client.Create(ctx, path, data, ephemeral, sequence)
}

func (s *countingStore) Set(ctx context.Context, path string, data []byte) error {
	s.sets.Add(1)
	return s.Client.Set(ctx, path, data)
}

func available(version int64) models.VersionStatus {
	return models.VersionStatus{Version: version, State: models.StateAvailable}
}

func unavailable(version int64) models.VersionStatus {
	return models.VersionStatus{Version: version, State: models.StateUnavailable}
}

func mustMarshal(meta models.ReplicaMeta) []byte {
	data, err := meta.Marshal()
	if err != nil {
		panic(err)
	}
	return data
}
