package config

import (
	"fmt"
	"path"
	"sync"
	"sync/atomic"

	"github.com/vrischmann/envconfig"

	"github.com/modelfleet/agent-discovery/internal/models"
)

type DeployType string

const (
	DeployMixed DeployType = "mixed"
	DeployEntry DeployType = "entry"
	DeployPS    DeployType = "ps"
	DeployDense DeployType = "dense"
)

// Agent describes one serving process: which roles it hosts, where it
// registers them and on which ports they answer.
type Agent struct {
	BZID     string `envconfig:"AGENT_BZID"`
	BaseName string `envconfig:"AGENT_BASE_NAME"`

	DeployType DeployType `envconfig:"AGENT_DEPLOY_TYPE,default=mixed"`
	NumPS      int        `envconfig:"AGENT_NUM_PS,default=0"`
	NumShards  int        `envconfig:"AGENT_NUM_SHARDS,default=1"`
	ShardID    int        `envconfig:"AGENT_SHARD_ID,default=0"`
	// ReplicaID -1 asks the coordination store to assign one at entry
	// registration; the assigned id is written back here.
	ReplicaID  int  `envconfig:"AGENT_REPLICA_ID,default=-1"`
	DenseAlone bool `envconfig:"AGENT_DENSE_ALONE,default=false"`

	DCAware bool   `envconfig:"AGENT_DC_AWARE,default=false"`
	IDC     string `envconfig:"AGENT_IDC,optional"`
	Cluster string `envconfig:"AGENT_CLUSTER,optional"`

	UseArchon   bool                 `envconfig:"AGENT_USE_ARCHON,default=false"`
	WatchFamily models.AddressFamily `envconfig:"AGENT_WATCH_ADDRESS_FAMILY,default=ipv4"`

	EntryPort       int `envconfig:"AGENT_ENTRY_PORT,default=0"`
	EntryArchonPort int `envconfig:"AGENT_ENTRY_ARCHON_PORT,default=0"`
	PSPort          int `envconfig:"AGENT_PS_PORT,default=0"`
	PSArchonPort    int `envconfig:"AGENT_PS_ARCHON_PORT,default=0"`
	DensePort       int `envconfig:"AGENT_DENSE_PORT,default=0"`
	DenseArchonPort int `envconfig:"AGENT_DENSE_ARCHON_PORT,default=0"`

	// HostIP/HostIPV6 override local address resolution when set.
	HostIP   string `envconfig:"MY_HOST_IP,optional"`
	HostIPV6 string `envconfig:"MY_HOST_IPV6,optional"`

	rid     atomic.Int64
	ridInit sync.Once
}

// Load reads the agent configuration from the environment.
func Load() (*Agent, error) {
	conf := &Agent{}
	err := envconfig.InitWithOptions(conf, envconfig.Options{AllowUnexported: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}
	return conf, nil
}

// ServicePrefix is the root of the service tree without the locality
// segment; the watcher discovers localities under it.
func (a *Agent) ServicePrefix() string {
	return path.Join("/", a.BZID, "service", a.BaseName)
}

// PathPrefix is the root of this deployment's subtree in the
// coordination store, locality segment included when dc-aware.
func (a *Agent) PathPrefix() string {
	if a.DCAware {
		return path.Join(a.ServicePrefix(), a.Location())
	}
	return a.ServicePrefix()
}

// CurrentReplicaID returns the effective replica id. It starts as the
// configured ReplicaID and changes at most once, when registration
// with an unset id (-1) reads the store-assigned sequence back.
// The updater writes it while the watcher's poll loop reads it.
func (a *Agent) CurrentReplicaID() int {
	a.ridInit.Do(func() { a.rid.Store(int64(a.ReplicaID)) })
	return int(a.rid.Load())
}

func (a *Agent) SetReplicaID(id int) {
	a.ridInit.Do(func() {})
	a.rid.Store(int64(id))
}

func (a *Agent) Location() string {
	if !a.DCAware {
		return ""
	}
	return a.IDC + ":" + a.Cluster
}

func (a *Agent) ServesEntry() bool {
	return a.DeployType == DeployMixed || a.DeployType == DeployEntry
}

func (a *Agent) ServesPS() bool {
	return a.DeployType == DeployMixed || a.DeployType == DeployPS
}

func (a *Agent) ServesDense() bool {
	return a.DenseAlone && (a.DeployType == DeployMixed || a.DeployType == DeployDense)
}

// OwnedPSTasks lists the PS task indices this shard is responsible
// for: every task whose index falls on this shard modulo the shard
// count.
func (a *Agent) OwnedPSTasks() []int {
	var tasks []int
	for taskID := 0; taskID < a.NumPS; taskID++ {
		if taskID%a.NumShards == a.ShardID {
			tasks = append(tasks, taskID)
		}
	}
	return tasks
}

// ScheduledTasks lists the task indices this process is scheduled to
// serve for the given server type.
func (a *Agent) ScheduledTasks(st models.ServerType) []int {
	switch st {
	case models.ServerTypePS:
		if a.ServesPS() {
			return a.OwnedPSTasks()
		}
	case models.ServerTypeEntry:
		if a.ServesEntry() {
			return []int{0}
		}
	case models.ServerTypeDense:
		if a.ServesDense() {
			return []int{0}
		}
	}
	return nil
}

// ModelNames lists the serving runtime role names hosted by this
// process, in the form the runtime's status endpoint expects.
func (a *Agent) ModelNames() []string {
	var names []string
	if a.ServesPS() {
		for _, taskID := range a.OwnedPSTasks() {
			names = append(names, fmt.Sprintf("%s_%d", models.ServerTypePS, taskID))
		}
	}
	if a.ServesEntry() {
		names = append(names, models.ServerTypeEntry.String())
	}
	if a.ServesDense() {
		names = append(names, fmt.Sprintf("%s_0", models.ServerTypeDense))
	}
	return names
}
