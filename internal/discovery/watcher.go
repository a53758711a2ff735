package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelfleet/agent-discovery/internal/config"
	"github.com/modelfleet/agent-discovery/internal/coordination"
	"github.com/modelfleet/agent-discovery/internal/metrics"
	"github.com/modelfleet/agent-discovery/internal/models"
)

const pollErrLogInterval = 10 * time.Minute

// Watcher maintains the cluster-wide replica membership cache by
// recursively watching the coordination tree under the service prefix,
// and answers the address-resolution queries over it. A periodic
// reconciliation sweep re-lists the whole tree and is the source of
// truth of record: it wholesale replaces whatever the incremental
// watch callbacks have built up.
type Watcher struct {
	store coordination.Client
	conf  *config.Agent
	met   metrics.Metrics

	useArchon bool
	family    models.AddressFamily

	// pathPrefix is the service root without the locality segment;
	// localities are discovered through the root children watch.
	pathPrefix string

	mu sync.Mutex
	// replicas maps task path -> replica id -> last known meta.
	replicas map[string]map[string]models.ReplicaMeta

	shouldPoll   atomic.Bool
	pollInterval time.Duration
	lastPollErr  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWatcher(
	store coordination.Client,
	conf *config.Agent,
	met metrics.Metrics,
	pollInterval time.Duration,
) *Watcher {
	w := &Watcher{
		store:        store,
		conf:         conf,
		met:          met,
		useArchon:    conf.UseArchon,
		family:       conf.WatchFamily,
		pathPrefix:   conf.ServicePrefix(),
		replicas:     make(map[string]map[string]models.ReplicaMeta),
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
	w.shouldPoll.Store(true)
	return w
}

// WatchData installs the root children watch and starts the
// reconciliation loop. In dc-aware deployments the tree has an extra
// locality level between the root and the task nodes.
func (w *Watcher) WatchData() error {
	var err error
	if w.conf.DCAware {
		err = w.store.WatchChildren(w.pathPrefix, newChildTracker(w.pathPrefix, w.watchTasks).observe)
	} else {
		err = w.store.WatchChildren(w.pathPrefix, newChildTracker(w.pathPrefix, w.watchReplicas).observe)
	}
	if err != nil {
		return fmt.Errorf("failed to install root children watch on %s: %w", w.pathPrefix, err)
	}

	w.wg.Add(1)
	go w.poll()
	return nil
}

func (w *Watcher) watchTasks(localityPath string) {
	err := w.store.WatchChildren(localityPath, newChildTracker(localityPath, w.watchReplicas).observe)
	if err != nil {
		log.Error().Err(err).Msgf("failed to install task children watch on %s", localityPath)
	}
}

func (w *Watcher) watchReplicas(taskPath string) {
	err := w.store.WatchChildren(taskPath, newChildTracker(taskPath, w.watchReplicaData).observe)
	if err != nil {
		log.Error().Err(err).Msgf("failed to install replica children watch on %s", taskPath)
	}
}

func (w *Watcher) watchReplicaData(replicaPath string) {
	err := w.store.WatchData(replicaPath, func(data []byte, stat coordination.Stat, event *coordination.Event) {
		w.handleData(replicaPath, data, event)
	})
	if err != nil {
		log.Error().Err(err).Msgf("failed to install data watch on %s", replicaPath)
	}
}

// handleData applies one data-watch delivery to the cache. The first
// delivery of a fresh watch carries a nil event.
func (w *Watcher) handleData(replicaPath string, data []byte, event *coordination.Event) {
	taskPath := path.Dir(replicaPath)
	rnode := models.NormalizeReplicaID(path.Base(replicaPath))

	w.mu.Lock()
	defer w.mu.Unlock()

	if event != nil && event.Type == coordination.EventDeleted {
		delete(w.replicas[taskPath], rnode)
		if len(w.replicas[taskPath]) == 0 {
			delete(w.replicas, taskPath)
		}
		return
	}

	if len(data) == 0 {
		// Payload cleared without deleting the node: a liveness
		// placeholder. Keep the entry, degrade it to unknown.
		if meta, exists := w.replicas[taskPath][rnode]; exists {
			meta.Stat = models.StateUnknown
			w.replicas[taskPath][rnode] = meta
		}
		return
	}

	meta, err := models.UnmarshalReplicaMeta(data)
	if err != nil {
		log.Error().Err(err).Msgf("dropping undecodable payload at %s", replicaPath)
		return
	}

	switch {
	case event == nil,
		event.Type == coordination.EventCreated,
		event.Type == coordination.EventChanged:
	case event.Type == coordination.EventNone:
		meta.Stat = models.StateUnknown
	default:
		return
	}
	if _, exists := w.replicas[taskPath]; !exists {
		w.replicas[taskPath] = make(map[string]models.ReplicaMeta)
	}
	w.replicas[taskPath][rnode] = meta
}

func (w *Watcher) poll() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
		if !w.shouldPoll.Load() {
			continue
		}
		err := w.Reconcile(context.Background())
		if err != nil {
			// The sweep repeats every interval; a persistent failure
			// would flood the log at full volume.
			if time.Since(w.lastPollErr) >= pollErrLogInterval {
				w.lastPollErr = time.Now()
				log.Error().Err(err).Msg("replica tree reconciliation failed")
			} else {
				log.Debug().Err(err).Msg("replica tree reconciliation failed")
			}
		}
	}
}

// Reconcile re-lists the whole tree with direct reads, swaps the fresh
// snapshot in for the cache, and re-creates this process's own
// scheduled replica nodes if they disappeared from the tree. The usual
// cause is an ephemeral node lost to a session blip before the
// updater's reconnect path noticed.
func (w *Watcher) Reconcile(ctx context.Context) error {
	start := time.Now()

	taskPaths, err := w.listTaskPaths(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]map[string]models.ReplicaMeta, len(taskPaths))
	for _, taskPath := range taskPaths {
		nodes, err := w.store.Children(ctx, taskPath)
		if err != nil {
			return fmt.Errorf("failed to list replicas of %s: %w", taskPath, err)
		}
		fresh[taskPath] = make(map[string]models.ReplicaMeta, len(nodes))
		for _, node := range nodes {
			replicaPath := path.Join(taskPath, node)
			data, _, err := w.store.Get(ctx, replicaPath)
			if errors.Is(err, coordination.ErrNoNode) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", replicaPath, err)
			}
			rnode := models.NormalizeReplicaID(node)
			if len(data) == 0 {
				// Placeholder node: carry the previous record forward
				// as unknown instead of dropping it.
				w.mu.Lock()
				meta, exists := w.replicas[taskPath][rnode]
				w.mu.Unlock()
				if exists {
					meta.Stat = models.StateUnknown
					fresh[taskPath][rnode] = meta
				}
				continue
			}
			meta, err := models.UnmarshalReplicaMeta(data)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", replicaPath, err)
			}
			fresh[taskPath][rnode] = meta
		}
	}

	total := 0
	for _, replicas := range fresh {
		total += len(replicas)
	}
	w.met.Gauge("watcher.replicas", total)

	needRegister := w.swapSnapshot(fresh)

	// Store calls happen with the cache lock released.
	for replicaPath, meta := range needRegister {
		data, err := meta.Marshal()
		if err != nil {
			return err
		}
		_, err = w.store.Create(ctx, replicaPath, data, true, false)
		if errors.Is(err, coordination.ErrNodeExists) {
			log.Info().Msgf("%s already exists", replicaPath)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to re-register %s: %w", replicaPath, err)
		}
		log.Warn().Msgf("re-registered %s lost to a session blip", replicaPath)
		w.met.Increment("watcher.self_heal")
	}

	w.met.Duration("watcher.reconcile", time.Since(start))
	return nil
}

func (w *Watcher) listTaskPaths(ctx context.Context) ([]string, error) {
	var taskPaths []string
	if w.conf.DCAware {
		localities, err := w.store.Children(ctx, w.pathPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to list localities under %s: %w", w.pathPrefix, err)
		}
		for _, locality := range localities {
			localityPath := path.Join(w.pathPrefix, locality)
			tasks, err := w.store.Children(ctx, localityPath)
			if err != nil {
				return nil, fmt.Errorf("failed to list tasks under %s: %w", localityPath, err)
			}
			for _, task := range tasks {
				taskPaths = append(taskPaths, path.Join(localityPath, task))
			}
		}
		return taskPaths, nil
	}
	tasks, err := w.store.Children(ctx, w.pathPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks under %s: %w", w.pathPrefix, err)
	}
	for _, task := range tasks {
		taskPaths = append(taskPaths, path.Join(w.pathPrefix, task))
	}
	return taskPaths, nil
}

// swapSnapshot replaces the cache with the fresh snapshot and returns
// this process's own scheduled entries that the snapshot lost,
// rewritten to the currently configured ports.
func (w *Watcher) swapSnapshot(fresh map[string]map[string]models.ReplicaMeta) map[string]models.ReplicaMeta {
	var (
		serverType models.ServerType
		grpcPort   int
		archonPort int
	)
	switch {
	case w.conf.ServesPS():
		serverType, grpcPort, archonPort = models.ServerTypePS, w.conf.PSPort, w.conf.PSArchonPort
	case w.conf.DeployType == config.DeployDense:
		serverType, grpcPort, archonPort = models.ServerTypeDense, w.conf.DensePort, w.conf.DenseArchonPort
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	oldPaths := make(map[string]models.ReplicaMeta)
	for taskPath, replicas := range w.replicas {
		for rnode, meta := range replicas {
			oldPaths[path.Join(taskPath, rnode)] = meta
		}
	}
	newPaths := make(map[string]struct{})
	for taskPath, replicas := range fresh {
		for rnode := range replicas {
			newPaths[path.Join(taskPath, rnode)] = struct{}{}
		}
	}

	needRegister := make(map[string]models.ReplicaMeta)
	if serverType != "" {
		replicaID := w.conf.CurrentReplicaID()
		for _, task := range w.conf.ScheduledTasks(serverType) {
			// Exact tail match: replica 1 must not claim a foreign
			// replica 12's slot.
			needle := fmt.Sprintf("/%s:%d/%d", serverType, task, replicaID)
			for p, meta := range oldPaths {
				if _, alive := newPaths[p]; alive {
					continue
				}
				if !strings.HasSuffix(p, needle) {
					continue
				}
				meta.Address = replacePort(meta.Address, grpcPort)
				meta.AddressIPV6 = replacePort(meta.AddressIPV6, grpcPort)
				meta.ArchonAddress = replacePort(meta.ArchonAddress, archonPort)
				meta.ArchonAddressV6 = replacePort(meta.ArchonAddressV6, archonPort)
				needRegister[p] = meta
			}
		}
	}

	w.replicas = fresh
	return needRegister
}

func replacePort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// PausePoll makes the reconciliation loop skip its body; the loop
// keeps running so ResumePoll is cheap.
func (w *Watcher) PausePoll() {
	w.shouldPoll.Store(false)
}

func (w *Watcher) ResumePoll() {
	w.shouldPoll.Store(true)
}

// Stop terminates the reconciliation loop and clears the cache.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()

	w.mu.Lock()
	w.replicas = make(map[string]map[string]models.ReplicaMeta)
	w.mu.Unlock()
}

// GetAllReplicas resolves every AVAILABLE replica of the server type,
// grouped by task key (locality-prefixed in dc-aware deployments).
// Empty idc/cluster filters are wildcards.
func (w *Watcher) GetAllReplicas(st models.ServerType, idc, cluster string) map[string][]string {
	result := make(map[string][]string)

	w.mu.Lock()
	for taskPath, replicas := range w.replicas {
		zp := models.NewPath(taskPath)
		if zp.ServerType() != st {
			continue
		}
		if w.conf.DCAware && !zp.ShipIn(idc, cluster) {
			continue
		}
		key := zp.TaskKey()
		addrs := result[key]
		for _, meta := range replicas {
			if meta.Stat == models.StateAvailable {
				addrs = append(addrs, meta.Addr(w.useArchon, w.family))
			}
		}
		result[key] = addrs
	}
	w.mu.Unlock()

	if len(result) == 0 && (st == models.ServerTypePS || (st == models.ServerTypeDense && w.conf.DenseAlone)) {
		log.Error().Msgf("empty %s replica set under %s", st, w.pathPrefix)
	}
	return result
}

// GetReplicas resolves the AVAILABLE replicas of one task.
func (w *Watcher) GetReplicas(st models.ServerType, task int, idc, cluster string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var addrs []string
	for taskPath, replicas := range w.replicas {
		zp := models.NewPath(taskPath)
		if zp.ServerType() != st || zp.Task() != task {
			continue
		}
		if w.conf.DCAware && !zp.ShipIn(idc, cluster) {
			continue
		}
		for _, meta := range replicas {
			if meta.Stat == models.StateAvailable {
				addrs = append(addrs, meta.Addr(w.useArchon, w.family))
			}
		}
	}
	return addrs
}

// GetReplica resolves one (task, replica) slot. Nil when the replica
// is absent or not AVAILABLE; a single entry normally; more than one
// only if the path invariants were somehow violated.
func (w *Watcher) GetReplica(st models.ServerType, task, replica int, idc, cluster string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var addrs []string
	for taskPath, replicas := range w.replicas {
		zp := models.NewPath(taskPath)
		if zp.ServerType() != st || zp.Task() != task {
			continue
		}
		if w.conf.DCAware && !zp.ShipIn(idc, cluster) {
			continue
		}
		for rnode, meta := range replicas {
			id, err := strconv.Atoi(rnode)
			if err != nil || id != replica {
				continue
			}
			if meta.Stat == models.StateAvailable {
				addrs = append(addrs, meta.Addr(w.useArchon, w.family))
			}
		}
	}
	return addrs
}

// GetReplicasExtra resolves one task's AVAILABLE replicas together
// with the locality and replica id each address came from.
func (w *Watcher) GetReplicasExtra(st models.ServerType, task int, idc, cluster string) map[string]models.ExtraInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := make(map[string]models.ExtraInfo)
	for taskPath, replicas := range w.replicas {
		zp := models.NewPath(taskPath)
		if zp.ServerType() != st || zp.Task() != task {
			continue
		}
		if w.conf.DCAware && !zp.ShipIn(idc, cluster) {
			continue
		}
		for rnode, meta := range replicas {
			if meta.Stat != models.StateAvailable {
				continue
			}
			id, err := strconv.Atoi(rnode)
			if err != nil {
				continue
			}
			result[meta.Addr(w.useArchon, w.family)] = models.ExtraInfo{
				IDC:       zp.IDC(),
				Cluster:   zp.Cluster(),
				ReplicaID: id,
			}
		}
	}
	return result
}
