package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelfleet/agent-discovery/internal/config"
	"github.com/modelfleet/agent-discovery/internal/coordination"
	"github.com/modelfleet/agent-discovery/internal/events"
	"github.com/modelfleet/agent-discovery/internal/metrics"
	"github.com/modelfleet/agent-discovery/internal/models"
)

// StatusSource answers model-status queries against the local serving
// runtime: one row per loaded version of the named role.
type StatusSource interface {
	ModelStatus(ctx context.Context, name string) ([]models.VersionStatus, error)
}

// Updater registers this process's replica nodes, mirrors the local
// runtime's health into them every tick, and re-registers the
// ephemeral nodes after a session loss.
type Updater struct {
	store    coordination.Client
	conf     *config.Agent
	statuses StatusSource
	met      metrics.Metrics
	pub      events.Publisher

	mu sync.Mutex
	// meta is the local registration table: every path this process
	// registered mapped to the record it last wrote.
	meta map[string]models.ReplicaMeta

	shouldUpdate     atomic.Bool
	shouldReregister atomic.Bool

	updateInterval     time.Duration
	reregisterInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewUpdater(
	store coordination.Client,
	conf *config.Agent,
	statuses StatusSource,
	met metrics.Metrics,
	pub events.Publisher,
	updateInterval time.Duration,
	reregisterInterval time.Duration,
) *Updater {
	u := &Updater{
		store:              store,
		conf:               conf,
		statuses:           statuses,
		met:                met,
		pub:                pub,
		meta:               make(map[string]models.ReplicaMeta),
		updateInterval:     updateInterval,
		reregisterInterval: reregisterInterval,
		stopCh:             make(chan struct{}),
	}
	u.shouldUpdate.Store(true)
	return u
}

func (u *Updater) entryPath() string {
	id := u.conf.CurrentReplicaID()
	if id < 0 {
		// Sequence registration: the store appends the assigned id to
		// the bare "0" node name.
		return path.Join(u.conf.PathPrefix(), string(models.ServerTypeEntry)+":0", "0")
	}
	return path.Join(u.conf.PathPrefix(), string(models.ServerTypeEntry)+":0", fmt.Sprintf("%011d", id))
}

func (u *Updater) psPath(task int) string {
	return path.Join(
		u.conf.PathPrefix(),
		fmt.Sprintf("%s:%d", models.ServerTypePS, task),
		strconv.Itoa(u.conf.CurrentReplicaID()),
	)
}

func (u *Updater) densePath() string {
	return path.Join(
		u.conf.PathPrefix(),
		string(models.ServerTypeDense)+":0",
		strconv.Itoa(u.conf.CurrentReplicaID()),
	)
}

// Register creates or refreshes the replica nodes for every role this
// process hosts. Safe to call repeatedly: unchanged records are not
// rewritten.
func (u *Updater) Register(ctx context.Context) error {
	if u.conf.ServesEntry() {
		err := u.registerPath(ctx, u.entryPath(), u.conf.EntryPort, u.conf.EntryArchonPort)
		if err != nil {
			return err
		}
	}
	if u.conf.ServesPS() {
		for _, task := range u.conf.OwnedPSTasks() {
			err := u.registerPath(ctx, u.psPath(task), u.conf.PSPort, u.conf.PSArchonPort)
			if err != nil {
				return err
			}
		}
	}
	if u.conf.ServesDense() {
		err := u.registerPath(ctx, u.densePath(), u.conf.DensePort, u.conf.DenseArchonPort)
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) registerPath(ctx context.Context, replicaPath string, grpcPort, archonPort int) error {
	meta := u.localMeta(grpcPort, archonPort)
	u.mu.Lock()
	u.meta[replicaPath] = meta
	u.mu.Unlock()

	data, err := meta.Marshal()
	if err != nil {
		return err
	}

	exists, err := u.store.Exists(ctx, replicaPath)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", replicaPath, err)
	}
	if exists {
		current, _, err := u.store.Get(ctx, replicaPath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", replicaPath, err)
		}
		if !bytes.Equal(current, data) {
			err = u.store.Set(ctx, replicaPath, data)
			if err != nil {
				return fmt.Errorf("failed to refresh %s: %w", replicaPath, err)
			}
		}
		return nil
	}

	sequence := strings.Contains(replicaPath, "/"+string(models.ServerTypeEntry)+":") &&
		u.conf.CurrentReplicaID() < 0
	realPath, err := u.store.Create(ctx, replicaPath, data, true, sequence)
	if errors.Is(err, coordination.ErrNodeExists) {
		// Lost the creation race; the content still has to be ours.
		log.Info().Msgf("%s already exists", replicaPath)
		err = u.store.Set(ctx, replicaPath, data)
		if err != nil {
			return fmt.Errorf("failed to overwrite %s: %w", replicaPath, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", replicaPath, err)
	}

	if sequence {
		assigned, err := strconv.Atoi(path.Base(realPath))
		if err != nil {
			return fmt.Errorf("unparsable assigned replica node %s: %w", realPath, err)
		}
		u.conf.SetReplicaID(assigned)
		log.Info().Msgf("store assigned replica id %d at %s", assigned, realPath)
		u.mu.Lock()
		delete(u.meta, replicaPath)
		u.meta[realPath] = meta
		u.mu.Unlock()
	}
	u.met.Increment("updater.register")
	return nil
}

// localMeta builds this host's replica record with state unknown; the
// update loop fills the real state in.
func (u *Updater) localMeta(grpcPort, archonPort int) models.ReplicaMeta {
	host := u.conf.HostIP
	if host == "" {
		host = resolveHost(false)
	}
	hostV6 := u.conf.HostIPV6
	if hostV6 == "" {
		hostV6 = resolveHost(true)
	}
	hostV6 = "[" + hostV6 + "]"
	return models.ReplicaMeta{
		Address:         fmt.Sprintf("%s:%d", host, grpcPort),
		AddressIPV6:     fmt.Sprintf("%s:%d", hostV6, grpcPort),
		ArchonAddress:   fmt.Sprintf("%s:%d", host, archonPort),
		ArchonAddressV6: fmt.Sprintf("%s:%d", hostV6, archonPort),
		Stat:            models.StateUnknown,
	}
}

func resolveHost(ipv6 bool) string {
	wildcard := "0.0.0.0"
	if ipv6 {
		wildcard = "::"
	}
	hostname, err := os.Hostname()
	if err != nil {
		return wildcard
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return wildcard
	}
	for _, addr := range addrs {
		if ipv6 == (addr.To4() == nil) {
			return addr.String()
		}
	}
	return wildcard
}

// Start launches the health-mirror and reconnect loops.
func (u *Updater) Start() {
	u.wg.Add(2)
	go u.updateLoop()
	go u.reregisterLoop()
}

func (u *Updater) updateLoop() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
		}
		if !u.shouldUpdate.Load() {
			continue
		}
		ctx := context.Background()
		for _, name := range u.conf.ModelNames() {
			err := u.updateOne(ctx, name)
			if err != nil {
				log.Error().Err(err).Msgf("failed to mirror status of model %s", name)
			}
		}
	}
}

func (u *Updater) pathForModel(name string) string {
	switch {
	case strings.HasPrefix(name, string(models.ServerTypeEntry)):
		return path.Join(
			u.conf.PathPrefix(),
			string(models.ServerTypeEntry)+":0",
			fmt.Sprintf("%011d", u.conf.CurrentReplicaID()),
		)
	case strings.HasPrefix(name, string(models.ServerTypePS)):
		_, idx, _ := strings.Cut(name, "_")
		task, _ := strconv.Atoi(idx)
		return u.psPath(task)
	default:
		return u.densePath()
	}
}

// updateOne queries the runtime for one role and pushes the resolved
// state when it differs from the last written record.
func (u *Updater) updateOne(ctx context.Context, name string) error {
	replicaPath := u.pathForModel(name)

	statuses, err := u.statuses.ModelStatus(ctx, name)
	if err != nil {
		// Runtime unreachable: degrade the published record so routing
		// stops sending traffic here, retry next tick.
		return u.degrade(ctx, replicaPath, name)
	}
	if len(statuses) == 0 {
		return nil
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Version > statuses[j].Version
	})
	chosen := statuses[0]
	for _, status := range statuses {
		if status.State == models.StateAvailable {
			chosen = status
			break
		}
	}
	if chosen.ErrorCode != 0 {
		return fmt.Errorf("model %s version %d reported error %d: %s",
			name, chosen.Version, chosen.ErrorCode, chosen.ErrorMessage)
	}

	u.mu.Lock()
	meta, tracked := u.meta[replicaPath]
	u.mu.Unlock()
	if !tracked {
		return fmt.Errorf("no local registration for %s", replicaPath)
	}
	if meta.Stat == chosen.State {
		return nil
	}

	oldState := meta.Stat
	meta.Stat = chosen.State
	u.mu.Lock()
	u.meta[replicaPath] = meta
	u.mu.Unlock()

	err = u.push(ctx, replicaPath, meta)
	if err != nil {
		return err
	}
	u.met.Increment("updater.state_change")
	u.publishTransition(ctx, replicaPath, oldState, chosen.State)
	return nil
}

func (u *Updater) degrade(ctx context.Context, replicaPath, name string) error {
	u.mu.Lock()
	meta, tracked := u.meta[replicaPath]
	u.mu.Unlock()
	if !tracked || meta.Stat == models.StateUnknown {
		return nil
	}

	oldState := meta.Stat
	meta.Stat = models.StateUnknown
	u.mu.Lock()
	u.meta[replicaPath] = meta
	u.mu.Unlock()

	err := u.push(ctx, replicaPath, meta)
	if err != nil {
		return err
	}
	log.Warn().Msgf("model %s status query failed, degraded %s to unknown", name, replicaPath)
	u.publishTransition(ctx, replicaPath, oldState, models.StateUnknown)
	return nil
}

// push writes the record, re-creating the ephemeral node when the
// session dropped it in the meantime.
func (u *Updater) push(ctx context.Context, replicaPath string, meta models.ReplicaMeta) error {
	data, err := meta.Marshal()
	if err != nil {
		return err
	}
	err = u.store.Set(ctx, replicaPath, data)
	if errors.Is(err, coordination.ErrNoNode) {
		_, err = u.store.Create(ctx, replicaPath, data, true, false)
		if errors.Is(err, coordination.ErrNodeExists) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", replicaPath, err)
	}
	return nil
}

func (u *Updater) publishTransition(ctx context.Context, replicaPath string, from, to models.State) {
	zp := models.NewPath(replicaPath)
	err := u.pub.Publish(ctx, events.Transition{
		Path:       replicaPath,
		ServerType: zp.ServerType().String(),
		Task:       zp.Task(),
		ReplicaID:  u.conf.CurrentReplicaID(),
		OldState:   from.String(),
		NewState:   to.String(),
		TsMs:       time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Msgf("failed to publish transition of %s", replicaPath)
	}
}

func (u *Updater) reregisterLoop() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.reregisterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
		}
		if !u.shouldReregister.Load() {
			continue
		}
		err := u.Register(context.Background())
		if err != nil {
			// Stay armed, retry next tick.
			log.Error().Err(err).Msg("re-registration after session loss failed")
			continue
		}
		log.Info().Msg("re-registered after session loss")
		u.shouldReregister.Store(false)
		u.shouldUpdate.Store(true)
	}
}

// PauseUpdates makes the health-mirror loop skip its body until the
// reconnect path re-enables it.
func (u *Updater) PauseUpdates() {
	u.shouldUpdate.Store(false)
}

// ArmReregister asks the reconnect loop to run Register once.
func (u *Updater) ArmReregister() {
	u.shouldReregister.Store(true)
}

// Stop terminates both loops and clears the registration table.
func (u *Updater) Stop() {
	select {
	case <-u.stopCh:
	default:
		close(u.stopCh)
	}
	u.wg.Wait()

	u.mu.Lock()
	u.meta = make(map[string]models.ReplicaMeta)
	u.mu.Unlock()
}
