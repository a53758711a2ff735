package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelfleet/agent-discovery/internal/config"
	"github.com/modelfleet/agent-discovery/internal/coordination"
	"github.com/modelfleet/agent-discovery/internal/events"
	"github.com/modelfleet/agent-discovery/internal/metrics"
	"github.com/modelfleet/agent-discovery/internal/models"
)

const (
	defaultPollInterval       = 60 * time.Second
	defaultUpdateInterval     = time.Second
	defaultReregisterInterval = 10 * time.Second
	defaultResumeDelay        = 5 * time.Second
)

// Intervals tunes the background loops; zero fields take the
// production defaults.
type Intervals struct {
	Poll        time.Duration
	Update      time.Duration
	Reregister  time.Duration
	ResumeDelay time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Poll == 0 {
		i.Poll = defaultPollInterval
	}
	if i.Update == 0 {
		i.Update = defaultUpdateInterval
	}
	if i.Reregister == 0 {
		i.Reregister = defaultReregisterInterval
	}
	if i.ResumeDelay == 0 {
		i.ResumeDelay = defaultResumeDelay
	}
	return i
}

// Manager is the composition root of the discovery subsystem: one
// watcher plus one updater per process, wired to the store's
// connection-state stream, exposing the query API.
type Manager struct {
	watcher *Watcher
	updater *Updater
	conf    *config.Agent
}

func NewManager(
	store coordination.Client,
	conf *config.Agent,
	statuses StatusSource,
	met metrics.Metrics,
	pub events.Publisher,
	intervals Intervals,
) *Manager {
	intervals = intervals.withDefaults()
	m := &Manager{
		watcher: NewWatcher(store, conf, met, intervals.Poll),
		updater: NewUpdater(store, conf, statuses, met, pub, intervals.Update, intervals.Reregister),
		conf:    conf,
	}
	listener := NewConnListener(m.watcher, m.updater, intervals.ResumeDelay)
	store.AddStateListener(listener.OnState)
	return m
}

func (m *Manager) Watcher() *Watcher {
	return m.watcher
}

func (m *Manager) Updater() *Updater {
	return m.updater
}

// Start registers this process first so its own subtree exists before
// the watches attach, then installs the watches and launches the
// background loops.
func (m *Manager) Start(ctx context.Context) error {
	err := m.updater.Register(ctx)
	if err != nil {
		return fmt.Errorf("initial registration failed: %w", err)
	}
	err = m.watcher.WatchData()
	if err != nil {
		return err
	}
	m.updater.Start()
	return nil
}

func (m *Manager) Stop() {
	m.updater.Stop()
	m.watcher.Stop()
}

func (m *Manager) GetAllReplicas(st models.ServerType, idc, cluster string) map[string][]string {
	return m.watcher.GetAllReplicas(st, idc, cluster)
}

func (m *Manager) GetReplicas(st models.ServerType, task int, idc, cluster string) []string {
	return m.watcher.GetReplicas(st, task, idc, cluster)
}

func (m *Manager) GetReplica(st models.ServerType, task, replica int, idc, cluster string) []string {
	return m.watcher.GetReplica(st, task, replica, idc, cluster)
}

func (m *Manager) GetReplicasExtra(st models.ServerType, task int, idc, cluster string) map[string]models.ExtraInfo {
	return m.watcher.GetReplicasExtra(st, task, idc, cluster)
}

// IsPSSetStarted reports whether every PS task of the deployment has
// at least one AVAILABLE replica.
func (m *Manager) IsPSSetStarted() bool {
	for task := 0; task < m.conf.NumPS; task++ {
		replicas := m.watcher.GetReplicas(models.ServerTypePS, task, m.conf.IDC, m.conf.Cluster)
		if len(replicas) == 0 {
			return false
		}
	}
	log.Info().Msgf("ps set is up: %v", m.watcher.GetAllReplicas(models.ServerTypePS, "", ""))
	return true
}

// IsDenseSetStarted reports whether dense task 0 has at least one
// AVAILABLE replica.
func (m *Manager) IsDenseSetStarted() bool {
	replicas := m.watcher.GetReplicas(models.ServerTypeDense, 0, "", "")
	if len(replicas) == 0 {
		return false
	}
	log.Info().Msgf("dense set is up: %v", replicas)
	return true
}
