package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/modelfleet/agent-discovery/internal/config"
	"github.com/modelfleet/agent-discovery/internal/coordination"
	"github.com/modelfleet/agent-discovery/internal/coordination/etcdstore"
	"github.com/modelfleet/agent-discovery/internal/coordination/memstore"
	"github.com/modelfleet/agent-discovery/internal/coordination/zookeeper"
	"github.com/modelfleet/agent-discovery/internal/discovery"
	"github.com/modelfleet/agent-discovery/internal/events"
	"github.com/modelfleet/agent-discovery/internal/metrics"
	"github.com/modelfleet/agent-discovery/internal/modelstatus"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	// CoordBackend selects the coordination store: zk, etcd or mem
	// (mem is single-process, for local development only).
	CoordBackend     string        `envconfig:"COORD_BACKEND,default=zk"`
	ZKServers        []string      `envconfig:"ZK_SERVERS,optional"`
	ZKSessionTimeout time.Duration `envconfig:"ZK_SESSION_TIMEOUT,default=10s"`
	EtcdEndpoints    []string      `envconfig:"ETCD_ENDPOINTS,optional"`
	EtcdSessionTTL   int           `envconfig:"ETCD_SESSION_TTL,default=10"`

	StatusBaseURL string        `envconfig:"MODEL_STATUS_BASE_URL"`
	StatusTimeout time.Duration `envconfig:"MODEL_STATUS_TIMEOUT,default=2s"`

	StatsdAddr   string `envconfig:"STATSD_ADDR,optional"`
	StatsdPrefix string `envconfig:"STATSD_PREFIX,default=apps.serving."`

	KafkaAddr  string `envconfig:"KAFKA_ADDR,optional"`
	KafkaTopic string `envconfig:"KAFKA_REPLICA_EVENTS_TOPIC,optional"`

	ProbeAddr string `envconfig:"PROBE_ADDR,default=0.0.0.0:8080"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	agentCfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read agent config")
	}
	log.Warn().Msgf("running agent for %s shard %d replica %d",
		agentCfg.BaseName, agentCfg.ShardID, agentCfg.CurrentReplicaID())

	store, storeClose, err := newStore(ctx, appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to coordination store")
	}
	defer storeClose()

	var met metrics.Metrics = metrics.Nop{}
	if appCfg.StatsdAddr != "" {
		met = metrics.NewStatsd(os.Getenv("HOSTNAME"), appCfg.StatsdPrefix, appCfg.StatsdAddr)
	}

	var pub events.Publisher = events.Nop{}
	if appCfg.KafkaAddr != "" {
		kafkaPub := events.NewKafkaPublisher(appCfg.KafkaAddr, appCfg.KafkaTopic)
		defer kafkaPub.Close()
		pub = kafkaPub
	}

	statuses := modelstatus.NewClient(appCfg.StatusBaseURL, appCfg.StatusTimeout)

	manager := discovery.NewManager(store, agentCfg, statuses, met, pub, discovery.Intervals{})
	err = manager.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start replica manager")
	}
	defer manager.Stop()

	serverClose := startProbeServer(appCfg.ProbeAddr, manager, agentCfg)
	defer serverClose()

	<-ctx.Done()
	log.Info().Msg("shutting down")
}

func newStore(ctx context.Context, cfg Config) (coordination.Client, func(), error) {
	switch cfg.CoordBackend {
	case "zk":
		clnt, err := zookeeper.Connect(cfg.ZKServers, cfg.ZKSessionTimeout)
		if err != nil {
			return nil, nil, err
		}
		return clnt, clnt.Close, nil
	case "etcd":
		clnt, err := etcdstore.Connect(ctx, cfg.EtcdEndpoints, cfg.EtcdSessionTTL)
		if err != nil {
			return nil, nil, err
		}
		return clnt, func() { _ = clnt.Close(context.Background()) }, nil
	case "mem":
		return memstore.New(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown coordination backend %q", cfg.CoordBackend)
}

func startProbeServer(addr string, manager *discovery.Manager, agentCfg *config.Agent) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		ready := manager.IsPSSetStarted()
		if agentCfg.DenseAlone {
			ready = ready && manager.IsDenseSetStarted()
		}
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    addr,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start probe server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
