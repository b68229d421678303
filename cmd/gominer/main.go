// Package main implements gominer, a Stratum client that drives GPU compute
// workers over ZeroMQ and submits the shares they find.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gominer/internal/api"
	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/device"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/report"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/submit"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(config.Path(*configPath, flag.Args()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gominer",
		"version", cfg.Version,
		"pool", cfg.PoolURL,
		"algorithm", cfg.Algorithm,
		"devices", len(cfg.Devices),
		"sha256", bitcoin.SHA256Implementation(),
	)

	if len(cfg.Devices) == 0 {
		logger.Warn("no compute devices configured, nothing to mine with")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := newMiner(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start miner")
		return 1
	}
	defer m.close()

	if err := m.run(ctx); err != nil {
		logger.WithError(err).Error("miner stopped")
		return 1
	}

	logger.Info("gominer stopped")
	return 0
}

// minerApp wires the pool session, the share submitter, the device workers
// and the optional telemetry.
type minerApp struct {
	cfg    *config.Config
	logger *log.Logger

	session     *stratum.Session
	submitter   *submit.Submitter
	coordinator *miner.Coordinator

	stores   *database.Manager
	kafka    *messaging.KafkaClient
	reporter *report.Reporter
	api      *api.Server

	// stopMining is set by run and called when the time limit is reached.
	mu         sync.Mutex
	stopMining context.CancelFunc
}

func newMiner(cfg *config.Config, logger *log.Logger) (*minerApp, error) {
	validator, err := validation.NewCandidateValidator(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	devices := make([]device.Device, 0, len(cfg.Devices))
	for i, endpoint := range cfg.Devices {
		b, err := device.NewBridge(i, endpoint, cfg.DeviceTimeout, logger)
		if err != nil {
			for _, d := range devices {
				_ = d.Close()
			}
			return nil, err
		}
		devices = append(devices, b)
	}

	dial, err := stratum.NewDialer(cfg.Proxy, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	m := &minerApp{cfg: cfg, logger: logger}

	state := work.NewState(len(devices))
	st := stats.New(len(devices), cfg.DiffFactor, logger)

	m.session = stratum.NewSession(stratum.Config{
		URL:          cfg.PoolURL,
		User:         cfg.PoolUser,
		Pass:         cfg.PoolPass,
		Algorithm:    cfg.Algorithm,
		UserAgent:    cfg.UserAgent(),
		Retries:      cfg.Retries,
		FailPause:    cfg.FailPause,
		Timeout:      cfg.Timeout,
		RecvTimeout:  cfg.RecvTimeout,
		Reconnect:    cfg.Reconnect,
		Extranonce:   cfg.Extranonce,
		Stats:        cfg.StratumStats,
		ProtocolDump: cfg.ProtocolDump,
	}, dial, state, st, logger)

	queue := submit.NewQueue()
	m.session.SetTerminator(queue)
	m.submitter = submit.NewSubmitter(cfg.PoolUser, queue, state, m.session, cfg.Retries, cfg.FailPause, logger)

	m.coordinator = miner.New(miner.Config{
		WorkSize:    cfg.WorkSize,
		TimeLimit:   cfg.TimeLimit,
		OnTimeLimit: m.timeLimitReached,
	}, state, m.session, queue, st, validator, devices, logger)
	m.session.SetBenchSource(m.coordinator)

	snapshotter := report.NewSnapshotter(cfg.PoolUser, m.session, st)
	m.setupTelemetry(st, snapshotter)

	if cfg.APIListen != "" {
		var health api.HealthFunc
		if m.stores != nil {
			health = m.stores.Health
		}
		m.api = api.NewServer(snapshotter, m.session, health, logger)
		if m.stores != nil && m.stores.Enabled() {
			worker, devices := cfg.PoolUser, len(cfg.Devices)
			m.api.SetHistory(func(ctx context.Context, window time.Duration) (any, error) {
				return m.stores.History(ctx, worker, devices, window)
			})
		}
	}

	return m, nil
}

func storeConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{}
	if cfg.RedisURL != "" {
		dbConfig.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     4,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

func (m *minerApp) setupTelemetry(st *stats.Stats, snapshotter *report.Snapshotter) {
	var (
		store report.Store
		pub   report.Publisher
	)

	dbConfig := storeConfig(m.cfg)
	if dbConfig.Redis != nil || dbConfig.Influx != nil {
		m.stores = database.NewManager(dbConfig, m.logger)
		if m.stores.Enabled() {
			store = m.stores
		}
	}
	if len(m.cfg.KafkaBrokers) > 0 {
		m.kafka = messaging.NewKafkaClient(m.cfg.KafkaBrokers, m.logger)
		pub = m.kafka
	}
	if store == nil && pub == nil {
		return
	}

	m.reporter = report.New(report.Config{
		Worker:         m.cfg.PoolUser,
		Topics:         messaging.NewTopics(m.cfg.KafkaTopicPrefix),
		StatusInterval: m.cfg.StatusInterval,
	}, store, pub, snapshotter.Snapshot, m.logger)
	st.AddObserver(m.reporter)
}

func (m *minerApp) timeLimitReached() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopMining != nil {
		m.stopMining()
	}
}

// run blocks until ctx ends, the time limit is reached or a core loop fails.
// The first core failure is returned.
func (m *minerApp) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.stopMining = cancel
	m.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	core := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := fn(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
				m.logger.WithError(err).Error("component stopped", "component", name)
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}

	core("stratum", m.session.Run)
	core("submit", m.submitter.Run)
	core("miner", m.coordinator.Run)

	if m.stores != nil {
		m.stores.StartPeriodicTasks(ctx)
	}
	if m.reporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.reporter.Run(ctx)
		}()
	}
	if m.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.api.Serve(ctx, m.cfg.APIListen); err != nil {
				m.logger.WithError(err).Warn("API server stopped")
			}
		}()
	}

	wg.Wait()
	return firstErr
}

func (m *minerApp) close() {
	if m.kafka != nil {
		if err := m.kafka.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close Kafka client")
		}
	}
	if m.stores != nil {
		if err := m.stores.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close stores")
		}
	}
}
