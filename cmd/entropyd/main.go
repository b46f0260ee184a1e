package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeanparpaillon/riak-kv/config"
	"github.com/jeanparpaillon/riak-kv/entropy"
	"github.com/jeanparpaillon/riak-kv/hashtree"
	"github.com/jeanparpaillon/riak-kv/kv"
	"github.com/jeanparpaillon/riak-kv/observability/logging"
	"github.com/jeanparpaillon/riak-kv/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RIAKKV_ENV"))
	logger := logging.Setup("entropyd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "entropy"))
	if err != nil {
		panic(fmt.Sprintf("failed to open database: %v", err))
	}
	defer db.Close()

	ring := kv.NewModRing(cfg.Partitions, cfg.ReplicationN)
	sup := entropy.NewSupervisor(entropy.SupervisorConfig{
		Locks:        entropy.NewLockManager(int64(cfg.BuildTokens), int64(cfg.ExchangeTokens)),
		TickInterval: cfg.TickInterval(),
		Logger:       logger,
	})
	defer sup.Stop()

	factory := hashtree.NewStoreFactory(db, hashtree.Options{
		Segments: cfg.TreeSegments,
		Fanout:   cfg.TreeFanout,
	})

	managers := make([]*entropy.Manager, 0, len(cfg.Partitions))
	for _, partition := range cfg.Partitions {
		m, err := entropy.NewManager(entropy.Config{
			Partition: partition,
			Store:     kv.NewDBStore(db, partition),
			Ring:      ring,
			Factory:   factory,
			Locks:     sup.Locks(),
			Logger:    logger,
		})
		if err != nil {
			panic(fmt.Sprintf("failed to start manager for partition %d: %v", partition, err))
		}
		for i := 1; i <= int(cfg.ReplicationN); i++ {
			group := kv.Group{Partition: partition, Index: uint16(i)}
			if err := m.CreateTree(group); err != nil {
				panic(fmt.Sprintf("failed to create tree for %v: %v", group, err))
			}
		}
		sup.Register(m)
		managers = append(managers, m)
	}

	// First build attempt up front; partitions refused by the build pool
	// are picked up on later ticks.
	for _, m := range managers {
		if err := m.TriggerBuild(); err != nil {
			logger.Warn("Initial build deferred", slog.Uint64("partition", m.Partition()), slog.Any("error", err))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics listener started", slog.String("address", cfg.MetricsAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics listener failed", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", slog.String("signal", sig.String()))

	_ = srv.Close()
	for _, m := range managers {
		sup.Deregister(m.Partition())
		m.Stop()
	}
}
