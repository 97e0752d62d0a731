// Package main provides a ct-mirror binary
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/trillian/monitoring"
	"github.com/google/trillian/monitoring/prometheus"
	"github.com/google/uuid"
	"github.com/pborman/getopt/v2"

	"sigsum.org/ct-mirror/internal/cluster"
	"sigsum.org/ct-mirror/internal/config"
	"sigsum.org/ct-mirror/internal/consistent"
	"sigsum.org/ct-mirror/internal/db"
	"sigsum.org/ct-mirror/internal/election"
	"sigsum.org/ct-mirror/internal/fetcher"
	"sigsum.org/ct-mirror/internal/metrics"
	"sigsum.org/ct-mirror/internal/node/handler"
	"sigsum.org/ct-mirror/internal/node/mirror"
	"sigsum.org/ct-mirror/internal/state"
	"sigsum.org/ct-mirror/internal/task"
	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/ct-mirror/internal/upstream"
	"sigsum.org/ct-mirror/internal/verifier"
	"sigsum.org/sigsum-go/pkg/log"
)

var (
	gitCommit = "unknown"
)

func ParseFlags(c *config.Config) {
	help := false
	getopt.SetParameters("")
	c.ServerFlags(getopt.CommandLine)
	getopt.FlagLong(&help, "help", '?', "Display help.")
	getopt.Parse()
	if help {
		getopt.PrintUsage(os.Stdout)
		os.Exit(0)
	}
}

func main() {
	var conf *config.Config

	// Read default values from the Config struct
	confFile, err := config.OpenConfigFile()
	if err != nil {
		log.Info("didn't find configuration file, using defaults: %v", err)
		conf = config.NewConfig()
	} else {
		conf, err = config.LoadConfig(confFile)
		confFile.Close()
		if err != nil {
			log.Fatal("failed to parse config file: %v", err)
		}
	}

	// Allow flags to override them
	ParseFlags(conf)

	if len(conf.LogFile) > 0 {
		if err := log.SetLogFile(conf.LogFile); err != nil {
			log.Fatal("open log file failed: %v", err)
		}
	}
	if err := log.SetLevelFromString(conf.LogLevel); err != nil {
		log.Fatal("setup logging: %v", err)
	}
	log.Info("ct-mirror git-commit %s", gitCommit)

	if err := conf.Validate(); err != nil {
		log.Fatal("invalid configuration: %v", err)
	}
	if conf.NodeID == "" {
		conf.NodeID = uuid.NewString()
		log.Info("no node-id configured, using %s", conf.NodeID)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf); err != nil {
		log.Fatal("%v", err)
	}
	log.Info("ct-mirror stopped")
}

func openStorage(conf *config.Config) (db.Client, error) {
	backend, err := conf.Backend()
	if err != nil {
		return nil, err
	}
	log.Debug("using %s storage backend", backend)
	switch backend {
	case config.BackendDirectory:
		return db.NewFileDb(conf.CertDir, conf.TreeDir, conf.MetaDir, conf.CertStorageDepth, conf.TreeStorageDepth)
	case config.BackendKV:
		return db.NewBoltDb(conf.KVDb)
	case config.BackendSqlite:
		return db.NewSqliteDb(conf.SqliteDb)
	case config.BackendTrillian:
		return db.DialTrillian(conf.TrillianRpcServer, conf.Timeout, conf.TrillianTreeIDFile)
	case config.BackendEphemeral:
		return db.NewMemoryDb(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func openStore(conf *config.Config) (consistent.Store, error) {
	if conf.Standalone() {
		log.Warning("no etcd server configured, running standalone")
		return consistent.NewFake(), nil
	}
	return consistent.DialEtcd([]string{fmt.Sprintf("%s:%d", conf.EtcdHost, conf.EtcdPort)}, conf.Timeout)
}

// checkStandaloneStart refuses a standalone start with data in local
// storage, since standalone mode takes mastership unconditionally.
func checkStandaloneStart(ctx context.Context, conf *config.Config, storage db.Client) error {
	if !conf.Standalone() {
		return nil
	}
	size, err := storage.CurrentTreeSize(ctx)
	if err != nil {
		return fmt.Errorf("reading local tree size: %w", err)
	}
	if size == 0 {
		return nil
	}
	if !conf.AllowStandaloneRestart {
		return fmt.Errorf("local storage holds %d entries, refusing standalone start (see allow-standalone-restart)", size)
	}
	log.Warning("standalone start with %d entries in local storage", size)
	return nil
}

// takeOffice waits for mastership, and installs the configured cluster
// config, if any.
func takeOffice(ctx context.Context, conf *config.Config, el *election.Election, controller *cluster.Controller) error {
	log.Info("node %s waiting to become master", conf.NodeID)
	if err := el.WaitToBecomeMaster(ctx); err != nil {
		return err
	}
	switch {
	case conf.Standalone():
		return controller.SetClusterConfig(ctx, types.ClusterConfig{MinimumServingNodes: 1, MinimumServingFraction: 1})
	case conf.MinimumServingNodes > 0:
		if err := controller.SetClusterConfig(ctx, types.ClusterConfig{
			MinimumServingNodes:    uint32(conf.MinimumServingNodes),
			MinimumServingFraction: conf.MinimumServingFraction,
		}); err != nil {
			log.Warning("setting cluster config failed: %v", err)
		}
	}
	return nil
}

func run(ctx context.Context, conf *config.Config) error {
	pem, err := os.ReadFile(conf.TargetPublicKey)
	if err != nil {
		return fmt.Errorf("reading target public key: %w", err)
	}
	v, err := verifier.NewFromPEM(pem)
	if err != nil {
		return fmt.Errorf("target public key: %w", err)
	}
	client, err := upstream.New(conf.TargetLogURI, conf.Timeout, conf.UpstreamQPS)
	if err != nil {
		return err
	}

	storage, err := openStorage(conf)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer storage.Close()
	if err := checkStandaloneStart(ctx, conf, storage); err != nil {
		return err
	}

	store, err := openStore(conf)
	if err != nil {
		return err
	}
	defer store.Close()

	var mf monitoring.MetricFactory = prometheus.MetricFactory{}

	el := election.New(store, conf.EtcdRoot, conf.NodeID, conf.ElectionTTL)
	el.StartElection()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), conf.Timeout)
		defer cancel()
		if err := el.StopElection(stopCtx); err != nil {
			log.Warning("stopping election: %v", err)
		}
	}()

	controller := cluster.NewController(store, el, conf.EtcdRoot, conf.NodeID, mf)
	drainer := state.NewDrainer(storage, controller, conf.LocalSTHUpdateFrequency, mf)
	f := fetcher.New(storage, drainer.Offer, fetcher.Config{
		PollInterval: conf.TargetPollFrequency,
		BatchSize:    uint64(conf.FetchBatchSize),
		Workers:      conf.FetchWorkers,
	}, mf)
	var sthFile *state.STHFile
	if conf.STHFile != "" {
		s := state.NewSTHFile(conf.STHFile)
		sthFile = &s
	}
	if err := f.AddPeer("target", client, v, sthFile); err != nil {
		return err
	}

	node := mirror.Mirror{
		Config: handler.Config{
			Timeout: conf.Timeout,
			Metrics: metrics.NewServerMetrics(mf, conf.NodeID),
		},
		NodeID:   conf.NodeID,
		Serving:  controller,
		Leader:   el,
		Storage:  storage,
		Verified: f,
		Queue:    drainer,
	}

	// A standalone node is master and has its config before anything
	// is drained.
	if conf.Standalone() {
		if err := takeOffice(ctx, conf, el, controller); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("taking office: %w", err)
		}
	}

	root := task.New(ctx)
	root.AddChild("fetcher", f.Run)
	root.AddChild("drainer", drainer.Run)
	root.AddChild("coordinator", controller.Run)
	if !conf.Standalone() {
		root.AddChild("election", func(ctx context.Context) error {
			return takeOffice(ctx, conf, el, controller)
		})
	}
	root.AddChild("stats", func(ctx context.Context) error {
		return node.RunStats(ctx, conf.LogStatsFrequency)
	})
	root.AddChild("http", func(ctx context.Context) error {
		return mirror.ListenAndServe(ctx, fmt.Sprintf(":%d", conf.Port),
			node.PublicHTTPMux(conf.URLPrefix), conf.NumHTTPServerThreads)
	})

	start := time.Now()
	status, err := root.Wait()
	log.Info("tasks finished with status %v after %v", status, time.Since(start).Round(time.Second))
	if status == task.Failed {
		return err
	}
	return nil
}
