package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tablekit/tabletnode/pkg/balancer"
	"github.com/tablekit/tabletnode/pkg/clock"
	"github.com/tablekit/tabletnode/pkg/compactor"
	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/connpool"
	"github.com/tablekit/tabletnode/pkg/events"
	"github.com/tablekit/tabletnode/pkg/flusher"
	"github.com/tablekit/tabletnode/pkg/inmemory"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/masterclient"
	"github.com/tablekit/tabletnode/pkg/mount"
	"github.com/tablekit/tabletnode/pkg/replicatedlog"
	"github.com/tablekit/tabletnode/pkg/security"
	"github.com/tablekit/tabletnode/pkg/storage"
	"github.com/tablekit/tabletnode/pkg/tabletservice"
	"github.com/tablekit/tabletnode/pkg/txmanager"
	"github.com/tablekit/tabletnode/pkg/txsupervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a tabletnode server, mounting every tablet persisted locally",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults are used if omitted)")
	rootCmd.AddCommand(serveCmd)
}

// permissionBackend adapts *masterclient.Client to security.Backend,
// converting the cache's typed Permission to the plain string the RPC
// wire format carries.
type permissionBackend struct {
	client *masterclient.Client
}

func (b *permissionBackend) CheckPermission(ctx context.Context, tableID, user string, perm security.Permission) (bool, error) {
	return b.client.CheckPermission(ctx, tableID, user, string(perm))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open local storage: %w", err)
	}
	defer store.Close()

	chunkDir := cfg.DataDir + "/chunks"
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	registry := mount.New(chunkDir)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	registry.SetEventBroker(broker)

	inmem := inmemory.New(cfg.InMemory)
	inmem.Start()
	defer inmem.Stop()
	registry.SetInMemoryManager(inmem)

	snapshots, err := store.ListTablets()
	if err != nil {
		return fmt.Errorf("list persisted tablets: %w", err)
	}
	for _, snap := range snapshots {
		t := snap.ToTablet()
		registry.Mount(t, cfg.StoreManager)
		logger.Info().Str("tablet_id", t.ID).Msg("remounted tablet from local storage")
	}

	compositeApplier := replicatedlog.NewCompositeApplier()

	// txMgr is registered as an Applier before the log exists (Open
	// takes the applier as an argument); SetLog binds the two together
	// once the log is open.
	txMgr := txmanager.New(cfg.TransactionMgr, nil)
	txMgr.SetEventBroker(broker)

	balancerApplier := &balancer.Applier{Sink: &balancer.TabletSink{Lookup: registry.Lookup}}
	compositeApplier.Register(txMgr, "HandleTransactionBarrier")
	compositeApplier.Register(balancerApplier, "SplitPartition", "MergePartitions", "UpdatePartitionSampleKeys")

	var rlog *replicatedlog.Log
	if cfg.ReplicatedLog.NodeID != "" {
		rlog, err = replicatedlog.Open(cfg.ReplicatedLog, compositeApplier)
		if err != nil {
			return fmt.Errorf("open replicated log: %w", err)
		}
		defer rlog.Shutdown()
		txMgr.SetLog(rlog)

		leaderWatchStop := make(chan struct{})
		defer close(leaderWatchStop)
		rlog.WatchLeadership(txMgr.OnLeadershipGained, txMgr.OnLeadershipLost, leaderWatchStop)
	} else {
		logger.Warn().Msg("replicated_log.node_id unset; running without a replicated log (single-node/dev mode)")
	}
	txMgr.Start()
	defer txMgr.Stop()

	pool := connpool.New(cfg.ConnPool)
	defer pool.Close()

	var guard *security.Guard
	if cfg.MasterAddr != "" {
		masterConn, err := masterclient.Dial(cfg.MasterAddr, cfg.ConnPool.ConnectTimeout, cfg.ConnPool.IdleTimeout)
		if err != nil {
			logger.Warn().Err(err).Str("master_addr", cfg.MasterAddr).Msg("could not dial master; row access checks will fail closed")
		} else {
			defer masterConn.Close()
			cache := security.New(cfg.Security, &permissionBackend{client: masterConn})
			guard = security.NewGuard(cache)
		}
	}
	_ = guard // wired into the (out-of-scope) RPC read/write path once it exists.

	timestamps := clock.NewHybridProvider()

	supervisor := txsupervisor.New()
	supervisor.RegisterAction(txsupervisor.ActionPrepare, func(ctx context.Context, txnID string) error {
		ts := timestamps.GenerateTimestamp()
		if err := txMgr.Prepare(txnID, ts, true); err != nil {
			return err
		}
		if txn, ok := txMgr.Get(txnID); ok {
			registry.PrepareTransaction(txn, ts)
		}
		return nil
	})
	supervisor.RegisterAction(txsupervisor.ActionCommit, func(ctx context.Context, txnID string) error {
		txn, ok := txMgr.Get(txnID)
		if !ok {
			return fmt.Errorf("txsupervisor: unknown transaction %s", txnID)
		}
		commitTS := timestamps.GenerateTimestamp()
		if err := txMgr.Commit(txnID, commitTS); err != nil {
			return err
		}
		registry.CommitTransaction(txn, commitTS)
		return nil
	})
	supervisor.RegisterAction(txsupervisor.ActionAbort, func(ctx context.Context, txnID string) error {
		txn, ok := txMgr.Get(txnID)
		if err := txMgr.Abort(txnID); err != nil {
			return err
		}
		if ok {
			registry.AbortTransaction(txn)
		}
		return nil
	})

	flush := flusher.New(cfg.Flusher, registry, registry.NewSortedChunkWriter, registry.NewOrderedChunkWriter)
	flush.Start()
	defer flush.Stop()

	compact := compactor.New(cfg.Compactor, registry, registry, registry.NewSortedChunkWriter)
	compact.Start()
	defer compact.Stop()

	var bal *balancer.Balancer
	if rlog != nil {
		bal = balancer.New(cfg.Balancer, registry, rlog)
		bal.Start()
		defer bal.Stop()
	}

	health := tabletservice.NewHealthServer(rlog, registry)
	health.SetPeerProbe(pool, cfg.PeerHealthAddrs)
	go func() {
		if err := health.Start(cfg.MetricsAddr); err != nil {
			logger.Error().Err(err).Msg("health server exited")
		}
	}()

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("metrics_addr", cfg.MetricsAddr).
		Int("mounted_tablets", len(snapshots)).
		Msg("tabletnode started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	for _, snap := range snapshots {
		if t, ok := registry.Lookup(snap.ID); ok {
			if err := store.SaveTablet(storage.SnapshotFromTablet(t)); err != nil {
				logger.Error().Err(err).Str("tablet_id", t.ID).Msg("save tablet snapshot on shutdown")
			}
		}
	}
	return nil
}
