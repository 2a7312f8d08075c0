package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/nscoord/pkg/api"
	"github.com/cuemby/nscoord/pkg/catalog"
	"github.com/cuemby/nscoord/pkg/cluster"
	"github.com/cuemby/nscoord/pkg/coord"
	"github.com/cuemby/nscoord/pkg/events"
	"github.com/cuemby/nscoord/pkg/log"
	"github.com/cuemby/nscoord/pkg/membership"
	"github.com/cuemby/nscoord/pkg/metrics"
	"github.com/cuemby/nscoord/pkg/nsrpc"
	"github.com/cuemby/nscoord/pkg/reconciler"
	"github.com/cuemby/nscoord/pkg/scheduler"
	"github.com/cuemby/nscoord/pkg/tablet"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nsd",
	Short:   "nsd - name server control plane for a partitioned, replicated table store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nsd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node's name server process",
	Long: `Start brings up one name server replica: the raft-backed
coordination client, the catalog and cluster registry, the OP scheduler,
the reconciler, and both the admin and peer RPC surfaces. Whichever
replica wins the raft leadership acquires the coordination lock and
begins serving writes; the others stand by as hot standbys.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("node-id", "", "Unique node ID (a fresh UUID is generated if omitted)")
	startCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for raft communication")
	startCmd.Flags().String("api-addr", "127.0.0.1:8081", "Address for the admin gRPC surface")
	startCmd.Flags().String("peer-addr", "127.0.0.1:8082", "Address for the peer (cross-cluster) gRPC surface")
	startCmd.Flags().String("data-dir", "./nsd-data", "Data directory for raft log/snapshots")
	startCmd.Flags().String("join", "", "Raft bind-addr of an existing node to join; that node's leader must add this one as a voter (empty bootstraps a new cluster)")
	startCmd.Flags().Duration("zk-keep-alive-interval", 2*time.Second, "Interval at which this node re-verifies its coordination lock is still backed by a live raft session")
	startCmd.Flags().Int("task-concurrency", 8, "Number of OP scheduler shards for local partitions")
	startCmd.Flags().Int("task-concurrency-replica-cluster", 2, "Number of OP scheduler shards reserved for cross-cluster replication OPs")
	startCmd.Flags().Duration("op-retention", 24*time.Hour, "How long a terminal OP is kept before garbage collection")
	startCmd.Flags().Duration("snapshot-interval", time.Hour, "Minimum interval between MakeSnapshot OPs per partition")
	startCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics and health endpoints")
}

func runStart(cmd *cobra.Command, _ []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	peerAddr, _ := cmd.Flags().GetString("peer-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	joinAddr, _ := cmd.Flags().GetString("join")
	keepAlive, _ := cmd.Flags().GetDuration("zk-keep-alive-interval")
	concurrency, _ := cmd.Flags().GetInt("task-concurrency")
	concurrencyReplica, _ := cmd.Flags().GetInt("task-concurrency-replica-cluster")
	opRetention, _ := cmd.Flags().GetDuration("op-retention")
	snapInterval, _ := cmd.Flags().GetDuration("snapshot-interval")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	log.Logger.Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Str("data_dir", dataDir).Msg("nsd: starting")

	coordClient, err := coord.New(coord.Config{
		NodeID:            nodeID,
		BindAddr:          bindAddr,
		DataDir:           dataDir,
		KeepAliveInterval: keepAlive,
	})
	if err != nil {
		return fmt.Errorf("create coordination client: %w", err)
	}

	if joinAddr != "" {
		if err := coordClient.Join(); err != nil {
			return fmt.Errorf("join coordination cluster: %w", err)
		}
		log.Logger.Info().Str("join", joinAddr).Str("node_id", nodeID).Str("bind_addr", bindAddr).Msg("nsd: raft peer started; waiting for the existing leader to add this node as a voter")
	} else {
		if err := coordClient.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap coordination cluster: %w", err)
		}
	}

	cat := catalog.New(coordClient)
	clusterRegistry := cluster.New(coordClient)
	broker := events.NewBroker()
	broker.Start()

	sched := scheduler.New(coordClient, cat, tablet.Dial, concurrency+concurrencyReplica)
	sched.SetRemoteDialer(func(endpoint string) (scheduler.Peer, error) {
		return nsrpc.Dial(endpoint)
	})

	recon := reconciler.New(cat, sched, clusterRegistry, reconciler.Config{
		OPRetention:      opRetention,
		SnapshotInterval: snapInterval,
	})
	recon.SetTabletDialer(func(endpoint string) (tablet.Client, error) { return tablet.Dial(endpoint) })
	recon.SetNotifyStore(coordClient)
	recon.SetEventBroker(broker)

	coordClient.SetCallbacks(recon.OnLocked, recon.OnLostLock)

	watcher := membership.New(coordClient, time.Second, membership.Callbacks{
		OnTabletOnline:  recon.OnTabletOnline,
		OnTabletOffline: recon.OnTabletOffline,
		OnBlobOnline:    recon.OnBlobOnline,
		OnBlobOffline:   recon.OnBlobOffline,
	})
	watcher.Start()
	defer watcher.Stop()

	apiServer := api.NewServer(coordClient, cat, sched, clusterRegistry).WithConfStore(recon)
	remoteBackend := api.NewRemoteBackend(cat, sched)
	peerServer := nsrpc.NewServer(remoteBackend)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(apiAddr); err != nil {
			errCh <- fmt.Errorf("admin RPC server: %w", err)
		}
	}()
	go func() {
		if err := peerServer.Start(peerAddr); err != nil {
			errCh <- fmt.Errorf("peer RPC server: %w", err)
		}
	}()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "started")
	metrics.RegisterComponent("api", true, "listening on "+apiAddr)
	metrics.RegisterComponent("peer", true, "listening on "+peerAddr)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if pprofEnabled {
			// net/http/pprof registers its handlers on http.DefaultServeMux.
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
		}
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("nsd: metrics server stopped")
		}
	}()
	if pprofEnabled {
		log.Logger.Info().Str("addr", metricsAddr).Msg("nsd: pprof endpoints enabled at /debug/pprof/")
	}

	log.Logger.Info().
		Str("api_addr", apiAddr).
		Str("peer_addr", peerAddr).
		Str("metrics_addr", metricsAddr).
		Msg("nsd: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("nsd: shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("nsd: fatal server error")
	}

	broker.Stop()
	apiServer.Stop()
	peerServer.Stop()
	if err := coordClient.Shutdown(); err != nil {
		return fmt.Errorf("shut down coordination client: %w", err)
	}

	log.Logger.Info().Msg("nsd: shutdown complete")
	return nil
}
