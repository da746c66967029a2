// blobmesh is the metadata directory of a distributed blob store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/blobmesh/internal/admin"
	"github.com/tunnelmesh/blobmesh/internal/config"
	"github.com/tunnelmesh/blobmesh/internal/coord"
	"github.com/tunnelmesh/blobmesh/internal/directory"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/replication"
	"github.com/tunnelmesh/blobmesh/internal/volume"
	"github.com/tunnelmesh/blobmesh/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds how long in-flight requests may take after a signal.
const shutdownTimeout = 10 * time.Second

var (
	cfgFile  string
	logLevel string
)

// flagValues holds command line overrides for the config file.
type flagValues struct {
	listen        string
	adminListen   string
	database      string
	volumes       []string
	fallback      string
	replicas      int
	subvolumes    int
	protect       bool
	md5sum        bool
	volumeTimeout string
	lockShards    int
	concurrency   int
	rate          float64
	rebalance     string
	maxObjectSize string
	jsonOutput    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &flagValues{}

	rootCmd := &cobra.Command{
		Use:   "blobmesh",
		Short: "blobmesh - metadata directory for a distributed blob store",
		Long: `blobmesh keeps the authoritative map from object key to the volume
servers holding its replicas. Clients PUT, GET, DELETE and UNLINK objects by
key; reads are redirected to a volume server.

QUICK START:

  blobmesh server --db /var/lib/blobmesh/index \
    --volumes vol1:80,vol2:80,vol3:80 --replicas 3

REBUILD THE INDEX FROM THE VOLUMES:

  blobmesh rebuild --db /var/lib/blobmesh/index --volumes vol1:80,vol2:80,vol3:80

For more help on any command, use: blobmesh <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file path")
	pf.StringVarP(&logLevel, "log-level", "l", "info", "log level")
	pf.StringVar(&flags.database, "db", "", "path to the directory database")
	pf.StringSliceVar(&flags.volumes, "volumes", nil, "volume servers (host:port), comma separated")
	pf.IntVar(&flags.replicas, "replicas", config.DefaultReplicas, "replicas per object")
	pf.IntVar(&flags.subvolumes, "subvolumes", config.DefaultSubvolumes, "sub-volumes per volume server")
	pf.StringVar(&flags.volumeTimeout, "volume-timeout", config.DefaultVolumeTimeout, "timeout for each volume request")
	pf.IntVar(&flags.lockShards, "lock-shards", config.DefaultLockShards, "lock table shards")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the directory HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					log.Info().Msg("shutting down...")
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServer(ctx, cfg, nil)
		},
	}
	serverCmd.Flags().StringVar(&flags.listen, "listen", config.DefaultListen, "HTTP listen address")
	serverCmd.Flags().StringVar(&flags.adminListen, "admin-listen", config.DefaultAdminListen, "health and metrics listen address (empty disables)")
	serverCmd.Flags().StringVar(&flags.fallback, "fallback", "", "volume to redirect unknown keys to")
	serverCmd.Flags().BoolVar(&flags.protect, "protect", false, "refuse DELETE of live objects (UNLINK still works)")
	serverCmd.Flags().BoolVar(&flags.md5sum, "md5sum", true, "record the md5 of written objects")
	serverCmd.Flags().StringVar(&flags.maxObjectSize, "max-object-size", config.DefaultMaxObjectSize, "largest accepted PUT body (0 = unlimited)")
	serverCmd.Flags().StringVar(&flags.rebalance, "rebalance-interval", "", "run a drift scan every interval (e.g. 10m)")
	rootCmd.AddCommand(serverCmd)

	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild replica sets by crawling the volume servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runRebuild(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	rebuildCmd.Flags().IntVar(&flags.concurrency, "concurrency", config.DefaultRebuildConcurrency, "parallel reconciliations")
	rebuildCmd.Flags().Float64Var(&flags.rate, "rate", 0, "reconciliations per second (0 = unlimited)")
	rootCmd.AddCommand(rebuildCmd)

	rebalanceCmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Report objects whose replicas are not where placement wants them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runRebalance(cmd.Context(), cfg, cmd.OutOrStdout(), flags.jsonOutput)
		},
	}
	rebalanceCmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "print the report as JSON")
	rootCmd.AddCommand(rebalanceCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "blobmesh %s\n  Commit:     %s\n  Build Time: %s\n", Version, Commit, BuildTime)
		},
	})

	return rootCmd
}

// loadConfig reads the config file and applies flags the user set explicitly.
func loadConfig(cmd *cobra.Command, flags *flagValues) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("db") {
		cfg.Database = flags.database
	}
	if f.Changed("volumes") {
		cfg.Volumes = flags.volumes
	}
	if f.Changed("replicas") {
		cfg.Replicas = flags.replicas
	}
	if f.Changed("subvolumes") {
		cfg.Subvolumes = flags.subvolumes
	}
	if f.Changed("volume-timeout") {
		cfg.VolumeTimeout = flags.volumeTimeout
	}
	if f.Changed("lock-shards") {
		cfg.LockShards = flags.lockShards
	}
	if f.Changed("listen") {
		cfg.Listen = flags.listen
	}
	if f.Changed("admin-listen") {
		cfg.AdminListen = flags.adminListen
	}
	if f.Changed("fallback") {
		cfg.Fallback = flags.fallback
	}
	if f.Changed("protect") {
		cfg.Protect = flags.protect
	}
	if f.Changed("md5sum") {
		cfg.MD5Sum = flags.md5sum
	}
	if f.Changed("max-object-size") {
		cfg.MaxObjectSize = flags.maxObjectSize
	}
	if f.Changed("rebalance-interval") {
		cfg.Rebalance.Interval = flags.rebalance
	}
	if f.Changed("concurrency") {
		cfg.Rebuild.Concurrency = flags.concurrency
	}
	if f.Changed("rate") {
		cfg.Rebuild.Rate = flags.rate
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// directoryDeps is what every subcommand builds from the configuration.
type directoryDeps struct {
	store  *directory.Store
	client *volume.Client
	coord  *coord.Coordinator
}

// openDirectory builds the store, volume client and coordinator. A read-only
// directory serves scans; every mutation fails.
func openDirectory(cfg *config.Config, m *metrics.DirectoryMetrics, readOnly bool) (*directoryDeps, error) {
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	maxObjectSize, err := cfg.ObjectSizeLimit()
	if err != nil {
		return nil, err
	}

	store, err := directory.Open(cfg.Database, directory.Options{
		LockShards: cfg.LockShards,
		ReadOnly:   readOnly,
		Logger:     log.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}

	client := volume.NewClient(timeout, log.Logger)
	c := coord.New(store, client, coord.Options{
		Volumes:       cfg.Volumes,
		Fallback:      cfg.Fallback,
		Replicas:      cfg.Replicas,
		Subvolumes:    cfg.Subvolumes,
		Protect:       cfg.Protect,
		MD5Sum:        cfg.MD5Sum,
		MaxObjectSize: maxObjectSize,
	}, m, log.Logger)

	return &directoryDeps{store: store, client: client, coord: c}, nil
}

// runServer serves the API until ctx is cancelled. A nil registry registers
// metrics with the process-wide registry.
func runServer(ctx context.Context, cfg *config.Config, registry prometheus.Registerer) error {
	m := metrics.NewDirectoryMetrics(registry)
	deps, err := openDirectory(cfg, m, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close directory")
		}
	}()

	interval, err := cfg.RebalanceInterval()
	if err != nil {
		return err
	}
	if interval > 0 {
		rb := replication.NewRebalancer(deps.store, deps.coord, m, log.Logger)
		rb.Start(interval)
		defer rb.Stop()
	}

	ln, err := coord.Listen(ctx, cfg.Listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           coord.NewServer(deps.coord, m, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	var adminSrv *admin.Server
	if cfg.AdminListen != "" {
		adminLn, err := coord.Listen(ctx, cfg.AdminListen)
		if err != nil {
			_ = ln.Close()
			return err
		}
		adminSrv = admin.NewServer(deps.store.Ping, log.Logger)
		go func() {
			if err := adminSrv.Serve(adminLn); err != nil {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Strs("volumes", cfg.Volumes).
			Int("replicas", cfg.Replicas).
			Int("subvolumes", cfg.Subvolumes).
			Bool("protect", cfg.Protect).
			Str("max_object_size", objectSizeLabel(deps.coord.Options().MaxObjectSize)).
			Str("version", Version).
			Msg("blobmesh server starting")
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down HTTP server")
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to shut down admin server")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return serveErr
}

func objectSizeLabel(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return bytesize.Format(limit)
}

func runRebuild(ctx context.Context, cfg *config.Config, out io.Writer) error {
	deps, err := openDirectory(cfg, nil, false)
	if err != nil {
		return err
	}
	defer func() { _ = deps.store.Close() }()

	rb := replication.NewRebuilder(deps.coord, deps.client, replication.RebuildOptions{
		Volumes:     cfg.Volumes,
		Concurrency: cfg.Rebuild.Concurrency,
		Rate:        cfg.Rebuild.Rate,
	}, nil, log.Logger)

	stats, err := rb.Run(ctx)
	_, _ = fmt.Fprintf(out, "files=%d reconciled=%d skipped=%d failed=%d\n",
		stats.Files, stats.Reconciled, stats.Skipped, stats.Failed)
	return err
}

// runRebalance prints the drift report. Drift is informational and never an
// error.
func runRebalance(ctx context.Context, cfg *config.Config, out io.Writer, asJSON bool) error {
	deps, err := openDirectory(cfg, nil, true)
	if err != nil {
		return err
	}
	defer func() { _ = deps.store.Close() }()

	report, err := replication.NewRebalancer(deps.store, deps.coord, nil, log.Logger).Scan(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	_, _ = fmt.Fprintf(out, "total=%d drifted=%d soft_deleted=%d\n", report.Total, report.Drifted, report.SoftDeleted)
	for _, d := range report.Keys {
		_, _ = fmt.Fprintf(out, "%s: %v -> %v\n", d.Key, d.Actual, d.Desired)
	}
	if report.Truncated {
		_, _ = fmt.Fprintf(out, "... %d more\n", report.Drifted-len(report.Keys))
	}
	return nil
}
