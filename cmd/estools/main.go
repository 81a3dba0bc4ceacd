package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gehel/estools/pkg/config"
	"github.com/gehel/estools/pkg/escluster"
	"github.com/gehel/estools/pkg/monitoring"
	"github.com/gehel/estools/pkg/observability"
	"github.com/gehel/estools/pkg/orchestrator"
	"github.com/gehel/estools/pkg/remote"
	"github.com/gehel/estools/pkg/version"
	"github.com/gehel/estools/pkg/waiter"
	"github.com/gehel/estools/pkg/windows"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitRunError    = 66
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "allocate-replicas":
		return commandAllocateReplicas(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: estools <command> [options]
Commands:
  run                Roll a maintenance task through a cluster, batch by batch
  allocate-replicas  Force allocation of unassigned replica shards
  validate-config    Validate the configuration file
  version            Print build version
`)
}

// runFlags is the shared cluster-selection flag block.
type runFlags struct {
	configPath string
	cluster    string
	site       string
	dryRun     bool
}

func addClusterFlags(fs *flag.FlagSet, flags *runFlags) {
	fs.StringVar(&flags.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	fs.StringVar(&flags.cluster, "cluster", "", "cluster name to operate on")
	fs.StringVar(&flags.site, "site", "", "site hosting the cluster")
	fs.BoolVar(&flags.dryRun, "dry-run", false, "log what would be done without touching hosts or cluster state")
}

func resolveTarget(flags runFlags, stderr io.Writer) (*config.Config, config.ClusterTarget, bool) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return nil, config.ClusterTarget{}, false
	}
	if flags.dryRun {
		cfg.DryRun = true
	}
	target, err := cfg.ResolveCluster(flags.cluster, flags.site)
	if err != nil {
		fmt.Fprintf(stderr, "failed to resolve cluster: %v\n", err)
		return nil, config.ClusterTarget{}, false
	}
	return cfg, target, true
}

func commandRun(args []string) int {
	return commandRunWithWriters(args, os.Stdout, os.Stderr)
}

func commandRunWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags runFlags
	addClusterFlags(fs, &flags)
	taskName := fs.String("task", "restart", "maintenance task: restart, upgrade, upgrade-plugins or reboot")
	message := fs.String("message", "", "reason recorded in puppet and monitoring")
	ticket := fs.String("ticket", "", "tracking ticket appended to the reason")
	batchSize := fs.Int("batch-size", 0, "nodes per batch (default from configuration)")
	cutoffValue := fs.String("cutoff", "", "RFC3339 time before which nodes count as pending (default now)")
	waitForRelocations := fs.Bool("wait-for-relocations", false, "wait for shard relocations to finish after each batch")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	task, err := orchestrator.ParseTask(*taskName)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if *message == "" {
		fmt.Fprintln(stderr, "-message is required")
		return exitUsage
	}

	cutoff := time.Now()
	if *cutoffValue != "" {
		cutoff, err = time.Parse(time.RFC3339, *cutoffValue)
		if err != nil {
			fmt.Fprintf(stderr, "invalid -cutoff: %v\n", err)
			return exitUsage
		}
	}

	cfg, target, ok := resolveTarget(flags, stderr)
	if !ok {
		return exitConfigError
	}

	schedule, err := windows.NewSchedule(cfg.Windows.Allow, cfg.Windows.Deny)
	if err != nil {
		fmt.Fprintf(stderr, "invalid maintenance windows: %v\n", err)
		return exitConfigError
	}

	logger := observability.NewJSONLogger(stderr)
	metrics, stopMetrics := setupMetrics(cfg, logger)
	defer stopMetrics()

	exec, err := remote.NewExecExecutor(cfg.Remote.Command,
		remote.WithSudo(cfg.Remote.Sudo),
		remote.WithDryRun(cfg.DryRun),
		remote.WithTimeout(cfg.RemoteTimeout()),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build remote executor: %v\n", err)
		return exitConfigError
	}

	wait := waiter.New()
	controller, err := escluster.NewController(target, escluster.NewClient(target.Endpoint), exec, cfg.WriteControl, wait,
		escluster.WithLogger(logger),
		escluster.WithDryRun(cfg.DryRun),
		escluster.WithHealthCallTimeout(cfg.HealthCallTimeout()),
		escluster.WithPollInterval(cfg.PollInterval()),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build cluster controller: %v\n", err)
		return exitConfigError
	}

	var downtimer monitoring.Downtimer = monitoring.NoopDowntimer{}
	if target.MonitoringHost != "" {
		downtimer, err = monitoring.NewIcingaDowntimer(target.MonitoringHost, exec)
		if err != nil {
			fmt.Fprintf(stderr, "failed to build downtimer: %v\n", err)
			return exitConfigError
		}
	}

	reason := *message
	if *ticket != "" {
		reason += " - " + *ticket
	}
	size := cfg.Maintenance.BatchSize
	if *batchSize > 0 {
		size = *batchSize
	}

	runnerCfg := orchestrator.Config{
		Task:               task,
		Message:            reason,
		BatchSize:          size,
		ServiceName:        cfg.Maintenance.ServiceName,
		Packages:           cfg.Maintenance.Packages,
		PluginPackages:     cfg.Maintenance.PluginPackages,
		SettleDelay:        cfg.SettleDelay(),
		GreenTimeout:       cfg.GreenTimeout(),
		PostThawTimeout:    cfg.PostThawGreenTimeout(),
		RelocationTimeout:  cfg.RelocationTimeout(),
		PollInterval:       cfg.PollInterval(),
		DowntimeDuration:   cfg.DowntimeDuration(),
		RebootTimeout:      cfg.RebootTimeout(),
		ServiceWaitTimeout: cfg.ServiceWaitTimeout(),
		MaxDelayedWrites:   cfg.WriteControl.MaxDelayedJobs,
		WaitForRelocations: *waitForRelocations || cfg.Maintenance.WaitForRelocationsDefault,
		FreezeWrites:       len(cfg.WriteControl.FreezeCommand) > 0,
		DryRun:             cfg.DryRun,
	}

	runner, err := orchestrator.NewRunner(controller, exec, runnerCfg,
		orchestrator.WithLogger(logger),
		orchestrator.WithReporter(orchestrator.NewStructuredReporter(target.Name+"-"+target.Site, logger, metrics)),
		orchestrator.WithDowntimer(downtimer),
		orchestrator.WithSchedule(schedule),
		orchestrator.WithWaiter(wait),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build runner: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx, cutoff); err != nil {
		fmt.Fprintf(stderr, "maintenance run failed: %v\n", err)
		return exitRunError
	}
	fmt.Fprintf(stdout, "maintenance run on %s-%s completed\n", target.Name, target.Site)
	return exitOK
}

func commandAllocateReplicas(args []string) int {
	return commandAllocateReplicasWithWriters(args, os.Stdout, os.Stderr)
}

func commandAllocateReplicasWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("allocate-replicas", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags runFlags
	addClusterFlags(fs, &flags)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, target, ok := resolveTarget(flags, stderr)
	if !ok {
		return exitConfigError
	}

	exec, err := remote.NewExecExecutor(cfg.Remote.Command,
		remote.WithSudo(cfg.Remote.Sudo),
		remote.WithDryRun(cfg.DryRun),
		remote.WithTimeout(cfg.RemoteTimeout()),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build remote executor: %v\n", err)
		return exitConfigError
	}

	logger := observability.NewJSONLogger(stderr)
	controller, err := escluster.NewController(target, escluster.NewClient(target.Endpoint), exec, cfg.WriteControl, waiter.New(),
		escluster.WithLogger(logger),
		escluster.WithDryRun(cfg.DryRun),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build cluster controller: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := controller.ForceAllocateUnassignedReplicas(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "replica allocation failed: %v\n", err)
		return exitRunError
	}
	fmt.Fprintf(stdout, "unassigned: %d, allocated: %d, abandoned: %d, skipped: %d\n",
		report.Initial, report.Allocated, report.Abandoned, report.Skipped)
	return exitOK
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

// setupMetrics starts the Prometheus listener when enabled. The returned stop
// function shuts the listener down.
func setupMetrics(cfg *config.Config, logger observability.Logger) (observability.MetricsCollector, func()) {
	if !cfg.Metrics.Enabled {
		return observability.NoopMetrics{}, func() {}
	}

	collector := observability.NewPrometheusCollector()
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_ = logger.Log(context.Background(), observability.Event{
				Level:     observability.LevelError,
				Component: "metrics",
				Event:     "listener_failed",
				Fields:    map[string]interface{}{"error": err.Error()},
			})
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return collector, stop
}
