// Command crontabber is the CLI entrypoint: it loads configuration, wires
// the ledger, run log, registry, executor, and orchestrator, then dispatches
// to exactly one operator command per the mutually-exclusive action flags.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/riverfield/crontabber/internal/config"
	"github.com/riverfield/crontabber/internal/executor"
	"github.com/riverfield/crontabber/internal/jobs"
	"github.com/riverfield/crontabber/internal/ledger"
	"github.com/riverfield/crontabber/internal/metrics"
	"github.com/riverfield/crontabber/internal/orchestrator"
	"github.com/riverfield/crontabber/internal/recurring"
	"github.com/riverfield/crontabber/internal/registry"
	"github.com/riverfield/crontabber/internal/rlog"
	"github.com/riverfield/crontabber/internal/runlog"
	"github.com/riverfield/crontabber/internal/server"
	"github.com/riverfield/crontabber/internal/telemetry"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	configPath    string
	job           string
	force         bool
	listJobs      bool
	nagios        bool
	resetJob      string
	auditGhosts   bool
	configtest    bool
	logJob        string
	logJobLimit   int
	daemon        bool
	tickInterval  time.Duration
	serve         string
	metricsListen string
	showVersion   bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f := &flags{}
	exitCode := 0

	root := &cobra.Command{
		Use:           "crontabber",
		Short:         "Dependency-ordered periodic job runner with a persistent state ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := dispatch(cmd.Context(), f)
			exitCode = code
			return err
		},
	}
	root.SetArgs(args)

	fs := root.Flags()
	fs.StringVar(&f.configPath, "config", "crontabber.yaml", "path to the configuration file")
	fs.StringVar(&f.job, "job", "", "run one job by app_name or class_identity")
	fs.BoolVar(&f.force, "force", false, "with --job, bypass TimeToRun/CheckDependencies")
	fs.BoolVar(&f.listJobs, "list-jobs", false, "print every configured job's ledger state")
	fs.BoolVar(&f.nagios, "nagios", false, "print a Nagios-style health line and exit with its code")
	fs.StringVar(&f.resetJob, "reset-job", "", "delete one job's ledger row by app_name or class_identity")
	fs.BoolVar(&f.auditGhosts, "audit-ghosts", false, "print ledger rows with no matching configured job")
	fs.BoolVar(&f.configtest, "configtest", false, "validate configured jobs and the dependency graph")
	fs.StringVar(&f.logJob, "log-job", "", "dump recent run-log rows for one job")
	fs.IntVar(&f.logJobLimit, "log-job-limit", 20, "row limit for --log-job")
	fs.BoolVar(&f.daemon, "daemon", false, "run RunAll on a ticker forever, honoring --tick-interval")
	fs.DurationVar(&f.tickInterval, "tick-interval", 60*time.Second, "RunAll period under --daemon")
	fs.StringVar(&f.serve, "serve", "", "start the read-only HTTP introspection server on this address instead of running jobs")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus /metrics on this address alongside any other action")
	fs.BoolVar(&f.showVersion, "version", false, "print version and exit")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// dispatch builds the engine from f.configPath and runs exactly one command.
// --version short-circuits everything, --configtest validates before
// anything touches the ledger, and the remaining action flags are mutually
// exclusive; an operator passing two only gets the first one honored.
func dispatch(ctx context.Context, f *flags) (int, error) {
	if f.showVersion {
		fmt.Println("crontabber " + version)
		return 0, nil
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return 1, err
	}

	reg := registry.New()
	jobs.RegisterBuiltins(reg)

	descriptors, err := cfg.BuildDescriptors(reg)
	if err != nil {
		return 1, err
	}

	if f.configtest {
		check := &orchestrator.Orchestrator{Descriptors: descriptors}
		if err := check.Configtest(os.Stderr); err != nil {
			return 1, err
		}
		fmt.Println("configtest: OK")
		return 0, nil
	}

	log := rlog.New(rlog.Config{
		Level:      cfg.Log.Level,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	store, err := ledger.NewSQLStoreFromDSN(ctx, cfg.Store.DSN)
	if err != nil {
		return 1, err
	}
	defer store.Close()
	store.SetPool(cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns, time.Duration(cfg.Store.ConnMaxAge)*time.Second)

	runLog, err := runlog.NewFromDSN(ctx, cfg.RunLog.DSN)
	if err != nil {
		return 1, err
	}
	defer runLog.Close()

	teleRep, err := telemetry.New(cfg.Telemetry.DSN)
	if err != nil {
		return 1, err
	}
	defer teleRep.Close()

	metricsListen := cfg.Metrics.Listen
	if f.metricsListen != "" {
		metricsListen = f.metricsListen
	}
	if cfg.Metrics.Enabled || f.metricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return 1, err
		}
		if metricsListen != "" {
			serveMetrics(log, metricsListen)
		}
	}

	exec := &executor.Executor{
		Store:             store,
		RunLog:            runLog,
		Telemetry:         teleRep,
		Log:               log,
		ErrorRetrySeconds: cfg.ErrorRetryTime,
	}
	orch := &orchestrator.Orchestrator{Descriptors: descriptors, Store: store, Executor: exec}

	switch {
	case f.listJobs:
		return 0, orch.ListJobs(ctx, os.Stdout)

	case f.nagios:
		code, err := orch.Nagios(ctx, os.Stdout)
		return code, err

	case f.resetJob != "":
		err := orch.ResetJob(ctx, f.resetJob, func(msg string) { fmt.Fprintln(os.Stderr, msg) })
		return exitFor(err), err

	case f.auditGhosts:
		return 0, orch.AuditGhosts(ctx, os.Stdout)

	case f.logJob != "":
		return 0, printRunLog(ctx, runLog, f.logJob, f.logJobLimit)

	case f.job != "":
		err := orch.RunOne(ctx, f.job, f.force)
		return exitFor(err), err

	case f.serve != "":
		startRecurring(log, reg, cfg)
		if err := serveIntrospection(ctx, log, orch, f.serve, cfg.Server.BasePath); err != nil {
			return 1, err
		}
		return 0, nil

	case f.daemon:
		startRecurring(log, reg, cfg)
		if cfg.Server.Listen != "" {
			go func() {
				if err := serveIntrospection(ctx, log, orch, cfg.Server.Listen, cfg.Server.BasePath); err != nil {
					log.Error("introspection server stopped", "error", err)
				}
			}()
		}
		return 0, runDaemon(ctx, orch, log, f.tickInterval)

	default:
		return 0, orch.RunAll(ctx)
	}
}

// exitFor maps a JobNotFoundError (and any other orchestrator error) to exit
// code 1; nil to 0.
func exitFor(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func printRunLog(ctx context.Context, log *runlog.Log, target string, limit int) error {
	rows, err := log.Recent(ctx, target, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("no run-log rows for %q\n", target)
		return nil
	}
	for _, r := range rows {
		if r.ExcType == "" {
			fmt.Printf("%s  success=%s  duration=%s\n", r.LogTime.Format(time.RFC3339), r.Success.Format(time.RFC3339), r.Duration)
			continue
		}
		fmt.Printf("%s  FAILED  duration=%s  %s: %s\n", r.LogTime.Format(time.RFC3339), r.Duration, r.ExcType, r.ExcValue)
	}
	return nil
}

// serveIntrospection blocks serving the read-only HTTP surface until ctx is
// canceled or the listener fails.
func serveIntrospection(ctx context.Context, log *slog.Logger, orch *orchestrator.Orchestrator, addr, basePath string) error {
	router := server.NewRouter(orch, basePath)
	log.Info("serving read-only introspection", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: router.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runDaemon runs RunAll on a ticker until ctx is canceled.
func runDaemon(ctx context.Context, orch *orchestrator.Orchestrator, log *slog.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := orch.RunAll(ctx); err != nil {
			log.Error("daemon RunAll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func startRecurring(log *slog.Logger, reg *registry.Registry, cfg *config.Config) {
	if len(cfg.Recurring) == 0 {
		return
	}
	sched := recurring.New(log)
	for _, rc := range cfg.Recurring {
		invoker, err := reg.Build(rc.ClassIdentity, rc.Config)
		if err != nil {
			log.Error("recurring trigger misconfigured, skipping", "name", rc.Name, "error", err)
			continue
		}
		if err := sched.Add(recurring.Trigger{Name: rc.Name, Schedule: rc.Schedule, Invoker: invoker}); err != nil {
			log.Error("recurring trigger schedule invalid, skipping", "name", rc.Name, "error", err)
			continue
		}
	}
	sched.Start()
}

func serveMetrics(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()
}
