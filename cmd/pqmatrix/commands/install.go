package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pqmatrix/pqmatrix/pkg/audit"
	"github.com/pqmatrix/pqmatrix/pkg/phases"
	"github.com/pqmatrix/pqmatrix/pkg/runner"
	"github.com/pqmatrix/pqmatrix/pkg/stores"
	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

func newInstallCommand() *cobra.Command {
	var (
		optimizationLevel string
		skipPhases        []string
		onlyPhase         string
		metricsListen     string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run the installation phases",
		Long: `Run the installation from start to finish.

The host is profiled first and the requested optimization level is
reconciled against what the hardware actually supports; the installer
downgrades, never upgrades. Required phases abort the run on failure,
optional phases log and continue.`,
		Example: `  # Full installation, prompting for anything missing
  pqmatrix install

  # Force the low resource tier and skip backups
  pqmatrix install --optimization-level low --skip-phases backup

  # Re-run a single phase
  pqmatrix install --only-phase network`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			return runInstall(cmd.Context(), app, installOptions{
				requestedLevel: optimizationLevel,
				skipPhases:     skipPhases,
				onlyPhase:      onlyPhase,
				metricsListen:  metricsListen,
			})
		},
	}

	cmd.Flags().StringVarP(&optimizationLevel, "optimization-level", "o", "", "resource tier: low, standard, or high (default: detected)")
	cmd.Flags().StringSliceVar(&skipPhases, "skip-phases", nil, "comma-separated phase names to skip")
	cmd.Flags().StringVar(&onlyPhase, "only-phase", "", "run exactly one phase by name")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the run")

	return cmd
}

// timeRounding trims sub-millisecond noise from printed durations.
const timeRounding = 10 * time.Millisecond

type installOptions struct {
	requestedLevel string
	skipPhases     []string
	onlyPhase      string
	metricsListen  string
}

func runInstall(ctx context.Context, app *app, opts installOptions) error {
	// Collect missing configuration, or fail fast when prompting is off.
	if nonInteractive {
		if err := app.cfg.Validate(); err != nil {
			return err
		}
	} else {
		if err := app.cfg.PromptMissing(ctx); err != nil {
			return err
		}
		if err := app.cfg.Validate(); err != nil {
			return err
		}
	}

	// Profile the host and settle the effective optimization level.
	profiler := sysinfo.NewProfiler(app.stateDir, app.log)
	profile := profiler.Scan()
	detected := sysinfo.DetermineLevel(profile)

	// The requested level comes from the flag, then the persisted config,
	// then the standard default. Reconcile only ever downgrades it.
	requested := sysinfo.LevelStandard
	if opts.requestedLevel != "" {
		requested = sysinfo.Level(opts.requestedLevel)
		if err := requested.Validate(); err != nil {
			return phases.NewConfigError(err.Error(), nil)
		}
	} else if lvl := app.cfg.GetString("optimization_level", ""); lvl != "" {
		requested = sysinfo.Level(lvl)
		if err := requested.Validate(); err != nil {
			return phases.NewConfigError(fmt.Sprintf("persisted optimization_level is invalid: %v", err), nil)
		}
	}

	effective := sysinfo.Reconcile(requested, detected, app.log)
	if err := app.cfg.Set("optimization_level", string(effective)); err != nil {
		return phases.NewIOError("persisting optimization level", err)
	}
	tuning := sysinfo.DeriveTuning(profile, effective)
	app.log.Infof("Effective optimization level: %s", effective)

	// Run history store; a broken store degrades to logging only.
	store := openStore(ctx, app)
	if store != nil {
		defer store.Close()
	}

	trail := audit.New(app.stateDir, app.log)
	if store != nil {
		trail = trail.WithMirror(func(e audit.Entry) {
			entry := &stores.AuditEntry{Actor: e.Actor, Outcome: string(e.Outcome), Message: e.Message, Timestamp: e.Timestamp}
			if err := store.CreateAuditEntry(ctx, entry); err != nil {
				app.log.WithError(err).Debug("Audit mirror write failed")
			}
		})
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   opts.metricsListen != "",
		Namespace: "pqmatrix",
	})
	if err != nil {
		return err
	}
	if opts.metricsListen != "" {
		go serveMetrics(app.log, opts.metricsListen, metrics)
	}

	env := &phases.Env{
		Config:         app.cfg,
		Profile:        profile,
		Level:          effective,
		Tuning:         tuning,
		Log:            app.log,
		Runner:         runner.NewLocalRunner(app.log),
		Audit:          trail,
		StateDir:       app.stateDir,
		NonInteractive: nonInteractive,
	}

	orch, err := phases.NewOrchestrator(phases.Options{
		Phases:  phases.DefaultRegistry(),
		Env:     env,
		Log:     app.log,
		Metrics: metrics,
		Store:   store,
	})
	if err != nil {
		return err
	}

	var summary *phases.Summary
	if opts.onlyPhase != "" {
		summary, err = orch.RunSingle(ctx, opts.onlyPhase)
	} else {
		summary, err = orch.RunAll(ctx, opts.skipPhases)
	}
	printSummary(summary)
	return err
}

// openStore initializes the run history database. Failures are logged and
// tolerated; the installer does not depend on its own history.
func openStore(ctx context.Context, app *app) stores.Store {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(app.stateDir, "history.db"),
	})
	if err != nil {
		app.log.WithError(err).Warn("Run history unavailable")
		return nil
	}
	if err := store.Init(ctx); err != nil {
		app.log.WithError(err).Warn("Run history unavailable")
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		app.log.WithError(err).Warn("Run history unavailable")
		return nil
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		app.log.WithError(err).Warn("Run history unavailable")
		return nil
	}
	return store
}

func serveMetrics(log *telemetry.Logger, addr string, metrics *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("Metrics endpoint stopped")
	}
}

func printSummary(summary *phases.Summary) {
	if summary == nil || len(summary.Results) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATE\tDURATION")
	for _, r := range summary.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Phase, r.State, r.Duration.Round(timeRounding))
	}
	_ = w.Flush()

	if summary.Failed() {
		fmt.Printf("\nrun %s failed: %v\n", summary.RunID, summary.Err)
	} else {
		fmt.Printf("\nrun %s completed in %s\n", summary.RunID, summary.Duration.Round(timeRounding))
	}
}
