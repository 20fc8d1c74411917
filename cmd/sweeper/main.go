// Command sweeper runs the scheduled lending jobs and the stored-state audit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"campuslib/internal/audit"
	"campuslib/internal/clients"
	"campuslib/internal/config"
	"campuslib/internal/lending"
	"campuslib/internal/storage/postgres"
	"campuslib/internal/telemetry"
)

const defaultReminderWindow = 48 * time.Hour

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{logger: logger}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		logger.Error("sweeper failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	logger   *slog.Logger
	cfg      config.Config
	svc      lending.Service
	auditor  *audit.Auditor
	cleanups []func()
	within   time.Duration
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "sweeper",
		Short:         "Run scheduled lending maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().DurationVar(&a.within, "remind-within", defaultReminderWindow, "due-date reminder window")

	root.AddCommand(
		&cobra.Command{
			Use:   "fines",
			Short: "Assess overdue fines for every active loan",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := a.svc.SweepOverdue(cmd.Context())
				return err
			},
		},
		&cobra.Command{
			Use:   "reservations",
			Short: "Expire reservations past their hold window",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := a.svc.ExpireStale(cmd.Context())
				return err
			},
		},
		&cobra.Command{
			Use:   "reminders",
			Short: "Remind borrowers of loans falling due soon",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := a.sendReminders(cmd.Context())
				return err
			},
		},
		&cobra.Command{
			Use:   "all",
			Short: "Run every sweep once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.runAll(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "audit",
			Short: "Check stored lending state against its invariants",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.audit(cmd.Context())
			},
		},
		a.newRunCmd(),
	)
	return root
}

func (a *app) newRunCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every sweep on a fixed interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				interval = a.cfg.SweepInterval
			}
			return a.loop(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between sweeps (defaults to SWEEP_INTERVAL)")
	return cmd
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	shutdownTracing, err := telemetry.Setup(ctx, "campuslib-sweeper", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	a.cleanups = append(a.cleanups, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	})

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.cleanups = append(a.cleanups, func() { db.Close() })

	opts := []lending.Option{lending.WithPolicy(cfg.Policy()), lending.WithLogger(a.logger)}
	if cfg.NotificationServiceURL != "" {
		opts = append(opts, lending.WithNotifier(clients.NewNotificationClient(cfg.NotificationServiceURL, a.logger)))
	}
	a.svc = lending.NewService(postgres.NewRepository(db), opts...)
	a.auditor = audit.NewAuditor(audit.LendingChecks(db)...)
	return nil
}

func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func (a *app) sendReminders(ctx context.Context) (lending.SweepReport, error) {
	report, err := a.svc.SendDueReminders(ctx, a.within)
	if err != nil {
		return report, err
	}
	a.logger.Info("due reminders sent", "processed", report.Processed, "failed", report.Failed)
	return report, nil
}

func (a *app) audit(ctx context.Context) error {
	report := a.auditor.Run(ctx)
	for _, v := range report.Violations {
		a.logger.Error("lending invariant violated",
			"check", v.Check,
			"expected", v.Expected,
			"actual", v.Actual,
			"error", v.Error,
		)
	}
	if !report.Healthy() {
		return fmt.Errorf("audit found %d violation(s) in %d checks", len(report.Violations), report.Checks)
	}
	a.logger.Info("audit passed", "checks", report.Checks)
	return nil
}

// runAll runs every sweep even when an earlier one fails and returns the first error.
func (a *app) runAll(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil {
			a.logger.Error("sweep failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	_, err := a.svc.ExpireStale(ctx)
	keep(err)
	_, err = a.svc.SweepOverdue(ctx)
	keep(err)
	_, err = a.sendReminders(ctx)
	keep(err)
	return firstErr
}

func (a *app) loop(ctx context.Context, interval time.Duration) error {
	a.logger.Info("sweeper started", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = a.runAll(ctx)
		select {
		case <-ctx.Done():
			a.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
