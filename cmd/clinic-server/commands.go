package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/medicore/clinic/internal/config"
	"github.com/medicore/clinic/internal/domain/billing"
	"github.com/medicore/clinic/internal/domain/revenue"
	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/internal/platform/logging"
)

// openPool loads config and connects for the one-shot commands.
func openPool(ctx context.Context, command string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: 2,
		AppName:  serviceName + "-" + command,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := openPool(ctx, "migrate")
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := openPool(ctx, "migrate")
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Maintain the monthly revenue ledger",
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair ledger months from approved invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			year, _ := cmd.Flags().GetInt("year")
			month, _ := cmd.Flags().GetInt("month")
			clinicFlag, _ := cmd.Flags().GetString("clinic")

			now := time.Now().UTC()
			if year == 0 {
				year = now.Year()
			}
			if month == 0 {
				month = int(now.Month())
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx, "ledger")
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := logging.New(logging.Options{Service: serviceName, Env: cfg.Env, Level: cfg.LogLevel})
			svc := revenue.NewService(revenue.NewRepoPG(pool), db.NewTransactor(pool), logger)
			svc.SetInvoiceSource(billing.NewInvoiceRepoPG(pool))

			var reports []*revenue.Report
			if clinicFlag != "" {
				clinicID, err := uuid.Parse(clinicFlag)
				if err != nil {
					return fmt.Errorf("--clinic: %w", err)
				}
				report, err := svc.Reconcile(ctx, clinicID, year, month)
				if err != nil {
					return err
				}
				reports = append(reports, report)
			} else {
				reports, err = svc.ReconcileAll(ctx, year, month)
			}

			fmt.Printf("Reconciliation for %s\n", revenue.MonthLabel(year, month))
			fmt.Printf("%-36s %-8s %s\n", "CLINIC", "CHECKED", "ADJUSTMENTS")
			for _, r := range reports {
				fmt.Printf("%-36s %-8d %d\n", r.ClinicID, r.Checked, len(r.Adjustments))
			}
			return err
		},
	}
	reconcileCmd.Flags().Int("year", 0, "Ledger year (defaults to the current UTC year)")
	reconcileCmd.Flags().Int("month", 0, "Ledger month 1-12 (defaults to the current UTC month)")
	reconcileCmd.Flags().String("clinic", "", "Reconcile a single clinic id")
	cmd.AddCommand(reconcileCmd)

	return cmd
}
