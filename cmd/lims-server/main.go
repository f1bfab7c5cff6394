package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/report"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Laboratory information management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(numberCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LIMS API server and outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg.Env))
		},
	}
}

// openPool loads configuration and connects, for the one-shot commands.
func openPool(ctx context.Context) (*config.Config, *db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")
			ctx := context.Background()
			_, migrator, closePool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, to)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, migrator, closePool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

// numberCmd reserves report numbers for reports issued outside the API,
// such as paper amendments, so the register stays gap-free.
func numberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "number",
		Short: "Manage report numbers",
	}
	reserveCmd := &cobra.Command{
		Use:   "reserve",
		Short: "Allocate the next report number for a prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			ctx := context.Background()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if prefix == "" {
				prefix = cfg.ReportNumberPrefix
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			var no string
			err = db.NewTxManager(pool).InTx(ctx, func(ctx context.Context) error {
				var err error
				no, err = report.NewPGAllocator(pool).Next(ctx, prefix)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Println(no)
			return nil
		},
	}
	reserveCmd.Flags().String("prefix", "", "Report number prefix (defaults to REPORT_NUMBER_PREFIX)")
	cmd.AddCommand(reserveCmd)
	return cmd
}
