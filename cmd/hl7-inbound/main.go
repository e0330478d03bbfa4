package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/hl7inbound/internal/config"
	"github.com/ehr/hl7inbound/internal/inbound"
	"github.com/ehr/hl7inbound/internal/platform/db"
	"github.com/ehr/hl7inbound/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "hl7-inbound",
		Short:        "HL7v2 inbound queue pipeline",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(sourceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads and validates config, wires the app and runs fn against it.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := connectDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := connectDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
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
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one processing cycle, or drain the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			drain, _ := cmd.Flags().GetBool("drain")
			return withApp(func(ctx context.Context, a *app) error {
				if drain {
					res, err := a.processor.RunDrain(ctx)
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				res, err := a.processor.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Bool("drain", false, "Repeat cycles until the queue is empty")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete archive entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			return withApp(func(ctx context.Context, a *app) error {
				if maxAge == 0 {
					maxAge = a.cfg.ArchiveMaxAge
				}
				if maxAge <= 0 {
					return fmt.Errorf("archive retention is disabled; pass --max-age")
				}
				n, err := a.sweeper.Sweep(ctx, maxAge)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d archive entr(ies) older than %s.\n", n, maxAge)
				return nil
			})
		},
	}
	cmd.Flags().Duration("max-age", 0, "Retention window (default HL7_ARCHIVE_MAX_AGE)")
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage archived messages",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Move archived payloads into HL7_ARCHIVE_DIR",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")
			return withApp(func(ctx context.Context, a *app) error {
				if a.exporter == nil {
					return fmt.Errorf("HL7_ARCHIVE_DIR is required for export")
				}
				res, err := a.exporter.Export(ctx, batch)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	exportCmd.Flags().Int("batch", 100, "Maximum entries to export")
	cmd.AddCommand(exportCmd)

	return cmd
}

func sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage feeder systems",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a feeder system",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			description, _ := cmd.Flags().GetString("description")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withApp(func(ctx context.Context, a *app) error {
				src := &inbound.Source{Name: name, Description: description}
				if err := a.service.CreateSource(ctx, src); err != nil {
					return err
				}
				return printJSON(src)
			})
		},
	}
	createCmd.Flags().String("name", "", "Source name")
	createCmd.Flags().String("description", "", "Free-text description")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List feeder systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sources, err := a.service.ListSources(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-36s %-30s %s\n", "ID", "NAME", "DESCRIPTION")
				for _, s := range sources {
					fmt.Printf("%-36s %-30s %s\n", s.ID, s.Name, s.Description)
				}
				return nil
			})
		},
	})

	return cmd
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := a.newServer()

	// Background workers
	if cfg.ProcessInterval > 0 {
		go a.processor.Run(ctx, cfg.ProcessInterval)
		logger.Info().Dur("interval", cfg.ProcessInterval).Msg("processor started")
	} else {
		logger.Info().Msg("processor schedule disabled; use POST /api/v1/hl7/process")
	}
	if cfg.ArchiveMaxAge > 0 {
		go a.sweeper.Run(ctx, cfg.SweepInterval, cfg.ArchiveMaxAge)
	}
	if a.pool != nil {
		go a.telemetry.WatchPool(ctx, a.pool, 15*time.Second)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
