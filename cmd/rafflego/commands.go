package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirinyoku/raffle-go/internal/app"
	"github.com/kirinyoku/raffle-go/internal/config"
	"github.com/kirinyoku/raffle-go/internal/postgres"
	postgresrepo "github.com/kirinyoku/raffle-go/internal/repository/postgres"
	"github.com/kirinyoku/raffle-go/internal/service/expiry"
	"github.com/kirinyoku/raffle-go/migrations"
	"github.com/spf13/cobra"
)

func serveCmd(logger *slog.Logger) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if migrate {
				if err := runMigrations(cmd.Context(), cfg, logger); err != nil {
					return err
				}
			}

			application, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			if err := application.Run(cmd.Context()); err != nil {
				return fmt.Errorf("application finished with error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")

	return cmd
}

func migrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runMigrations(cmd.Context(), cfg, logger)
		},
	}
}

func runMigrations(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN()})
	if err != nil {
		return fmt.Errorf("failed to initialize postgres: %w", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}

	logger.Info("migrations applied")
	return nil
}

func sweepCmd(logger *slog.Logger) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release every lapsed hold once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			application, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			defer application.Close()

			n, err := application.Sweep(cmd.Context(), limit)
			if err != nil {
				return err
			}

			logger.Info("sweep finished", slog.Int("groups", n))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", expiry.DefaultSweepLimit, "maximum hold groups to expire")

	return cmd
}

func seedCmd(logger *slog.Logger) *cobra.Command {
	var (
		title      string
		priceCents int64
		minNumber  int
		maxNumber  int
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a raffle with every number available",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title is required")
			}
			if priceCents <= 0 || minNumber < 0 || maxNumber < minNumber {
				return fmt.Errorf("invalid raffle: price %d, numbers %d..%d", priceCents, minNumber, maxNumber)
			}

			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx := cmd.Context()

			pool, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN()})
			if err != nil {
				return fmt.Errorf("failed to initialize postgres: %w", err)
			}
			defer pool.Close()

			store := postgresrepo.NewStore(pool)

			var id int64
			err = store.RunTx(ctx, func(ctx context.Context) error {
				id, err = store.Raffles().Create(ctx, title, priceCents, minNumber, maxNumber)
				return err
			})
			if err != nil {
				return err
			}

			logger.Info("raffle created",
				slog.Int64("raffle_id", id),
				slog.String("title", title),
				slog.Int("numbers", maxNumber-minNumber+1),
			)
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "raffle title")
	cmd.Flags().Int64Var(&priceCents, "price-cents", 1000, "ticket price in cents")
	cmd.Flags().IntVar(&minNumber, "min", 0, "lowest ticket number")
	cmd.Flags().IntVar(&maxNumber, "max", 99, "highest ticket number")

	return cmd
}
