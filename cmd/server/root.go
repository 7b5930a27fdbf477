package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rl1809/stall-market/internal/adapter/handler"
	"github.com/rl1809/stall-market/internal/adapter/storage"
	"github.com/rl1809/stall-market/internal/config"
	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/telemetry"
)

const serviceName = "stall-market"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "stall-market",
		Short:         "Player-run market stalls with rent billing",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newBillCmd(opts),
		newTokenCmd(opts),
		newStallCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (config.Config, *log.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log.New(os.Stderr, "", log.LstdFlags), nil
}

// withApp wires the application, runs fn, and closes every connection.
func (o *rootOptions) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown: %v", err)
		}
	}()

	a, err := wireApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create any missing tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Println("schema is up to date")
			return nil
		},
	}
}

func newBillCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bill",
		Short: "Run one rent billing pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report, err := a.engine.RunOnce(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Evaluated: %d\n", report.Evaluated)
				for outcome, n := range report.Outcomes {
					fmt.Fprintf(out, "  %-15s %d\n", outcome, n)
				}
				fmt.Fprintf(out, "Failed:    %d\n", report.Failed)
				return nil
			})
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <persona>",
		Short: "Issue an access token for a persona",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("MARKET_JWT_SECRET is not set")
			}
			token, err := handler.NewAuthenticator(cfg.JWTSecret).Issue(domain.PersonaID(args[0]), name, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newStallCmd(opts *rootOptions) *cobra.Command {
	var stall domain.Stall
	cmd := &cobra.Command{
		Use:   "stall-add <id>",
		Short: "Create a vacant stall",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			stall.ID = args[0]
			stall.UpdatedAt = time.Now().UTC()
			if stall.Name == "" {
				stall.Name = stall.ID
			}
			if err := storage.NewSQLStore(db).CreateStall(cmd.Context(), stall); err != nil {
				return err
			}
			logger.Printf("created stall %s (rent %d)", stall.ID, stall.DailyRent)
			return nil
		},
	}
	cmd.Flags().StringVar(&stall.Name, "name", "", "stall display name")
	cmd.Flags().StringVar(&stall.AreaKey, "area", "", "world area the stall sits in")
	cmd.Flags().StringVar(&stall.Tag, "tag", "", "free-form stall tag")
	cmd.Flags().StringVar(&stall.SettlementID, "settlement", "", "settlement whose accounts may fund rent")
	cmd.Flags().Int64Var(&stall.DailyRent, "rent", 100, "rent charged per interval")
	return cmd
}
