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

	"github.com/savegress/complycore/internal/api"
	"github.com/savegress/complycore/internal/config"
	"github.com/savegress/complycore/internal/storage"
	"github.com/spf13/cobra"
)

type configLoader func() (*config.Config, error)

func serveCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic deadline monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(); err != nil {
				return err
			}
			defer a.Stop()

			server := api.NewServer(a.orchestrator, a.monitor, a.metrics, cfg.Auth.JWTSecret, a.logger)
			httpServer := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:      server.Router(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 5 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				a.logger.Infow("API listening", "port", cfg.Server.Port)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.logger.Errorw("HTTP server error", "error", err)
					cancel()
				}
			}()

			go runDeadlineLoop(ctx, a)

			<-ctx.Done()
			a.logger.Infow("Shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Errorw("HTTP server shutdown error", "error", err)
			}
			return nil
		},
	}
}

func runDeadlineLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(a.cfg.Deadlines.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := a.monitor.RunAllTenants(ctx)
			if len(res.Errors) > 0 {
				a.logger.Warnw("Deadline scan finished with errors", "alerts", res.TotalAlerts, "errors", res.Errors)
			}
		}
	}
}

func batchCommand(load configLoader) *cobra.Command {
	var (
		tenantID string
		txIDs    []string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run batch compliance over a set of transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(); err != nil {
				return err
			}

			res := a.orchestrator.RunBatch(ctx, tenantID, txIDs)
			a.Stop()
			return printJSON(res)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant to run the batch for")
	cmd.Flags().StringSliceVar(&txIDs, "transactions", nil, "Comma-separated transaction ids")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("transactions")
	return cmd
}

func deadlinesCommand(load configLoader) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "deadlines",
		Short: "Scan outstanding TTR and SMR obligations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(); err != nil {
				return err
			}
			defer a.Stop()

			if tenantID == "" {
				return printJSON(a.monitor.RunAllTenants(ctx))
			}
			res, scanErr := a.monitor.CheckTenant(ctx, tenantID)
			if err := printJSON(res); err != nil {
				return err
			}
			return scanErr
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Only scan this tenant")
	return cmd
}

func migrateCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database url is required for migrate")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			pg, err := storage.NewPostgres(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns))
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "schema applied")
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
