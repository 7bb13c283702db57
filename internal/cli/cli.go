// Package cli builds the tickflow command tree.
package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tickflow/internal/api"
	"tickflow/internal/config"
	"tickflow/internal/logging"
)

type root struct {
	configFile string
	cfg        config.Config
}

func BuildCLI() *cobra.Command {
	r := &root{}
	cmd := &cobra.Command{
		Use:           "tickflow",
		Short:         "Recurring schedule engine",
		Long:          "tickflow fires recurring and one-off schedules exactly once per slot, across any number of worker processes sharing one database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(r.configFile)
			if err != nil {
				return err
			}
			r.cfg = cfg
			return logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
		},
	}
	cmd.PersistentFlags().StringVarP(&r.configFile, "config", "c", "tickflow.yaml", "config file path")

	cmd.AddCommand(
		r.serveCommand(),
		r.tickCommand(),
		r.scheduleCommand(),
		r.runsCommand(),
		r.nextCommand(),
		r.configCommand(),
	)
	return cmd
}

func (r *root) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger loop and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, r.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              r.cfg.HTTP.Addr,
				Handler:           api.NewServer(a.svc, api.Options{Metrics: a.metrics.Handler(), EnableDebug: r.cfg.HTTP.Pprof}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 2)
			go func() {
				log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()
			go func() { errc <- a.svc.Start(ctx) }()

			select {
			case <-ctx.Done():
			case err = <-errc:
				stop()
			}
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return err
		},
	}
}

func (r *root) tickCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single dispatcher tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), r.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.svc.TickOnce(cmd.Context(), time.Now(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum schedules to process (0 uses the configured limit)")
	return cmd
}

func (r *root) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.cfg.Encode(cmd.OutOrStdout())
		},
	}
}
