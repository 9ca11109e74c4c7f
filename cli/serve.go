package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/warp/payroll-engine/api"
)

// newServeCommand starts the HTTP API and the scheduler.
//
// GRACEFUL SHUTDOWN:
//
//	On SIGINT/SIGTERM:
//	1. Stop the scheduler (waits for the current pass)
//	2. Stop accepting new connections, drain active requests
//	3. Wait for asynchronous jobs, close the store
func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the pay-period scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			log := opts.log
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}

			handler := api.NewHandler(a.service, a.store)
			handler.Logger = log.With().Str("component", "api").Logger()

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			serveErr := make(chan error, 1)
			go func() {
				log.Info().Int("port", cfg.Server.Port).Msg("server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()
			sched.Start()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case <-quit:
			case err := <-serveErr:
				sched.Stop()
				return fmt.Errorf("server failed: %w", err)
			}

			log.Info().Msg("shutting down server")
			sched.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			log.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP server port (overrides server.port)")
	return cmd
}
