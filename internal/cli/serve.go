package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/chartgpu/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the diagnostics API and Prometheus metrics",
		Long: `Initialize the renderer and serve its status, compatibility report,
recovery history and diagnostics under /api/v1, with Prometheus metrics on
/metrics. The OpenAPI description is at /openapi.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Listen
			}
			m, err := a.manager()
			if err != nil {
				return err
			}
			defer a.cleanup(m)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if res, err := m.Initialize(ctx); err != nil {
				// The API stays useful for inspecting why.
				a.logger.Warn("initialize failed", "error", err)
			} else {
				a.logger.Info("initialized", "backend", res.Backend, "state", res.State)
			}

			srv := &http.Server{
				Addr:              listen,
				Handler:           server.New(m, a.logger),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("listening", "addr", listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config)")
	return cmd
}
