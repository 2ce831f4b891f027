package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/spf13/cobra"

	fiberadapter "github.com/lborres/tether/adapters/fiber"
	"github.com/lborres/tether/internal/app"
	"github.com/lborres/tether/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

func (rt *runtime) serveCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session over HTTP for a local front-end",
		Long: `serve exposes the session operations under the configured base path,
Prometheus metrics on the metrics path and a liveness probe on /healthz.

The process keeps the session and its backend token; browsers talk to it
instead of holding credentials themselves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			web := fiber.New(fiber.Config{AppName: "tether"})

			a, _, err := rt.session(cmd, app.Options{HTTP: fiberadapter.New(web)})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.KeepSessionFresh(cmd.Context()) {
				a.Logger.Debug("background session refresh enabled")
			}

			web.Get(a.Config.Server.MetricsPath, adaptor.HTTPHandler(metrics.Handler(a.Registry)))
			web.Get("/healthz", func(c fiber.Ctx) error {
				return c.JSON(fiber.Map{"status": "ok", "phase": a.Tether.State().Phase})
			})

			if addr == "" {
				addr = a.Config.Server.Addr
			}
			ln, err := rt.listen(addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
			return serve(cmd.Context(), web, ln, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

// serve runs until ctx is cancelled, then drains in-flight requests
func serve(ctx context.Context, web *fiber.App, ln net.Listener, out io.Writer) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	fmt.Fprintf(out, "Serving session on http://%s\n", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := web.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
