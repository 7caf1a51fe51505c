package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sealchat/internal/health"
	"sealchat/internal/metrics"
	"sealchat/internal/relay"
)

func relayCmd(a *app) *cobra.Command {
	var (
		addr        string
		maxSessions int
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay server",
		Long: `Run the relay that routes migration, key share and room key copy messages
between sessions. It keeps messages in memory only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Relay.ListenAddr
			}
			log := a.logger.Component("relay")
			hub := relay.NewHub(relay.WithHubLogger(log), relay.WithHubMetrics(a.metrics))
			checker := relayHealth(hub, maxSessions)

			mux := http.NewServeMux()
			mux.Handle("/", hub.Handler())
			mux.Handle("/healthz", checker.Handler())
			mux.Handle("/readyz", checker.Handler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			a.watchConfig(ctx)
			g.Go(func() error {
				log.Info("relay listening", "addr", addr)
				checker.SetReady(true)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				checker.SetReady(false)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if a.metrics != nil {
				g.Go(func() error { return metrics.Serve(ctx, a.cfg.Metrics.Addr, a.metrics) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (default relay.listen_addr)")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 10000, "attached sessions above which /healthz reports degraded (0 disables)")
	return cmd
}

func relayHealth(hub *relay.Hub, maxSessions int) *health.Checker {
	c := health.NewChecker()
	c.Register("sessions", false, health.ThresholdCheck("sessions", maxSessions, func() int {
		return hub.Stats().Sessions
	}))
	c.Register("hub", true, func(context.Context) health.CheckResult {
		st := hub.Stats()
		return health.CheckResult{
			Status: health.StatusHealthy,
			Details: map[string]any{
				"users":      st.Users,
				"copies":     st.Copies,
				"migrations": st.Migrations,
			},
		}
	})
	return c
}
