package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"photo-restore-backend/internal/config"
	"photo-restore-backend/internal/database"
	"photo-restore-backend/internal/fulfillment"
	"photo-restore-backend/internal/handlers"
	"photo-restore-backend/internal/middleware"
)

func newServeCommand() *cobra.Command {
	var (
		migrate   bool
		noWorkers bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrate && cfg.DatabaseURL != "" {
				if err := runMigrations(ctx, cfg.DatabaseURL); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := newRouter(a)
			if err != nil {
				return err
			}

			if !noWorkers {
				workers := a.workers()
				workers.Start(ctx)
				defer workers.Stop()
			}

			port := cfg.Port
			if port == "" {
				port = "8080"
			}
			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Printf("Server starting on port %s", port)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to start server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Println("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve HTTP only; another process runs the workers")
	return cmd
}

func newRouter(a *app) (*gin.Engine, error) {
	if a.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	webhookHandler, err := a.webhookHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to configure provider webhook: %w", err)
	}
	checkoutVerifier := fulfillment.NewSignatureVerifier(a.cfg.StripeWebhookSecret, a.cfg.WebhookTolerance)
	checkoutHandler := handlers.NewCheckoutHandler(checkoutVerifier, a.checkout)
	statusHandler := handlers.NewStatusHandler(a.store, a.reconciler)
	adminHandler := handlers.NewAdminHandler(a.reconciler, a.dispatcher, a.relay)
	healthHandler := handlers.NewHealthHandler(a.pinger())

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Health check (no auth)
	router.GET("/health", healthHandler.Health)

	api := router.Group("/api/v1")

	// Webhooks (no auth, signed)
	api.POST("/webhooks/replicate", webhookHandler.ReplicateWebhook)
	if a.cfg.StripeWebhookSecret != "" {
		api.POST("/webhooks/checkout", checkoutHandler.CheckoutWebhook)
	} else {
		log.Println("Warning: STRIPE_WEBHOOK_SECRET not set. Checkout webhook is disabled.")
	}

	// Status page poller (order ids are unguessable)
	api.GET("/orders/:order_id/status", statusHandler.OrderStatus)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminAuth(a.cfg.AdminJWTSecret))
	admin.POST("/orders/:order_id/reconcile", adminHandler.ReconcileOrder)
	admin.POST("/jobs/:job_id/retry", adminHandler.RetryJob)
	admin.POST("/outbox/flush", adminHandler.FlushOutbox)

	return router, nil
}

func newMigrateCommand() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				names, err := database.Migrations()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			return runMigrations(cmd.Context(), cfg.DatabaseURL)
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "print the embedded migrations and exit")
	return cmd
}

func runMigrations(ctx context.Context, dbURL string) error {
	db, err := database.Open(ctx, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := database.NewMigrator(db).Run(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if applied > 0 {
		log.Printf("Migrations completed successfully (%d applied)", applied)
	}
	return nil
}

func newReconcileCommand() *cobra.Command {
	var dispatch bool

	cmd := &cobra.Command{
		Use:   "reconcile [order_id]",
		Short: "Run one reconciliation pass for an order, or for every active job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				orderID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid order id: %w", err)
				}
				result, eval, err := a.reconciler.PollOrder(ctx, orderID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s: checked=%d changed=%d status=%s terminal=%t\n",
					orderID, result.Checked, result.Changed, eval.Status, eval.Terminal)
				return nil
			}

			if dispatch {
				dr, err := a.dispatcher.DispatchPending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dispatch: claimed=%d submitted=%d rescheduled=%d failed=%d\n",
					dr.Claimed, dr.Submitted, dr.Rescheduled, dr.Failed)
			}

			result, err := a.reconciler.PollActive(ctx)
			if err != nil {
				return err
			}
			finished, err := a.reconciler.SweepOrders(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "poll: checked=%d changed=%d reclaimed=%d errors=%d orders_finished=%d\n",
				result.Checked, result.Changed, result.Reclaimed, result.Errors, finished)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "submit due pending jobs before polling")
	return cmd
}

func newOutboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Notification outbox maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Deliver every due notification once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.relay.Flush(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "outbox: released=%d claimed=%d sent=%d unconfirmed=%d rescheduled=%d failed=%d\n",
				result.Released, result.Claimed, result.Sent, result.Unconfirmed, result.Rescheduled, result.Failed)
			return nil
		},
	})

	return cmd
}
