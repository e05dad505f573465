// @title           Photo Restoration Fulfillment API
// @version         1.0.0
// @description     Turns paid checkouts into restoration jobs, reconciles provider results from webhooks and polling, and notifies customers when their order is done.

// @contact.name   API Support
// @contact.email  support@example.com

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and an admin JWT.

package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "photo-restore",
		Short:        "Photo restoration fulfillment backend",
		Long:         "Runs the restoration API and workers, applies migrations and performs one-off reconciliation passes.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newReconcileCommand())
	cmd.AddCommand(newOutboxCommand())

	return cmd
}
