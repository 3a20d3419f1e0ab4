// Package cli implements the availd command tree.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

// NewRootCmd builds the availd command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "availd",
		Short: "Availability cache and synchronization engine",
		Long: `availd sits between a booking site and its slow, rate-limited
property-management system. It deduplicates and batches availability
lookups, caches results across an in-memory query cache and a persistent
offline store, and pushes invalidation events to connected clients.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $AVAILD_CONFIG)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newResyncCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		return 1
	}
	return 0
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
