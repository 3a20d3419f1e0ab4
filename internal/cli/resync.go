package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/villamira/availd/internal/config"
	"github.com/villamira/availd/internal/server"
)

func newResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Refetch every stored availability lookup",
		Long: `Refetches all availability entries held in the offline store. Run
after downtime during which invalidation events may have been missed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			n, err := srv.Resync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d availability entries\n", n)
			return nil
		},
	}
}
