package cli

import (
	"github.com/spf13/cobra"

	"github.com/villamira/availd/internal/config"
	"github.com/villamira/availd/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the availability server",
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
			return srv.Run(ctx)
		},
	}
}
