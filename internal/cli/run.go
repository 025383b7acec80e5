package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lanlift/lanlift/internal/agent"
	"github.com/lanlift/lanlift/internal/constants"
	"github.com/lanlift/lanlift/internal/events"
	"github.com/lanlift/lanlift/internal/store"
	"github.com/lanlift/lanlift/internal/ws"
)

// newRunCmd creates the long-running agent command: WebSocket control
// surface plus the job supervisor, serving until SIGINT/SIGTERM.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent with the WebSocket control surface",
		Long: `Runs the agent as a long-lived process. The browser extension (or any
local client) connects to ws://localhost:<ws-port> to start, pause, resume
and cancel uploads and to receive progress frames.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.StateDir, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			bus := events.NewBus(constants.EventBusDefaultBuffer)
			defer bus.Close()

			supervisor := agent.New(cfg, st, bus, logger)
			supervisor.CleanupExpired()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := ws.NewServer(cfg, bus, supervisor, logger)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Run(ctx) }()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
				supervisor.Cancel()
				return <-errCh
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().IntVar(&wsPort, "ws-port", 0, "WebSocket listen port (default 8765)")
	return cmd
}
