package cli

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lanlift/lanlift/internal/agent"
	"github.com/lanlift/lanlift/internal/constants"
	"github.com/lanlift/lanlift/internal/events"
	"github.com/lanlift/lanlift/internal/store"
)

// newUploadCmd creates the one-shot upload command with a terminal progress
// bar. Resumes automatically when state from an interrupted session matches.
func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a single file and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := args[0]

			info, err := os.Stat(filePath)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", filePath)
			}

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

			// Subscribe before Start so no frame is missed
			ch := bus.SubscribeAll()
			defer bus.UnsubscribeAll(ch)

			if err := supervisor.Start(filePath, ""); err != nil {
				return err
			}

			bar := progressbar.NewOptions64(info.Size(),
				progressbar.OptionSetDescription(info.Name()),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(cfg.ProgressInterval),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
			)

			return watchUpload(ch, bar)
		},
	}
	return cmd
}

// watchUpload consumes bus events until a terminal frame arrives. The exit
// code mirrors the terminal outcome.
func watchUpload(ch <-chan events.Event, bar *progressbar.ProgressBar) error {
	for event := range ch {
		switch e := event.(type) {
		case *events.ProgressEvent:
			bar.Set64(e.BytesTransferred)

		case *events.StatusEvent:
			switch e.Status {
			case "completed":
				bar.Finish()
				fmt.Println(e.Message)
				return nil
			case "cancelled":
				return fmt.Errorf("upload cancelled")
			case "failed":
				// The preceding error frame already carried the cause
			}

		case *events.ErrorEvent:
			if e.Code == agent.CodeUploadInProgress {
				continue
			}
			return fmt.Errorf("%s: %w", e.Code, e.Err)
		}
	}
	return fmt.Errorf("event stream closed before upload finished")
}
