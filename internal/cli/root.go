// Package cli provides the command-line interface for the lanlift agent.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lanlift/lanlift/internal/config"
	"github.com/lanlift/lanlift/internal/constants"
	"github.com/lanlift/lanlift/internal/logging"
	"github.com/lanlift/lanlift/internal/version"
)

var (
	// Global flags
	backendURL  string
	stateDir    string
	partSizeMB  int64
	maxThreads  int
	noAutoScale bool
	wsPort      int
	verbose     bool
	debug       bool

	// Global logger
	logger *logging.Logger
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lanlift-agent",
		Short: "LanLift upload agent - resumable multipart uploads to object storage",
		Long: `LanLift agent ` + version.Version + ` - Built: ` + version.BuildTime + `
Uploads large local files to object storage through coordinator-minted
presigned URLs, with crash-safe resume and a local WebSocket control surface.

Agent mode (run):
  Long-running process serving the browser extension over WebSocket.

One-shot mode (upload):
  Upload a single file from the command line with a progress bar.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultLogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&backendURL, "backend-url", "", "Coordinator base URL (default "+constants.DefaultBackendURL+")")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory for the durable upload state (default: user cache dir)")
	rootCmd.PersistentFlags().Int64Var(&partSizeMB, "part-size-mb", 0, "Target part size in MiB (0 = default, auto-sized upward for huge files)")
	rootCmd.PersistentFlags().IntVar(&maxThreads, "max-threads", 0, "Maximum upload threads (0 = auto-detect)")
	rootCmd.PersistentFlags().BoolVar(&noAutoScale, "no-auto-scale", false, "Disable automatic thread scaling")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lanlift-agent %s (built %s)\n", version.Version, version.BuildTime)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// buildConfig assembles the effective configuration from defaults and flags.
func buildConfig() (config.Config, error) {
	cfg := config.Default()

	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	if partSizeMB > 0 {
		cfg.PartSize = partSizeMB << 20
	}
	if maxThreads > 0 {
		cfg.WorkersMax = maxThreads
		if cfg.WorkersMin > cfg.WorkersMax {
			cfg.WorkersMin = cfg.WorkersMax
		}
	}
	if noAutoScale {
		cfg.WorkersAuto = false
		if maxThreads > 0 {
			cfg.Workers = maxThreads
		}
	}
	if wsPort > 0 {
		cfg.WSPort = wsPort
	}

	if stateDir != "" {
		cfg.StateDir = stateDir
	} else {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			cacheDir = os.TempDir()
		}
		cfg.StateDir = filepath.Join(cacheDir, constants.StateDirName)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create state dir %s: %w", cfg.StateDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
