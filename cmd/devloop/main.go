// devloop drives an external code-generating agent through a
// propose-validate-test-retry loop until every task in a PRD reaches a
// terminal state.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"devloop/internal/config"
	"devloop/internal/logging"
)

var version = "0.3.0"

var (
	// Global flags
	flagConfig  string
	flagWorkDir string
	flagDebug   bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "devloop - autonomous development loop",
	Long: `devloop schedules tasks from a PRD, dispatches each one to an
external child agent over a unix-socket protocol, screens proposed
change-sets through a validation gate, runs the project's tests, and
retries failures with synthesized fix tasks until the retry budget is
exhausted.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environment wins over file values.
		_ = godotenv.Load()

		if flagWorkDir != "" {
			if err := os.Chdir(flagWorkDir); err != nil {
				return fmt.Errorf("failed to enter workdir %s: %w", flagWorkDir, err)
			}
		}

		var err error
		cfg, err = config.Resolve(flagConfig, ".devloop/config.yaml")
		if err != nil {
			return err
		}
		if flagDebug {
			cfg.Debug = true
		}
		return logging.Initialize(logging.Options{
			StateDir: cfg.StateDir,
			Debug:    cfg.Debug,
			Console:  cfg.Debug,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the devloop version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("devloop " + version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "extra config overlay (highest precedence)")
	rootCmd.PersistentFlags().StringVarP(&flagWorkDir, "workdir", "w", "", "working directory (default: current)")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, statusCmd, eventsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
