// Package commands provides the CLI commands for chatbridge.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "chatbridge - messaging sessions answered by an LLM",
	Long: `chatbridge keeps chat-transport sessions connected on behalf of their
owners and answers every inbound message with a generated reply.

Run 'chatbridge serve' to start the HTTP API.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human-readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Working directory holding .env and chatbridge.json")

	rootCmd.SetVersionTemplate(fmt.Sprintf("chatbridge %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(providersCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// initLogging configures the global logger from the persistent flags.
func initLogging(paths *config.Paths) {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(logLevel)
	cfg.Pretty = printLogs
	cfg.LogToFile = true
	cfg.LogDir = paths.LogPath()
	logging.Init(cfg)
}
