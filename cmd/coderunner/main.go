// Command coderunner runs code snippets in sandboxes and streams their output.
//
// The same binary is the API server, a standalone worker, a client for a
// running server, and a one-off local executor:
//
//	coderunner serve
//	coderunner worker
//	coderunner run hello.py
//	coderunner exec hello.py
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/config"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "coderunner",
	Short: "coderunner - sandboxed code execution with live output",
	Long: `coderunner accepts code snippets over HTTP, runs them in isolated Docker
sandboxes with a hard deadline, and streams stdout, stderr and the exit code
back to the caller over Server-Sent Events or WebSocket.

Configuration comes from coderunner.yaml, .env files and CODERUNNER_* variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./coderunner.yaml or $HOME/.coderunner/coderunner.yaml)")
}

// exitCodeError makes the process exit with the code of the executed program.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("program exited with code %d", e.code)
}

// loadConfig reads and validates the configuration and builds the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
