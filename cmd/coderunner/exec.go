package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/sandbox/docker"
)

var (
	execLanguageFlag string
	execTimeoutFlag  time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec <file>",
	Short: "Execute a file once in a local Docker sandbox",
	Long: `Execute a source file directly through the local Docker daemon, without a
server, and print the result. Useful to check the sandbox image.

Examples:
  coderunner exec hello.py
  coderunner exec main.ts --timeout 1m`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execLanguageFlag, "lang", "", "Language ("+strings.Join(executor.SupportedLanguages(), ", ")+")")
	execCmd.Flags().DurationVar(&execTimeoutFlag, "timeout", 0, "Execution timeout (config default when unset)")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := requestFromFile(args[0], execLanguageFlag, execTimeoutFlag)
	if err != nil {
		return err
	}

	// One run needs no pre-warmed containers.
	dc := dockerConfig(cfg)
	dc.PoolSize = 0
	rt, err := docker.New(dc, logger)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer closeQuietly(logger, "docker runtime", rt.Close)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := executor.NewAdapter(rt, adapterConfig(cfg), logger)
	result := adapter.Execute(ctx, req)

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if result.Stdout != nil {
		fmt.Fprint(out, *result.Stdout)
	}
	if result.Stderr != nil {
		fmt.Fprint(errOut, *result.Stderr)
	}
	if result.Error != "" {
		fmt.Fprintf(errOut, "==> %s: %s\n", result.Status, result.Error)
	}

	if result.ExitCode != nil && *result.ExitCode != 0 {
		return &exitCodeError{code: *result.ExitCode}
	}
	if result.Status != executor.StatusCompleted {
		return fmt.Errorf("execution %s", result.Status)
	}
	return nil
}
