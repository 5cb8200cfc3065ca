package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/client"
	"github.com/sakif/coderunner/internal/executor"
)

var (
	serverFlag   string
	languageFlag string
	timeoutFlag  time.Duration
	verboseFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a file on a coderunner server and stream its output",
	Long: `Submit a source file to a running server and print its output live.
The language is taken from the file extension unless --lang is given.
The command exits with the program's exit code.

Examples:
  coderunner run hello.py
  coderunner run script.sh --server http://runner:3001 --timeout 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&serverFlag, "server", "", "Server URL (overrides client.url)")
	runCmd.Flags().StringVar(&languageFlag, "lang", "", "Language ("+strings.Join(executor.SupportedLanguages(), ", ")+")")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Execution timeout (server default when unset)")
	runCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Print status changes to stderr")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := requestFromFile(args[0], languageFlag, timeoutFlag)
	if err != nil {
		return err
	}

	baseURL := cfg.Client.URL
	if serverFlag != "" {
		baseURL = serverFlag
	}
	c := client.New(strings.TrimRight(baseURL, "/") + cfg.Server.APIPrefix)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := c.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submitting %s: %w", args[0], err)
	}

	r := &renderer{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr(), verbose: verboseFlag}
	if err := c.Stream(ctx, id, r.handle); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return r.result()
}

// requestFromFile builds an execution request from a local source file.
func requestFromFile(path, language string, timeout time.Duration) (executor.ExecutionRequest, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return executor.ExecutionRequest{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if language == "" {
		language = executor.LanguageForFile(path)
	}
	if language == "" {
		return executor.ExecutionRequest{}, fmt.Errorf("cannot tell the language of %s, pass --lang (%s)",
			path, strings.Join(executor.SupportedLanguages(), ", "))
	}

	req := executor.ExecutionRequest{
		Code:     string(code),
		Language: language,
		Timeout:  timeout.Milliseconds(),
	}
	if err := req.Validate(); err != nil {
		return executor.ExecutionRequest{}, err
	}
	return req, nil
}
