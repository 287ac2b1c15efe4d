package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/app"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
)

// Exit codes. Business outcomes of a run (no work, already running, rate limited,
// item failures) always exit 0. exitStoreBusy is returned by store commands when
// another process holds the store and no server accepts the request.
const (
	exitOK          = 0
	exitMisconfig   = 1
	exitStrictError = 2
	exitStoreBusy   = 3
)

var (
	// Command-line flags
	configFiles []string
	logLevel    string

	// Global state, set by loadConfig
	config *common.Config
	logger arbor.ILogger
)

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func misconfigured(err error) error {
	return &exitError{code: exitMisconfig, err: err}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "revisor",
		Short:   "Rate-limited batch enrichment of vehicle maintenance articles",
		Version: common.GetFullVersion(),
		Long: `Revisor drains queues of article work items through content-generation pipelines.
Each invocation takes a per-pipeline run lock, checks the hourly call budget, selects
items batch first and records daily stats. Run it from cron or start the built-in
scheduler with "revisor serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return loadConfig(cmd)
		},
	}

	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func main() {
	os.Exit(execute(newRootCmd()))
}

func execute(rootCmd *cobra.Command) int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitMisconfig
}

// loadConfig runs the startup sequence:
// .env -> defaults -> file1 -> file2 -> ... -> env -> CLI flags, then logger
func loadConfig(cmd *cobra.Command) error {
	paths := configFiles
	if len(paths) == 0 {
		if _, err := os.Stat("revisor.toml"); err == nil {
			paths = append(paths, "revisor.toml")
		} else if _, err := os.Stat("deployments/local/revisor.toml"); err == nil {
			paths = append(paths, "deployments/local/revisor.toml")
		}
	}

	if _, err := common.LoadEnvFile(".env", common.GetLogger()); err != nil {
		return misconfigured(err)
	}

	cfg, err := common.LoadFromFiles(paths...)
	if err != nil {
		return misconfigured(err)
	}

	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	common.ApplyFlagOverrides(cfg, port, host, logLevel)

	if err := cfg.Validate(); err != nil {
		return misconfigured(fmt.Errorf("invalid configuration: %w", err))
	}

	config = cfg
	logger = common.InitLogger(cfg)

	logger.Debug().
		Strs("config_files", paths).
		Str("badger_path", cfg.Storage.Badger.Path).
		Str("log_level", cfg.Logging.Level).
		Str("rate_scope", cfg.RateLimit.Scope).
		Msg("Resolved configuration")
	return nil
}

// newApp builds the application. Store-only commands pass app.WithoutGeneration().
func newApp(opts ...app.Option) (*app.App, error) {
	application, err := app.New(config, logger, opts...)
	if errors.Is(err, interfaces.ErrStoreBusy) {
		return nil, &exitError{code: exitStoreBusy, err: err}
	}
	if err != nil {
		return nil, misconfigured(err)
	}
	return application, nil
}
