package cmd

import (
	"errors"
	"os"

	"tether/internal/config"
	"tether/internal/engine"
	"tether/pkg/logging"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates a sign-in is needed before the command can succeed.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authorization flow itself failed.
	ExitCodeAuthFailed = 3
)

var (
	configPath string
	logLevel   string
)

// rootCmd represents the base command for the tether application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Sign in to OAuth protected resources and keep the tokens fresh",
	Long: `tether runs the OAuth authorization code flow with PKCE against
identity providers and resource servers, stores the resulting tokens
encrypted at rest, and renews them before they expire.

Use "tether auth" on a workstation and "tether serve" to run the
multi-tenant backend.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "tether version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if errors.Is(err, errNotSignedIn) || engine.IsReauthRequired(err) {
		return ExitCodeAuthRequired
	}

	var engErr *engine.Error
	if errors.As(err, &engErr) {
		switch engErr.Kind {
		case engine.KindExchange, engine.KindIntegrity, engine.KindValidation, engine.KindProvisioning:
			return ExitCodeAuthFailed
		}
	}

	return ExitCodeError
}

// loadConfig reads the configuration named by --config and applies the
// --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return &cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/tether/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := logging.LevelWarn
		if logLevel != "" {
			level = logging.ParseLevel(logLevel)
		}
		logging.InitForCLI(level, cmd.ErrOrStderr())
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newKeygenCmd())
}
