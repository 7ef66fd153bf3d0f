package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tenant-vault/internal/application"
	"tenant-vault/internal/config"
	"tenant-vault/internal/display"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

var cfgFile string

// Global flag variables
var (
	logLevel     string
	logFormat    string
	noColor      bool
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenant-vault",
	Short: "Tenant backups, restore points and cascading deletion for a multi-tenant POS",
	Long: `tenant-vault captures a tenant's rows from the shared POS database into
compressed backups, names them as restore points, restores a tenant in place
and deletes a tenant's whole footprint in foreign-key order.

Every operation is scoped to one tenant and serialized per tenant. Scheduled
backups run from the serve command or from an external scheduler calling
POST /internal/backups/run.

Examples:
  # Create the configuration file and the engine tables
  tenant-vault config init
  tenant-vault migrate up

  # Back up tenant 42 and name the backup
  tenant-vault backup create --tenant 42 --user 7
  tenant-vault restore-point create --tenant 42 --backup <backup-id> --name "before import" --user 7

  # Restore it, replacing the current data
  tenant-vault restore <restore-point-id> --tenant 42 --type overwrite --user 7

  # Machine readable output
  tenant-vault backup list --tenant 42 --output json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Interrupts cancel the command's context.
// This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// reportError prints the operator message, its cause and, for transient
// failures, a retry hint
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", apperrors.FormatUserError(err))
	if cause := errors.Unwrap(err); cause != nil {
		fmt.Fprintf(w, "Cause: %v\n", cause)
	}
	if apperrors.IsRecoverableError(err) {
		fmt.Fprintln(w, "The failure may be transient; retrying the command can succeed.")
	}
}

// exitCode distinguishes operator mistakes from environment failures
func exitCode(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeConfiguration:
		return 2
	case apperrors.ErrorTypeConcurrency:
		return 3
	case apperrors.ErrorTypeTenantIsolation:
		return 4
	case apperrors.ErrorTypeInterruption:
		return 130
	default:
		return 1
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tenant-vault.yaml or $HOME/.config/tenant-vault/tenant-vault.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (quiet, normal, verbose, debug)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format override (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
}

// environment is what every command needs besides the application
type environment struct {
	config  *config.Config
	logger  *logging.Logger
	printer *display.Printer
}

// newPrinter builds the printer from the global flags alone, so commands
// that fail before configuration is loaded can still report
func newPrinter(cmd *cobra.Command) (*display.Printer, error) {
	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		return nil, apperrors.NewValidationError("%v", err)
	}
	return display.NewPrinter(display.Config{
		Format: format,
		Color:  !noColor,
		Out:    cmd.OutOrStdout(),
		Err:    cmd.ErrOrStderr(),
	}), nil
}

// loadEnvironment loads the configuration with the global flags applied
func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	printer, err := newPrinter(cmd)
	if err != nil {
		return nil, err
	}

	loader := config.NewLoader(cfgFile)
	if cmd.Flags().Changed("log-level") {
		loader.Set("logging.level", logLevel)
	}
	if cmd.Flags().Changed("log-format") {
		loader.Set("logging.format", logFormat)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	loggerConfig := cfg.Logging.LoggerConfig()
	loggerConfig.Output = cmd.ErrOrStderr()
	logger, err := logging.NewLogger(loggerConfig)
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to create logger", err)
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.WithField("config_file", used).Debug("Configuration loaded")
	}

	return &environment{config: cfg, logger: logger, printer: printer}, nil
}

// withService runs fn against a fully wired application
func withService(cmd *cobra.Command, fn func(ctx context.Context, env *environment, svc *application.Service) error) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := application.Build(ctx, env.config, env.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			env.logger.Warnf("Failed to release resources: %v", err)
		}
	}()
	return fn(ctx, env, svc)
}

// report prints a result: the whole envelope in the structured formats, the
// table otherwise. A failed result is returned as an error.
func report(p *display.Printer, result application.Result, table func()) error {
	if p.Structured() {
		if err := p.Render(result, nil); err != nil {
			return err
		}
		if !result.Success {
			return resultError(result)
		}
		return nil
	}
	if !result.Success {
		if result.Data != nil && table != nil {
			table()
		}
		return resultError(result)
	}
	table()
	return nil
}

// failedResult carries the error kind of a failed result for exitCode. Its
// message is the result's detail, which already names the kind.
type failedResult struct {
	detail string
	kind   *apperrors.AppError
}

func (e *failedResult) Error() string { return e.detail }
func (e *failedResult) Unwrap() error { return e.kind }

func resultError(result application.Result) error {
	return &failedResult{detail: result.Detail, kind: apperrors.NewAppError(result.ErrorKind, result.Detail, nil)}
}
