package cmd

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tenant-vault/internal/application"
	"tenant-vault/internal/config"
	"tenant-vault/internal/confirmation"
	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/manifest"
	"tenant-vault/internal/schema"
	"tenant-vault/internal/snapshot"
)

var (
	migrateSteps int
	configForce  bool
	keyFile      string
)

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tenant-vault version %s\n", version)
		fmt.Fprintf(out, "Built: %s\n", buildTime)
		fmt.Fprintf(out, "Commit: %s\n", gitCommit)
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect the table manifest",
}

var manifestShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the tenant-owned tables in dependency order",
	RunE:  runManifestShow,
}

var manifestCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the manifest with the live row store schema",
	Long: `Compare the manifest with the live row store schema.

Errors are manifested tables that are missing, lack their tenant or primary
key column, or reference a parent of equal or higher rank. Warnings are
foreign keys to tables outside the manifest and tables with a tenant column
that the manifest does not declare, whose rows deletion would leave behind.`,
	RunE: runManifestCheck,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the engine's own tables",
	Long: `Manage the tables tenant-vault keeps next to the POS tables: backup
records and restore points. The POS tables themselves are never migrated.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	RunE:  runMigrate,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert migrations",
	RunE:  runMigrate,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied migration version",
	RunE:  runMigrate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and inspect configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration template",
	Long: `Write a configuration template with every setting at its default.

The file is created with mode 0600 because it may hold credentials. Secrets
can stay out of the file: every key is also read from TENANT_VAULT_<KEY>,
for example TENANT_VAULT_DATABASE_PASSWORD.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables the configuration reads",
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := config.EnvironmentVariables()
		if err != nil {
			return err
		}
		for _, v := range vars {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

var configHashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an admin password for confirmation.admin_password_hash",
	RunE:  runConfigHashPassword,
}

var configGenerateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate a random payload encryption key",
	Long: `Generate a random AES-256 key for snapshot.encryption.

Without --key-file the key is printed hex encoded, the form read from
TENANT_VAULT_ENCRYPTION_KEY by the env key source. With --key-file the raw
key is written to a new file with mode 0600 for the file key source.`,
	Args: cobra.NoArgs,
	RunE: runConfigGenerateKey,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)

	manifestCmd.AddCommand(manifestShowCmd)
	manifestCmd.AddCommand(manifestCheckCmd)

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to revert")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configEnvCmd)
	configCmd.AddCommand(configHashPasswordCmd)
	configCmd.AddCommand(configGenerateKeyCmd)
	configGenerateKeyCmd.Flags().StringVar(&keyFile, "key-file", "", "write the raw key to this file instead of printing it")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}

func runManifestShow(cmd *cobra.Command, args []string) error {
	printer, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	m := manifest.Default()
	entries := m.OrderedTables()

	return printer.Render(map[string]interface{}{"version": m.Version(), "tables": entries}, func() {
		printer.Info("Manifest version %d, %d tables, parents first", m.Version(), m.Len())
		t := printer.NewTable("RANK", "TABLE", "TENANT COLUMN", "PRIMARY KEY").AlignRight(0)
		for _, e := range entries {
			t.AddRow(strconv.Itoa(e.Rank), e.Table, e.TenantColumn, e.PrimaryKey)
		}
		printer.Table(t)
	})
}

func runManifestCheck(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.CheckManifest(ctx)
		return report(env.printer, result, func() {
			r := result.Data.(*schema.Report)
			if len(r.Issues) == 0 {
				env.printer.Success("Manifest version %d matches the row store, %d tables checked", r.ManifestVersion, r.TablesChecked)
				return
			}
			t := env.printer.NewTable("SEVERITY", "ISSUE", "TABLE", "MESSAGE")
			for _, i := range r.Issues {
				t.AddRow(string(i.Severity), string(i.Type), i.Table, i.Message)
			}
			env.printer.Table(t)
			if r.Valid {
				env.printer.Warning("Manifest version %d is usable, %d warnings", r.ManifestVersion, len(r.Issues))
			}
		})
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.NewService(env.logger).Connect(ctx, env.config.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	migrator := database.NewMigrator(db)

	switch cmd.Name() {
	case "up":
		if err := migrator.Up(); err != nil {
			return err
		}
	case "down":
		if err := migrator.Down(migrateSteps); err != nil {
			return err
		}
	}

	v, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	return env.printer.Render(map[string]interface{}{"version": v, "dirty": dirty}, func() {
		if dirty {
			env.printer.Warning("Schema version %d is dirty, a migration failed halfway", v)
			return
		}
		env.printer.Success("Schema version %d", v)
	})
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	printer, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	path := config.FileName + ".yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteTemplate(path, configForce); err != nil {
		return err
	}
	printer.Success("Configuration written to %s", path)
	printer.Info("Run 'tenant-vault config hash-password' to set confirmation.admin_password_hash")
	return nil
}

func runConfigHashPassword(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	fmt.Fprint(cmd.ErrOrStderr(), "Admin password: ")
	password, err := readSecret(cmd, reader)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Repeat password: ")
	again, err := readSecret(cmd, reader)
	if err != nil {
		return err
	}
	if password != again {
		return apperrors.NewValidationError("passwords do not match")
	}

	hash, err := confirmation.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func runConfigGenerateKey(cmd *cobra.Command, args []string) error {
	key, err := snapshot.GenerateKey()
	if err != nil {
		return err
	}
	if keyFile == "" {
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
		return nil
	}

	f, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperrors.NewValidationError("key file %s already exists", keyFile)
		}
		return apperrors.NewConfigurationError("failed to create key file", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return apperrors.NewConfigurationError("failed to write key file", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.NewConfigurationError("failed to write key file", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d-byte key to %s\n", len(key), keyFile)
	return nil
}

// readSecret reads a line without echo when stdin is a terminal
func readSecret(cmd *cobra.Command, reader *bufio.Reader) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
