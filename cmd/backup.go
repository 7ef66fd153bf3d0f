package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tenant-vault/internal/application"
	"tenant-vault/internal/backup"
	"tenant-vault/internal/display"
	"tenant-vault/internal/scheduler"
)

var (
	// Backup creation flags
	backupTenantID  int64
	backupUserID    int64
	backupAutomatic bool

	// Purge flags
	purgeDryRun   bool
	purgeKeepLast int
	purgeMaxAge   time.Duration
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, inspect and purge tenant backups",
	Long: `Create, list, verify and purge tenant backups.

A backup is a point-in-time copy of every manifested table of one tenant,
captured in a single read-only transaction and stored compressed with a
SHA-256 checksum in the configured payload store.

Examples:
  # Back up tenant 42 on behalf of user 7
  tenant-vault backup create --tenant 42 --user 7

  # List the tenant's backups and check one of them
  tenant-vault backup list --tenant 42
  tenant-vault backup verify <backup-id>

  # Run the scheduled backups once, as the scheduler would
  tenant-vault backup run-scheduled

  # Preview what the retention policy would remove
  tenant-vault backup purge --dry-run --keep-last 7`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up one tenant",
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's backups, newest first",
	RunE:  runBackupList,
}

var backupStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backup counts and sizes of one tenant or of all tenants",
	RunE:  runBackupStats,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Check a stored backup against its checksum and row counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

var backupRunScheduledCmd = &cobra.Command{
	Use:   "run-scheduled",
	Short: "Back up every active tenant whose newest backup is older than the interval",
	RunE:  runBackupRunScheduled,
}

var backupLastRunCmd = &cobra.Command{
	Use:   "last-run",
	Short: "Show when the latest scheduled run started",
	RunE:  runBackupLastRun,
}

var backupPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove backups selected by the retention policy",
	Long: `Remove backups selected by the retention policy.

The policy comes from the retention section of the configuration; --keep-last
and --max-age override it. Backups referenced by a restore point, backups in
progress and the newest complete backup of every tenant are always kept.`,
	RunE: runBackupPurge,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupStatsCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRunScheduledCmd)
	backupCmd.AddCommand(backupLastRunCmd)
	backupCmd.AddCommand(backupPurgeCmd)

	backupCreateCmd.Flags().Int64Var(&backupTenantID, "tenant", 0, "tenant id")
	backupCreateCmd.Flags().Int64Var(&backupUserID, "user", 0, "id of the acting user")
	backupCreateCmd.Flags().BoolVar(&backupAutomatic, "automatic", false, "record the backup as automatic")
	backupCreateCmd.MarkFlagRequired("tenant")
	backupCreateCmd.MarkFlagRequired("user")

	backupListCmd.Flags().Int64Var(&backupTenantID, "tenant", 0, "tenant id")
	backupListCmd.MarkFlagRequired("tenant")

	backupStatsCmd.Flags().Int64Var(&backupTenantID, "tenant", 0, "tenant id (default all tenants)")

	backupPurgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "show what would be removed without removing it")
	backupPurgeCmd.Flags().IntVar(&purgeKeepLast, "keep-last", 0, "keep the newest N complete backups of every tenant")
	backupPurgeCmd.Flags().DurationVar(&purgeMaxAge, "max-age", 0, "remove complete backups older than this")
	backupPurgeCmd.Flags().Int64Var(&backupUserID, "user", 0, "id of the acting user, for the audit trail")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		env.printer.Info("Backing up tenant %d...", backupTenantID)
		result := svc.CreateBackup(ctx, backupTenantID, backupUserID, backupAutomatic)
		return report(env.printer, result, func() {
			b := result.Data.(*backup.Backup)
			env.printer.Success("Backup %s created", b.ID)
			printBackup(env.printer, b)
		})
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.ListBackups(ctx, backupTenantID)
		return report(env.printer, result, func() {
			backups := result.Data.([]*backup.Backup)
			if len(backups) == 0 {
				env.printer.Info("Tenant %d has no backups", backupTenantID)
				return
			}
			t := env.printer.NewTable("ID", "CREATED", "STATUS", "TRIGGER", "ROWS", "SIZE", "BY").AlignRight(4, 5)
			for _, b := range backups {
				t.AddRow(b.ID, formatTime(b.CreatedAt), string(b.Status), trigger(b.IsAutomatic),
					strconv.FormatInt(b.Manifest.Total(), 10), formatBytes(b.SizeBytes), strconv.FormatInt(b.CreatedBy, 10))
			}
			env.printer.Table(t)
		})
	})
}

func runBackupStats(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.GetBackupStats(ctx, backupTenantID)
		return report(env.printer, result, func() {
			stats := result.Data.(*backup.Stats)
			scope := "All tenants"
			if backupTenantID > 0 {
				scope = fmt.Sprintf("Tenant %d", backupTenantID)
			}
			newest := "never"
			if stats.NewestAt != nil {
				newest = formatTime(*stats.NewestAt)
			}
			env.printer.Header(scope)
			env.printer.Fields(
				display.Field{Key: "Backups", Value: strconv.FormatInt(stats.Total, 10)},
				display.Field{Key: "Automatic", Value: strconv.FormatInt(stats.Automatic, 10)},
				display.Field{Key: "Manual", Value: strconv.FormatInt(stats.Manual, 10)},
				display.Field{Key: "Complete", Value: strconv.FormatInt(stats.Complete, 10)},
				display.Field{Key: "Failed", Value: strconv.FormatInt(stats.Failed, 10)},
				display.Field{Key: "In progress", Value: strconv.FormatInt(stats.InProgress, 10)},
				display.Field{Key: "Stored", Value: formatBytes(stats.TotalBytes)},
				display.Field{Key: "Newest", Value: newest},
			)
		})
	})
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.VerifyBackup(ctx, args[0])
		return report(env.printer, result, func() {
			r, ok := result.Data.(*backup.VerifyReport)
			if !ok {
				return
			}
			env.printer.Fields(
				display.Field{Key: "Backup", Value: r.BackupID},
				display.Field{Key: "Tenant", Value: strconv.FormatInt(r.TenantID, 10)},
				display.Field{Key: "Checksum", Value: passFail(r.ChecksumValid)},
				display.Field{Key: "Row counts", Value: passFail(r.CountsMatch)},
			)
			for _, e := range r.Errors {
				env.printer.Error("%s", e)
			}
			if r.Valid() {
				env.printer.Success("Backup %s is intact", r.BackupID)
			}
		})
	})
}

func runBackupRunScheduled(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		env.printer.Info("Running scheduled backups...")
		result := svc.RunScheduledBackups(ctx)
		return report(env.printer, result, func() {
			printRunReport(env.printer, result.Data.(*scheduler.RunReport))
		})
	})
}

func runBackupLastRun(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.GetLastBackupRunTime(ctx)
		return report(env.printer, result, func() {
			last := result.Data.(application.LastRun)
			if !last.Found {
				env.printer.Info("No scheduled run has been recorded")
				return
			}
			env.printer.Fields(display.Field{Key: "Last run", Value: formatTime(*last.LastRunAt)})
		})
	})
}

func runBackupPurge(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		policy := env.config.Retention
		if cmd.Flags().Changed("keep-last") {
			policy.KeepLast = purgeKeepLast
		}
		if cmd.Flags().Changed("max-age") {
			policy.MaxAge = purgeMaxAge
		}

		result := svc.PurgeBackups(ctx, &policy, purgeDryRun, backupUserID)
		return report(env.printer, result, func() {
			r := result.Data.(*backup.PurgeResult)
			if len(r.Purged) == 0 {
				env.printer.Info("Nothing to purge (%d backups examined)", r.Examined)
				return
			}
			t := env.printer.NewTable("BACKUP", "TENANT", "CREATED", "SIZE", "REASON").AlignRight(3)
			for _, c := range r.Purged {
				t.AddRow(c.Backup.ID, strconv.FormatInt(c.Backup.TenantID, 10), formatTime(c.Backup.CreatedAt),
					formatBytes(c.Backup.SizeBytes), c.Reason)
			}
			env.printer.Table(t)
			for _, e := range r.Errors {
				env.printer.Warning("%s", e)
			}
			if r.DryRun {
				env.printer.Info("Dry run: %d backups (%s) would be removed", len(r.Purged), formatBytes(r.FreedBytes))
				return
			}
			env.printer.Success("Removed %d backups, freed %s", len(r.Purged), formatBytes(r.FreedBytes))
		})
	})
}

func printBackup(p *display.Printer, b *backup.Backup) {
	p.Fields(
		display.Field{Key: "Tenant", Value: strconv.FormatInt(b.TenantID, 10)},
		display.Field{Key: "Created", Value: formatTime(b.CreatedAt)},
		display.Field{Key: "Trigger", Value: trigger(b.IsAutomatic)},
		display.Field{Key: "Rows", Value: strconv.FormatInt(b.Manifest.Total(), 10)},
		display.Field{Key: "Size", Value: formatBytes(b.SizeBytes)},
		display.Field{Key: "Checksum", Value: b.Checksum},
	)

	tables := make([]string, 0, len(b.Manifest))
	for table, n := range b.Manifest {
		if n > 0 {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	if len(tables) == 0 {
		return
	}
	t := p.NewTable("TABLE", "ROWS").AlignRight(1)
	for _, table := range tables {
		t.AddRow(table, strconv.FormatInt(b.Manifest[table], 10))
	}
	p.Table(t)
}

func printRunReport(p *display.Printer, r *scheduler.RunReport) {
	p.Fields(
		display.Field{Key: "Active tenants", Value: strconv.Itoa(r.Active)},
		display.Field{Key: "Eligible", Value: strconv.Itoa(r.Eligible)},
		display.Field{Key: "Duration", Value: r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()},
	)
	if len(r.Results) > 0 {
		t := p.NewTable("TENANT", "RESULT", "BACKUP", "DURATION").AlignRight(0)
		for _, res := range r.Results {
			outcome := "ok"
			if !res.Success {
				outcome = string(res.ErrorKind)
			}
			t.AddRow(strconv.FormatInt(res.TenantID, 10), outcome, res.BackupID, res.Duration.Round(time.Millisecond).String())
		}
		p.Table(t)
	}
	if r.Failed > 0 {
		p.Warning("%d of %d tenant backups failed", r.Failed, r.Eligible)
		return
	}
	p.Success("%d tenant backups created", r.Succeeded)
}

func trigger(automatic bool) string {
	if automatic {
		return "automatic"
	}
	return "manual"
}

func passFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// joinNames lists names for messages, "none" when empty
func joinNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
