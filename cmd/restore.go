package cmd

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tenant-vault/internal/application"
	"tenant-vault/internal/confirmation"
	"tenant-vault/internal/display"
	"tenant-vault/internal/restore"
	"tenant-vault/internal/restorepoint"
)

var (
	pointTenantID    int64
	pointBackupID    string
	pointName        string
	pointDescription string
	pointUserID      int64

	restoreTenantID int64
	restoreType     string
	restoreUserID   int64
	restoreYes      bool
)

// restorePointCmd represents the restore-point command
var restorePointCmd = &cobra.Command{
	Use:     "restore-point",
	Aliases: []string{"rp"},
	Short:   "Name backups as restore points",
	Long: `Create, list and delete restore points.

A restore point gives a complete backup of a tenant a name. Restores always
start from a restore point. Deleting a restore point keeps its backup.

Examples:
  tenant-vault restore-point create --tenant 42 --backup <backup-id> --name "before import" --user 7
  tenant-vault restore-point list --tenant 42
  tenant-vault restore-point delete <restore-point-id> --tenant 42 --user 7`,
}

var restorePointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a restore point from a complete backup",
	RunE:  runRestorePointCreate,
}

var restorePointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's restore points, newest first",
	RunE:  runRestorePointList,
}

var restorePointDeleteCmd = &cobra.Command{
	Use:   "delete <restore-point-id>",
	Short: "Delete a restore point, keeping its backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestorePointDelete,
}

// restoreCmd restores a tenant from a restore point
var restoreCmd = &cobra.Command{
	Use:   "restore <restore-point-id>",
	Short: "Restore a tenant from one of its restore points",
	Long: `Restore a tenant from one of its restore points.

overwrite replaces all of the tenant's rows in the manifested tables with the
backup. merge updates rows that exist and inserts the missing ones, deleting
nothing. The restore runs in one transaction: on failure nothing changes.

Examples:
  tenant-vault restore <restore-point-id> --tenant 42 --type overwrite --user 7
  tenant-vault restore <restore-point-id> --tenant 42 --type merge --user 7 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restorePointCmd)
	rootCmd.AddCommand(restoreCmd)

	restorePointCmd.AddCommand(restorePointCreateCmd)
	restorePointCmd.AddCommand(restorePointListCmd)
	restorePointCmd.AddCommand(restorePointDeleteCmd)

	restorePointCreateCmd.Flags().Int64Var(&pointTenantID, "tenant", 0, "tenant id")
	restorePointCreateCmd.Flags().StringVar(&pointBackupID, "backup", "", "id of a complete backup of the tenant")
	restorePointCreateCmd.Flags().StringVar(&pointName, "name", "", "restore point name")
	restorePointCreateCmd.Flags().StringVar(&pointDescription, "description", "", "optional description")
	restorePointCreateCmd.Flags().Int64Var(&pointUserID, "user", 0, "id of the acting user")
	for _, name := range []string{"tenant", "backup", "name", "user"} {
		restorePointCreateCmd.MarkFlagRequired(name)
	}

	restorePointListCmd.Flags().Int64Var(&pointTenantID, "tenant", 0, "tenant id")
	restorePointListCmd.MarkFlagRequired("tenant")

	restorePointDeleteCmd.Flags().Int64Var(&pointTenantID, "tenant", 0, "tenant id")
	restorePointDeleteCmd.Flags().Int64Var(&pointUserID, "user", 0, "id of the acting user, for the audit trail")
	restorePointDeleteCmd.MarkFlagRequired("tenant")

	restoreCmd.Flags().Int64Var(&restoreTenantID, "tenant", 0, "tenant id")
	restoreCmd.Flags().StringVar(&restoreType, "type", "", "restore type (overwrite, merge)")
	restoreCmd.Flags().Int64Var(&restoreUserID, "user", 0, "id of the acting user")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
	for _, name := range []string{"tenant", "type", "user"} {
		restoreCmd.MarkFlagRequired(name)
	}
}

func runRestorePointCreate(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		req := restorepoint.CreateRequest{
			TenantID:    pointTenantID,
			BackupID:    pointBackupID,
			Name:        pointName,
			Description: pointDescription,
			CreatorID:   pointUserID,
		}

		result := svc.CreateRestorePoint(ctx, req)
		return report(env.printer, result, func() {
			point := result.Data.(*restorepoint.RestorePoint)
			env.printer.Success("Restore point %s created", point.ID)
			printRestorePoint(env.printer, point)
		})
	})
}

func runRestorePointList(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.ListRestorePoints(ctx, pointTenantID)
		return report(env.printer, result, func() {
			points := result.Data.([]*restorepoint.RestorePoint)
			if len(points) == 0 {
				env.printer.Info("Tenant %d has no restore points", pointTenantID)
				return
			}
			t := env.printer.NewTable("ID", "NAME", "BACKUP", "CREATED", "BY")
			for _, p := range points {
				t.AddRow(p.ID, p.Name, p.BackupID, formatTime(p.CreatedAt), strconv.FormatInt(p.CreatedBy, 10))
			}
			env.printer.Table(t)
		})
	})
}

func runRestorePointDelete(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.DeleteRestorePoint(ctx, args[0], pointTenantID, pointUserID)
		return report(env.printer, result, func() {
			env.printer.Success("Restore point %s deleted, its backup is kept", args[0])
		})
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	typ, err := restore.ParseType(restoreType)
	if err != nil {
		return err
	}

	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		lookup := svc.GetRestorePoint(ctx, args[0], restoreTenantID)
		// a failed lookup falls through so the restore reports and audits it
		if lookup.Success {
			confirm := confirmation.NewService(env.config.Confirmation, env.printer)
			ok, err := confirm.ConfirmRestore(lookup.Data.(*restorepoint.RestorePoint), typ, restoreYes)
			if err != nil {
				return err
			}
			if !ok {
				env.printer.Warning("Restore cancelled")
				return nil
			}
		}

		env.printer.Info("Restoring tenant %d...", restoreTenantID)
		result := svc.RestoreFromPoint(ctx, args[0], restoreTenantID, string(typ), restoreUserID)
		return report(env.printer, result, func() {
			r, ok := result.Data.(*restore.Result)
			if !ok {
				return
			}
			printRestoreResult(env.printer, r)
			if result.Success {
				env.printer.Success("Restored %d records into %d tables", r.RecordsRestored, r.TablesRestored)
			} else {
				env.printer.Error("Restore failed at %s, every change was rolled back", r.FailedTable)
			}
		})
	})
}

func printRestorePoint(p *display.Printer, point *restorepoint.RestorePoint) {
	fields := []display.Field{
		{Key: "Name", Value: point.Name},
		{Key: "Tenant", Value: strconv.FormatInt(point.TenantID, 10)},
		{Key: "Backup", Value: point.BackupID},
		{Key: "Created", Value: formatTime(point.CreatedAt)},
	}
	if point.Description != nil {
		fields = append(fields, display.Field{Key: "Description", Value: *point.Description})
	}
	p.Fields(fields...)
}

func printRestoreResult(p *display.Printer, r *restore.Result) {
	t := p.NewTable("TABLE", "DELETED", "INSERTED", "UPDATED").AlignRight(1, 2, 3)
	for _, tr := range r.Tables {
		name := tr.Table
		if tr.RolledBack {
			name += " (rolled back)"
		}
		t.AddRow(name, strconv.FormatInt(tr.Deleted, 10), strconv.FormatInt(tr.Inserted, 10), strconv.FormatInt(tr.Updated, 10))
	}
	if t.Len() > 0 {
		p.Table(t)
	}
	p.Fields(display.Field{Key: "Duration", Value: r.Duration.Round(time.Millisecond).String()})
}
