package cmd

import (
	"context"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"tenant-vault/internal/application"
	"tenant-vault/internal/confirmation"
	"tenant-vault/internal/display"
	"tenant-vault/internal/tenant"
)

var (
	tenantID     int64
	tenantUserID int64
	tenantYes    bool
)

// tenantCmd represents the tenant command
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Inspect and delete a tenant's data",
}

var tenantInventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Count the tenant's rows in every manifested table",
	RunE:  runTenantInventory,
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the tenant with all of its rows, restore points and backups",
	Long: `Delete the tenant with all of its rows, restore points and backups.

Tables are emptied child to parent, then the tenant's restore points, its
backups and their payloads are removed, and finally the tenant row itself.
A tenant that still holds data can only be deleted with the admin password.
With --yes the password is read from TENANT_VAULT_ADMIN_PASSWORD.

Examples:
  tenant-vault tenant delete --tenant 42 --user 7
  TENANT_VAULT_ADMIN_PASSWORD=... tenant-vault tenant delete --tenant 42 --user 7 --yes`,
	RunE: runTenantDelete,
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantInventoryCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)

	tenantInventoryCmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	tenantInventoryCmd.MarkFlagRequired("tenant")

	tenantDeleteCmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	tenantDeleteCmd.Flags().Int64Var(&tenantUserID, "user", 0, "id of the acting user, for the audit trail")
	tenantDeleteCmd.Flags().BoolVarP(&tenantYes, "yes", "y", false, "skip the prompt and read the admin password from "+confirmation.AdminPasswordEnv)
	tenantDeleteCmd.MarkFlagRequired("tenant")
}

func runTenantInventory(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		result := svc.HasData(ctx, tenantID)
		return report(env.printer, result, func() {
			printInventory(env.printer, result.Data.(*tenant.Inventory))
		})
	})
}

func runTenantDelete(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		inventory := svc.HasData(ctx, tenantID)
		if !inventory.Success {
			return report(env.printer, inventory, nil)
		}

		confirm := confirmation.NewService(env.config.Confirmation, env.printer)
		ok, err := confirm.ConfirmDeletion(inventory.Data.(*tenant.Inventory), tenantYes)
		if err != nil {
			return err
		}
		if !ok {
			env.printer.Warning("Deletion cancelled")
			return nil
		}

		env.printer.Info("Deleting tenant %d...", tenantID)
		result := svc.DeleteWithCascade(ctx, tenantID, tenantUserID)
		return report(env.printer, result, func() {
			r, ok := result.Data.(*tenant.DeletionReport)
			if !ok {
				return
			}
			if !result.Success {
				env.printer.Error("Deletion stopped at %s. Emptied: %s", r.FailedTable, joinNames(r.EmptiedTables()))
				return
			}
			env.printer.Fields(
				display.Field{Key: "Rows deleted", Value: strconv.FormatInt(r.RowsDeleted, 10)},
				display.Field{Key: "Restore points", Value: strconv.FormatInt(r.RestorePointsDeleted, 10)},
				display.Field{Key: "Backups", Value: strconv.FormatInt(r.BackupsDeleted, 10)},
			)
			env.printer.Success("Tenant %d deleted", r.TenantID)
		})
	})
}

func printInventory(p *display.Printer, inv *tenant.Inventory) {
	if !inv.HasData() {
		p.Info("Tenant %d holds no data", inv.TenantID)
		return
	}
	tables := make([]string, 0, len(inv.PerTable))
	for table := range inv.PerTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	t := p.NewTable("TABLE", "ROWS").AlignRight(1)
	for _, table := range tables {
		t.AddRow(table, strconv.FormatInt(inv.PerTable[table], 10))
	}
	t.AddRow("total", strconv.FormatInt(inv.Total, 10))
	p.Table(t)
}
