// Package confirmation asks the operator to approve restores and tenant
// deletions before they run.
package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"tenant-vault/internal/config"
	"tenant-vault/internal/display"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/restore"
	"tenant-vault/internal/restorepoint"
	"tenant-vault/internal/tenant"
)

// AdminPasswordEnv supplies the admin password when deleting with --yes
const AdminPasswordEnv = "TENANT_VAULT_ADMIN_PASSWORD"

// Service handles operator confirmation of destructive operations
type Service interface {
	ConfirmRestore(point *restorepoint.RestorePoint, restoreType restore.Type, autoApprove bool) (bool, error)
	ConfirmDeletion(inventory *tenant.Inventory, autoApprove bool) (bool, error)
}

// Option configures the confirmation service
type Option func(*service)

// WithInput reads answers and passwords from r instead of the terminal
func WithInput(r io.Reader) Option {
	return func(s *service) {
		s.reader = bufio.NewReader(r)
		s.readPassword = s.readLine
	}
}

// service implements the Service interface
type service struct {
	config       config.ConfirmationConfig
	printer      *display.Printer
	reader       *bufio.Reader
	readPassword func() (string, error)
	getenv       func(string) string
}

// NewService creates a confirmation service reading from stdin. Passwords
// are read without echo when stdin is a terminal.
func NewService(cfg config.ConfirmationConfig, printer *display.Printer, opts ...Option) Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	s := &service{
		config:  cfg,
		printer: printer,
		reader:  bufio.NewReader(os.Stdin),
		getenv:  os.Getenv,
	}
	s.readPassword = s.readTerminalPassword
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashPassword returns the bcrypt hash stored as confirmation.admin_password_hash
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", apperrors.NewValidationError("admin password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ConfirmRestore shows what the restore replaces and asks for a yes
func (s *service) ConfirmRestore(point *restorepoint.RestorePoint, restoreType restore.Type, autoApprove bool) (bool, error) {
	s.printer.Header("Restore")
	s.printer.Fields(
		display.Field{Key: "Tenant", Value: strconv.FormatInt(point.TenantID, 10)},
		display.Field{Key: "Restore point", Value: fmt.Sprintf("%s (%s)", point.Name, point.ID)},
		display.Field{Key: "Backup", Value: point.BackupID},
		display.Field{Key: "Created", Value: point.CreatedAt.Format("2006-01-02 15:04:05")},
		display.Field{Key: "Type", Value: string(restoreType)},
	)
	if restoreType == restore.TypeOverwrite {
		s.printer.Warning("Overwrite replaces all of the tenant's current data with the backup.")
	} else {
		s.printer.Info("Merge updates existing rows and inserts missing ones. Nothing is deleted.")
	}

	if autoApprove {
		s.printer.Success("Auto-approving restore")
		return true, nil
	}

	answer, err := s.await(func() (string, error) {
		s.printer.Prompt("Proceed with the restore? [y/N]: ")
		return s.readLine()
	})
	if err != nil {
		return false, err
	}
	return parseConfirmationInput(answer), nil
}

// ConfirmDeletion approves deleting a tenant. A tenant without data needs no
// confirmation; otherwise the admin password is required, read from
// TENANT_VAULT_ADMIN_PASSWORD when autoApprove is set.
func (s *service) ConfirmDeletion(inventory *tenant.Inventory, autoApprove bool) (bool, error) {
	if !inventory.HasData() {
		s.printer.Info("Tenant %d holds no data", inventory.TenantID)
		return true, nil
	}

	s.displayInventory(inventory)
	if s.config.AdminPasswordHash == "" {
		return false, apperrors.NewConfigurationError(
			"deleting a tenant that holds data requires confirmation.admin_password_hash", nil)
	}

	if autoApprove {
		password := s.getenv(AdminPasswordEnv)
		if password == "" {
			return false, apperrors.NewValidationError("--yes requires the admin password in %s", AdminPasswordEnv)
		}
		if !s.checkPassword(password) {
			return false, apperrors.NewValidationError("admin password rejected")
		}
		return true, nil
	}

	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		password, err := s.await(func() (string, error) {
			s.printer.Prompt("Admin password: ")
			return s.readPassword()
		})
		if err != nil {
			return false, err
		}
		if s.checkPassword(password) {
			return true, nil
		}
		s.printer.Warning("Incorrect password (%d of %d)", attempt, s.config.MaxAttempts)
	}
	return false, apperrors.NewValidationError("admin password rejected after %d attempts", s.config.MaxAttempts)
}

func (s *service) displayInventory(inventory *tenant.Inventory) {
	s.printer.Warning("Tenant %d still holds %d rows. Deletion cannot be undone.", inventory.TenantID, inventory.Total)

	tables := make([]string, 0, len(inventory.PerTable))
	for table, n := range inventory.PerTable {
		if n > 0 {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)

	t := s.printer.NewTable("TABLE", "ROWS").AlignRight(1)
	for _, table := range tables {
		t.AddRow(table, strconv.FormatInt(inventory.PerTable[table], 10))
	}
	s.printer.Table(t)
}

func (s *service) checkPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(s.config.AdminPasswordHash), []byte(password)) == nil
}

// await runs prompt while watching for an interrupt
func (s *service) await(prompt func() (string, error)) (string, error) {
	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	inputChan := make(chan string, 1)
	errorChan := make(chan error, 1)
	go func() {
		input, err := prompt()
		if err != nil {
			errorChan <- err
			return
		}
		inputChan <- input
	}()

	select {
	case <-interruptChan:
		s.printer.Prompt("\n")
		s.printer.Warning("Operation cancelled by user")
		return "", apperrors.NewAppError(apperrors.ErrorTypeInterruption, "operation cancelled by user", nil)
	case err := <-errorChan:
		return "", fmt.Errorf("failed to read user input: %w", err)
	case input := <-inputChan:
		return input, nil
	}
}

func (s *service) readLine() (string, error) {
	input, err := s.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && input != "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (s *service) readTerminalPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return s.readLine()
	}
	password, err := term.ReadPassword(fd)
	s.printer.Prompt("\n")
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// parseConfirmationInput treats only an explicit yes as approval
func parseConfirmationInput(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
