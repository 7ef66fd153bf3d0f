package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newBufferedLogger(t *testing.T, level LogLevel, format string) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: level, Output: &buf, Format: format})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return logger, &buf
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{"default config", Config{Level: LogLevelNormal, Format: "text"}, LogLevelNormal},
		{"verbose config", Config{Level: LogLevelVerbose, Format: "json"}, LogLevelVerbose},
		{"quiet config", Config{Level: LogLevelQuiet, Format: "text"}, LogLevelQuiet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Errorf("NewLogger() error = %v", err)
				return
			}

			if logger.level != tt.want {
				t.Errorf("NewLogger() level = %v, want %v", logger.level, tt.want)
			}
		})
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	path := t.TempDir() + "/vault.log"
	var buf bytes.Buffer

	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, LogFile: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("written twice")

	if !strings.Contains(buf.String(), "written twice") {
		t.Errorf("Expected message in output buffer, got: %s", buf.String())
	}

	if _, err := NewLogger(Config{LogFile: t.TempDir() + "/missing/dir/vault.log"}); err == nil {
		t.Error("Expected error for unwritable log file")
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger := NewDefaultLogger()
	if logger == nil {
		t.Fatal("NewDefaultLogger() returned nil")
	}
	if logger.level != LogLevelNormal {
		t.Errorf("NewDefaultLogger() level = %v, want %v", logger.level, LogLevelNormal)
	}
}

func TestLoggerWithFields(t *testing.T) {
	logger, buf := newBufferedLogger(t, LogLevelVerbose, "text")

	logger.WithFields(map[string]interface{}{
		"table":  "sales",
		"number": 42,
	}).Info("test message")

	output := buf.String()
	if !strings.Contains(output, "table=sales") {
		t.Errorf("Expected output to contain table=sales, got: %s", output)
	}
	if !strings.Contains(output, "number=42") {
		t.Errorf("Expected output to contain number=42, got: %s", output)
	}
}

func TestLoggerWithTenant(t *testing.T) {
	logger, buf := newBufferedLogger(t, LogLevelNormal, "json")

	logger.WithTenant(42).Info("tenant scoped")

	if !strings.Contains(buf.String(), `"tenant_id":42`) {
		t.Errorf("Expected tenant_id in JSON output, got: %s", buf.String())
	}
}

func TestLoggerWithContext(t *testing.T) {
	logger, buf := newBufferedLogger(t, LogLevelVerbose, "text")

	ctx := CreateContextWithRequestID(context.Background(), "test-request-123")
	logger.WithContext(ctx).Info("test message with context")

	if !strings.Contains(buf.String(), "request_id=test-request-123") {
		t.Errorf("Expected output to contain request_id=test-request-123, got: %s", buf.String())
	}
}

func TestLogDatabaseConnection(t *testing.T) {
	logger, buf := newBufferedLogger(t, LogLevelNormal, "text")

	logger.LogDatabaseConnection("mysql", "db:3306/pos", true, 10*time.Millisecond, nil)
	if !strings.Contains(buf.String(), "Database connection established") {
		t.Errorf("Expected success message, got: %s", buf.String())
	}

	buf.Reset()
	logger.LogDatabaseConnection("mysql", "db:3306/pos", false, time.Second, errors.New("refused"))
	output := buf.String()
	if !strings.Contains(output, "Database connection failed") || !strings.Contains(output, "refused") {
		t.Errorf("Expected failure message with error, got: %s", output)
	}
}

func TestLogSQLExecution(t *testing.T) {
	t.Run("verbose logs successful statements", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LogLevelVerbose, "text")
		logger.LogSQLExecution("DELETE FROM sales WHERE tenant_id = ?", time.Millisecond, 3, nil)
		if !strings.Contains(buf.String(), "SQL executed successfully") {
			t.Errorf("Expected debug line, got: %s", buf.String())
		}
	})

	t.Run("normal hides successful statements", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LogLevelNormal, "text")
		logger.LogSQLExecution("SELECT 1", time.Millisecond, 0, nil)
		if buf.Len() != 0 {
			t.Errorf("Expected no output, got: %s", buf.String())
		}
	})

	t.Run("failures always logged and truncated", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LogLevelNormal, "text")
		logger.LogSQLExecution(strings.Repeat("x", 300), time.Millisecond, 0, errors.New("syntax"))
		output := buf.String()
		if !strings.Contains(output, "SQL execution failed") {
			t.Errorf("Expected failure line, got: %s", output)
		}
		if !strings.Contains(output, "sql_length=300") {
			t.Errorf("Expected sql_length field, got: %s", output)
		}
	})

	t.Run("credentials are masked", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LogLevelNormal, "text")
		logger.LogSQLExecution("SET PASSWORD='hunter2'", time.Millisecond, 0, errors.New("denied"))
		output := buf.String()
		if strings.Contains(output, "hunter2") {
			t.Errorf("Expected the password to be masked, got: %s", output)
		}
		if !strings.Contains(output, "PASSWORD=***") {
			t.Errorf("Expected masked password, got: %s", output)
		}
	})

	t.Run("truncation keeps multi-byte characters whole", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LogLevelNormal, "json")
		sql := "INSERT INTO products (name) VALUES ('" + strings.Repeat("ü", 300) + "')"
		logger.LogSQLExecution(sql, time.Millisecond, 0, errors.New("syntax"))
		output := buf.String()
		if !utf8.ValidString(output) {
			t.Errorf("Expected valid UTF-8 output, got: %q", output)
		}
		if strings.Contains(output, `\ufffd`) {
			t.Errorf("Expected no replacement characters, got: %s", output)
		}
		want := "INSERT INTO products (name) VALUES ('" + strings.Repeat("ü", 200-37) + "..."
		if !strings.Contains(output, want) {
			t.Errorf("Expected the statement cut after 200 characters, got: %s", output)
		}
	})
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		input   string
		limit   int
		want    string
		wantCut bool
	}{
		{"abc", 5, "abc", false},
		{"abc", 3, "abc", false},
		{"abcdef", 3, "abc", true},
		{"日本語テキスト", 3, "日本語", true},
		{"", 0, "", false},
	}

	for _, tt := range tests {
		got, cut := truncateRunes(tt.input, tt.limit)
		if got != tt.want || cut != tt.wantCut {
			t.Errorf("truncateRunes(%q, %d) = %q, %v; want %q, %v", tt.input, tt.limit, got, cut, tt.want, tt.wantCut)
		}
	}
}

func TestLogSecurityEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, LogLevelQuiet, "text")

	logger.LogSecurityEvent("restore_cross_tenant", 7, map[string]interface{}{"restore_point_id": "rp-1"})

	// quiet level only shows errors
	if buf.Len() != 0 {
		t.Errorf("Expected quiet logger to drop warnings, got: %s", buf.String())
	}

	logger.SetLevel(LogLevelNormal)
	logger.LogSecurityEvent("restore_cross_tenant", 7, map[string]interface{}{"restore_point_id": "rp-1"})
	output := buf.String()
	for _, want := range []string{"security=true", "event=restore_cross_tenant", "tenant_id=7", "restore_point_id=rp-1"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

func TestLogTableProcessed(t *testing.T) {
	logger, buf := newBufferedLogger(t, LogLevelVerbose, "text")
	logger.LogTableProcessed("restore_overwrite", 42, "products", 10, time.Millisecond)

	output := buf.String()
	if !strings.Contains(output, "table=products") || !strings.Contains(output, "rows=10") {
		t.Errorf("Expected table fields, got: %s", output)
	}
}

func TestSetLevel(t *testing.T) {
	logger := NewDefaultLogger()
	logger.SetLevel(LogLevelDebug)

	if logger.level != LogLevelDebug {
		t.Errorf("SetLevel() level = %v, want %v", logger.level, LogLevelDebug)
	}
	if !logger.IsLevelEnabled(LogLevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestIsLevelEnabled(t *testing.T) {
	logger, _ := newBufferedLogger(t, LogLevelNormal, "text")

	if !logger.IsLevelEnabled(LogLevelNormal) {
		t.Error("Expected normal level enabled")
	}
	if logger.IsLevelEnabled(LogLevelVerbose) {
		t.Error("Expected verbose level disabled")
	}
	if logger.IsLevelEnabled(LogLevel("bogus")) {
		t.Error("Expected unknown level disabled")
	}
}

func TestLogOperationStart(t *testing.T) {
	logger, buf := newBufferedLogger(t, LogLevelVerbose, "text")

	finish := logger.LogOperationStart("create_backup", map[string]interface{}{"tenant_id": 42})

	output := buf.String()
	if !strings.Contains(output, "Operation started") || !strings.Contains(output, "tenant_id=42") {
		t.Errorf("Expected start message with tenant, got: %s", output)
	}

	buf.Reset()
	finish(nil)
	output = buf.String()
	if !strings.Contains(output, "Operation completed") || !strings.Contains(output, "success=true") {
		t.Errorf("Expected completion message, got: %s", output)
	}

	finish2 := logger.LogOperationStart("restore", nil)
	buf.Reset()
	finish2(errors.New("operation failed"))
	output = buf.String()
	if !strings.Contains(output, "Operation failed") || !strings.Contains(output, "success=false") {
		t.Errorf("Expected failure message, got: %s", output)
	}
}

func TestGetRequestIDFromContext(t *testing.T) {
	ctx := context.Background()
	if id := GetRequestIDFromContext(ctx); id != "" {
		t.Errorf("GetRequestIDFromContext() = %v, want empty string", id)
	}

	ctx = CreateContextWithRequestID(ctx, "test-456")
	if id := GetRequestIDFromContext(ctx); id != "test-456" {
		t.Errorf("GetRequestIDFromContext() = %v, want test-456", id)
	}
}

func TestSanitizeSQL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"normal SQL", "SELECT * FROM sales WHERE tenant_id = ?", "SELECT * FROM sales WHERE tenant_id = ?"},
		{"quoted password", "connect password='secret123' host=db", "connect password=*** host=db"},
		{"uppercase PASSWORD", "PASSWORD=hunter2", "PASSWORD=***"},
		{"dsn secret", "redis://cache?secret=abc&db=0", "redis://cache?secret=***&db=0"},
		{
			"very long SQL",
			strings.Repeat("SELECT * FROM very_long_table_name ", 20),
			strings.Repeat("SELECT * FROM very_long_table_name ", 20)[:500] + "... [truncated]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeSQL(tt.input); got != tt.want {
				t.Errorf("SanitizeSQL() = %v, want %v", got, tt.want)
			}
		})
	}
}
