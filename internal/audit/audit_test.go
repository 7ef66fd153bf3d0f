package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

func TestAuditor_BeginSuccess(t *testing.T) {
	sink := NewMemorySink()
	auditor := NewAuditor(logging.NewNopLogger(), sink)
	ctx := logging.CreateContextWithRequestID(context.Background(), "req-1")

	finish := auditor.Begin(ctx, "create_backup", 42, 7, map[string]interface{}{"automatic": false})
	finish(nil, map[string]interface{}{"backup_id": "b1"})

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeStarted, events[0].Outcome)
	assert.Equal(t, OutcomeSucceeded, events[1].Outcome)
	assert.Equal(t, int64(42), events[1].TenantID)
	assert.Equal(t, int64(7), events[1].ActorID)
	assert.Equal(t, "req-1", events[1].RequestID)
	assert.Equal(t, "b1", events[1].Fields["backup_id"])
	assert.Equal(t, false, events[1].Fields["automatic"])
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestAuditor_BeginFailure(t *testing.T) {
	sink := NewMemorySink()
	auditor := NewAuditor(nil, sink)

	finish := auditor.Begin(context.Background(), "restore_from_point", 42, 7, nil)
	finish(apperrors.NewValidationError("unknown restore type %q", "replace"), nil)

	failed := sink.ByOutcome(OutcomeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(apperrors.ErrorTypeValidation), failed[0].ErrorKind)
	assert.Contains(t, failed[0].Detail, "replace")
	assert.Empty(t, sink.ByOutcome(OutcomeSecurity))
}

func TestAuditor_IsolationViolationIsASecurityEvent(t *testing.T) {
	var logs bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelNormal, Output: &logs, Format: "json"})
	require.NoError(t, err)

	sink := NewMemorySink()
	auditor := NewAuditor(logger, sink)

	finish := auditor.Begin(context.Background(), "restore_from_point", 42, 7, nil)
	finish(apperrors.NewTenantIsolationError("restore point belongs to tenant %d", 41), nil)

	security := sink.ByOutcome(OutcomeSecurity)
	require.Len(t, security, 1)
	assert.Equal(t, int64(42), security[0].TenantID)
	assert.Equal(t, string(apperrors.ErrorTypeTenantIsolation), security[0].ErrorKind)
	assert.Contains(t, logs.String(), `"security":true`)
}

func TestAuditor_NilIsNoop(t *testing.T) {
	var auditor *Auditor
	finish := auditor.Begin(context.Background(), "op", 1, 1, nil)
	finish(errors.New("x"), nil)
	auditor.Security(context.Background(), "op", 1, 1, nil)
	assert.NoError(t, auditor.Close())
}

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return errors.New("sink down") }
func (failingSink) Close() error                      { return nil }

func TestAuditor_SinkFailureDoesNotStopOtherSinks(t *testing.T) {
	sink := NewMemorySink()
	auditor := NewAuditor(logging.NewNopLogger(), failingSink{}, sink)

	auditor.Emit(context.Background(), Event{Operation: "has_data", Outcome: OutcomeSucceeded})
	assert.Len(t, sink.Events(), 1)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	auditor, err := New(Config{File: path}, logging.NewNopLogger())
	require.NoError(t, err)

	auditor.Emit(context.Background(), Event{
		Operation: "delete_with_cascade",
		Outcome:   OutcomeSucceeded,
		TenantID:  99,
		Fields:    map[string]interface{}{"tables": 13},
	})
	require.NoError(t, auditor.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "delete_with_cascade", record["event"])
	assert.Equal(t, "succeeded", record["outcome"])
	assert.Equal(t, float64(99), record["tenant_id"])
	assert.Equal(t, float64(13), record["field.tables"])
}

type recordingWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	writer := &recordingWriter{}
	sink := &KafkaSink{writer: writer, topic: "audit"}
	auditor := NewAuditor(logging.NewNopLogger(), sink)

	finish := auditor.Begin(context.Background(), "create_backup", 42, 1, nil)
	finish(nil, nil)
	require.NoError(t, auditor.Close())

	require.Len(t, writer.messages, 2)
	assert.Equal(t, "42", string(writer.messages[0].Key))
	assert.True(t, writer.closed)

	var event Event
	require.NoError(t, json.Unmarshal(writer.messages[1].Value, &event))
	assert.Equal(t, OutcomeSucceeded, event.Outcome)
	assert.Equal(t, "create_backup", event.Operation)

	headers := map[string]string{}
	for _, h := range writer.messages[1].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "succeeded", headers["outcome"])
}

func TestConfig_Validate(t *testing.T) {
	config := Config{Kafka: KafkaConfig{Enabled: true}}
	config.SetDefaults()
	assert.Error(t, config.Validate())

	config.Kafka.Brokers = []string{"localhost:9092"}
	assert.NoError(t, config.Validate())
	assert.Equal(t, "tenant-vault.audit", config.Kafka.Topic)
}
