package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"tenant-vault/internal/logging"
)

// Config selects the audit sinks
type Config struct {
	File  string      `mapstructure:"file" yaml:"file"`
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig configures the Kafka audit sink
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks" yaml:"required_acks"`
	Async        bool          `mapstructure:"async" yaml:"async"`
}

// SetDefaults sets default values for the audit configuration
func (c *Config) SetDefaults() {
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "tenant-vault.audit"
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 100 * time.Millisecond
	}
	if c.Kafka.WriteTimeout == 0 {
		c.Kafka.WriteTimeout = 10 * time.Second
	}
	if c.Kafka.RequiredAcks == 0 {
		c.Kafka.RequiredAcks = int(kafka.RequireAll)
	}
}

// Validate validates the audit configuration
func (c *Config) Validate() error {
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("audit kafka requires at least one broker")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("audit kafka topic is required")
		}
	}
	return nil
}

// New builds an auditor from configuration. Events are written as JSON lines
// to the audit file, or to the application log output when no file is set.
func New(config Config, logger *logging.Logger) (*Auditor, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sinks := []Sink{}
	if config.File != "" {
		sink, err := NewFileSink(config.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	} else if logger != nil {
		sinks = append(sinks, NewLogSink(logger.Output()))
	}

	if config.Kafka.Enabled {
		sinks = append(sinks, NewKafkaSink(config.Kafka))
	}
	return NewAuditor(logger, sinks...), nil
}

// LogSink writes events as JSON lines through a dedicated logrus logger
type LogSink struct {
	logger *logrus.Logger
	closer io.Closer
}

// NewLogSink creates a JSON log sink writing to w
func NewLogSink(w io.Writer) *LogSink {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "event",
		},
	})
	return &LogSink{logger: logger}
}

// NewFileSink creates a JSON log sink appending to path
func NewFileSink(path string) (*LogSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	sink := NewLogSink(file)
	sink.closer = file
	return sink, nil
}

// Emit implements Sink
func (s *LogSink) Emit(ctx context.Context, event Event) error {
	fields := logrus.Fields{
		"audit_id":  event.ID,
		"operation": event.Operation,
		"outcome":   event.Outcome,
		"tenant_id": event.TenantID,
		"actor_id":  event.ActorID,
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ErrorKind != "" {
		fields["error_kind"] = event.ErrorKind
	}
	if event.Detail != "" {
		fields["detail"] = event.Detail
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	for k, v := range event.Fields {
		fields["field."+k] = v
	}

	entry := s.logger.WithFields(fields).WithTime(event.Time)
	if event.Outcome == OutcomeSecurity {
		entry.Warn(event.Operation)
	} else {
		entry.Info(event.Operation)
	}
	return nil
}

// Close implements Sink
func (s *LogSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic keyed by tenant id, so the
// events of one tenant stay ordered on one partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a Kafka sink
func NewKafkaSink(config KafkaConfig) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
		Async:                  config.Async,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer, topic: config.Topic}
}

// Emit implements Sink
func (k *KafkaSink) Emit(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.TenantID, 10)),
		Value: value,
		Time:  event.Time,
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(event.Operation)},
			{Key: "outcome", Value: []byte(event.Outcome)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Close implements Sink
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
