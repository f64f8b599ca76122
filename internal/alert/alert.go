// Package alert delivers best-effort notifications. Sending never blocks the
// caller and delivery failures never reach the ingestion path.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// Alert is a single notification.
type Alert struct {
	ID       string            `json:"id"`
	Severity Severity          `json:"severity"`
	Source   string            `json:"source"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// New builds an alert with a fresh id and the current time.
func New(severity Severity, source, message string, fields map[string]string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Severity: severity,
		Source:   source,
		Message:  message,
		Fields:   fields,
		At:       time.Now().UTC(),
	}
}

// Sink receives alerts.
type Sink interface {
	Send(ctx context.Context, a Alert)
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Send(context.Context, Alert) {}

// LogSink writes alerts to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("alert")}
}

func (s *LogSink) Send(_ context.Context, a Alert) {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("source", a.Source),
		zap.String("severity", string(a.Severity)),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	switch a.Severity {
	case SeverityFatal, SeverityError:
		s.logger.Error(a.Message, fields...)
	case SeverityWarn:
		s.logger.Warn(a.Message, fields...)
	default:
		s.logger.Info(a.Message, fields...)
	}
}

// Multi fans an alert out to several sinks.
type Multi []Sink

func (m Multi) Send(ctx context.Context, a Alert) {
	for _, s := range m {
		if s != nil {
			s.Send(ctx, a)
		}
	}
}
