// Package events is the fire-and-forget event sink: the scheduler records
// lifecycle events (submissions, claims, completions, quarantines) and the
// recorder delivers them at-most-best-effort. A failed publish is logged
// and dropped; recording must never fail a scheduling operation.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Recorder accepts events without any delivery guarantee.
type Recorder interface {
	RecordEvent(kind string, fields map[string]interface{})
}

// NopRecorder drops everything. Used when no event sink is configured.
type NopRecorder struct{}

func (NopRecorder) RecordEvent(kind string, fields map[string]interface{}) {}

// NATSRecorder publishes events as JSON to "<prefix>.<kind>".
type NATSRecorder struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewNATSRecorder creates a recorder on an existing NATS connection.
func NewNATSRecorder(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) *NATSRecorder {
	return &NATSRecorder{nc: nc, subjectPrefix: subjectPrefix, logger: logger}
}

func (r *NATSRecorder) RecordEvent(kind string, fields map[string]interface{}) {
	payload := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["kind"] = kind
	payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("Failed to marshal event, dropping it", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := r.nc.Publish(r.subjectPrefix+"."+kind, data); err != nil {
		r.logger.Warn("Failed to publish event, dropping it", zap.String("kind", kind), zap.Error(err))
	}
}
