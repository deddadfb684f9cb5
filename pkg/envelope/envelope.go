// Package envelope defines the wire format every event in eventcore is
// carried in, plus the validation and partition-key extraction rules every
// broker adapter and processor relies on.
//
// Usage:
//
//	import "github.com/lattice-events/eventcore/pkg/envelope"
//
//	env := &envelope.Envelope{
//	    ID:        uuid.New().String(),
//	    Type:      "svc.activation.requested.v1",
//	    TenantID:  tenantID,
//	    OccurredAt: time.Now().UTC(),
//	    Data:      map[string]interface{}{"service_id": "S1"},
//	}
//	if err := env.Validate(); err != nil { ... }
package envelope

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-events/eventcore/pkg/errors"
)

// SchemaVersion is the current envelope-schema version, independent from
// the per-event-type version carried in Type.
const SchemaVersion = "1"

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*){2}\.v[1-9][0-9]*$`)

var exemptPrefixes = []string{"system.", "admin.", "health."}

// partitionKeyFields lists the data fields consulted, in priority order,
// when data.partition_key is not set explicitly.
var partitionKeyFields = []string{"service_id", "device_id", "customer_id", "site_id"}

// Envelope is the canonical event wrapper carried end to end: from
// producer, through the transactional outbox, across the broker, and into
// the ordered/exactly-once consumer path. It is immutable once created by
// the producer; the broker never mutates it.
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	SchemaVersion string                 `json:"schema_version"`
	TenantID      string                 `json:"tenant_id"`
	OccurredAt    time.Time              `json:"occurred_at"`
	TraceID       string                 `json:"trace_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Data          map[string]interface{} `json:"data"`
}

// Validate enforces the §3.1 invariants: id/tenant_id parse as UUIDs, type
// matches the dotted pattern, and data carries a partition key unless the
// type is exempt.
func (e *Envelope) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return errors.New(errors.ValidationError, "envelope id is not a valid uuid", err)
	}
	if _, err := uuid.Parse(e.TenantID); err != nil {
		return errors.New(errors.ValidationError, "envelope tenant_id is not a valid uuid", err)
	}
	if !typePattern.MatchString(e.Type) {
		return errors.New(errors.ValidationError, "envelope type does not match <domain>.<entity>.<event>.v<version>", nil)
	}
	if _, err := e.PartitionKey(); err != nil {
		return err
	}
	return nil
}

// isExempt reports whether the envelope's type is exempt from the
// mandatory-partition-key rule (system./admin./health. prefixed types).
func (e *Envelope) isExempt() bool {
	for _, p := range exemptPrefixes {
		if strings.HasPrefix(e.Type, p) {
			return true
		}
	}
	return false
}

// PartitionKey resolves the envelope's partition key per §3.1's priority
// order: data.partition_key, then service_id/device_id/customer_id/site_id,
// falling back to tenant_id only for exempt event types.
func (e *Envelope) PartitionKey() (string, error) {
	if v, ok := e.Data["partition_key"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, nil
		}
	}
	for _, field := range partitionKeyFields {
		if v, ok := e.Data[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, nil
			}
		}
	}
	if e.isExempt() {
		return e.TenantID, nil
	}
	return "", errors.New(errors.ValidationError, "envelope data does not carry a partition key", nil)
}

// Topic returns the event type with its trailing .v<N> version suffix
// stripped.
func (e *Envelope) Topic() string {
	idx := strings.LastIndex(e.Type, ".v")
	if idx < 0 {
		return e.Type
	}
	return e.Type[:idx]
}

// PhysicalTopic renders the tenant-namespaced physical topic name per §3.2:
// tenant-<tenant_id>.<type-without-version>.
func (e *Envelope) PhysicalTopic() string {
	return "tenant-" + e.TenantID + "." + e.Topic()
}

// Encode marshals the envelope to its canonical JSON wire form.
func Encode(e *Envelope) ([]byte, error) {
	if e.SchemaVersion == "" {
		e.SchemaVersion = SchemaVersion
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return data, nil
}

// Decode unmarshals the canonical JSON wire form into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "failed to decode envelope")
	}
	return &e, nil
}

// New builds a well-formed envelope with a generated ID, current
// OccurredAt, and the current SchemaVersion.
func New(eventType, tenantID string, data map[string]interface{}) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		Type:          eventType,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}
}
