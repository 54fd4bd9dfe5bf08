package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entity names carried by change notifications. Both travel on the same topic.
const (
	EntityApproval = "lyrics_approvals"
	EntityJob      = "jobs"
)

// Column names the synchronization engine inspects on change payloads.
const (
	FieldID     = "id"
	FieldStatus = "status"
	FieldTaskID = "external_task_id"
	FieldJobID  = "job_id"
)

// ChangeKind is the type of row change. Kinds are bit flags so filters can combine them.
type ChangeKind int

const (
	ChangeInsert ChangeKind = 1 << iota
	ChangeUpdate
	ChangeDelete

	ChangeAll = ChangeInsert | ChangeUpdate | ChangeDelete
)

// String returns the wire name of the kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "INSERT"
	case ChangeUpdate:
		return "UPDATE"
	case ChangeDelete:
		return "DELETE"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// ParseChangeKind accepts INSERT/UPDATE/DELETE in any case.
func ParseChangeKind(raw string) (ChangeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "INSERT", "CREATE":
		return ChangeInsert, nil
	case "UPDATE":
		return ChangeUpdate, nil
	case "DELETE":
		return ChangeDelete, nil
	}
	return 0, fmt.Errorf("unknown change kind %q", raw)
}

// MarshalJSON writes the wire name.
func (k ChangeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON reads the wire name.
func (k *ChangeKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode change kind: %w", err)
	}
	parsed, err := ParseChangeKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ChangeEvent is one row change delivered by the change stream. Old is empty for
// inserts, New is empty for deletes.
type ChangeEvent struct {
	Topic      string                 `json:"topic,omitempty"`
	Entity     string                 `json:"table"`
	Kind       ChangeKind             `json:"type"`
	Old        map[string]interface{} `json:"old_record,omitempty"`
	New        map[string]interface{} `json:"record,omitempty"`
	CommitTime *time.Time             `json:"commit_timestamp,omitempty"`
}

// DecodeChangeEvent parses a JSON notification payload.
func DecodeChangeEvent(topic string, payload []byte) (ChangeEvent, error) {
	var evt ChangeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if evt.Entity == "" {
		return ChangeEvent{}, fmt.Errorf("decode change event: missing table")
	}
	if evt.Kind == 0 {
		return ChangeEvent{}, fmt.Errorf("decode change event: missing type")
	}
	if evt.Topic == "" {
		evt.Topic = topic
	}
	return evt, nil
}

// EntityID returns the primary key of the changed row.
func (e ChangeEvent) EntityID() string {
	if id := stringField(e.New, FieldID); id != "" {
		return id
	}
	return stringField(e.Old, FieldID)
}

// OldString returns a string column of the previous row image.
func (e ChangeEvent) OldString(field string) string { return stringField(e.Old, field) }

// NewString returns a string column of the new row image.
func (e ChangeEvent) NewString(field string) string { return stringField(e.New, field) }

// OldStatus returns the previous approval status, empty when unknown.
func (e ChangeEvent) OldStatus() ApprovalStatus { return ApprovalStatus(e.OldString(FieldStatus)) }

// NewStatus returns the new approval status, empty when unknown.
func (e ChangeEvent) NewStatus() ApprovalStatus { return ApprovalStatus(e.NewString(FieldStatus)) }

func stringField(row map[string]interface{}, field string) string {
	if row == nil {
		return ""
	}
	switch v := row[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}
