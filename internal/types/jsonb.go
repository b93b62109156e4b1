package types

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// BlobSchemaVersion is the envelope version written for serialized actions
// and data. Rows without an envelope are read as version 0.
const BlobSchemaVersion = 1

var (
	_ sql.Scanner   = (*ActionList)(nil)
	_ driver.Valuer = ActionList(nil)
	_ sql.Scanner   = (*NotificationData)(nil)
	_ driver.Valuer = NotificationData(nil)
)

// NotificationAction is one button rendered with a push notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
	URL    string `json:"url,omitempty"`
}

// ActionList is stored as {"schema_version":N,"actions":[...]}.
type ActionList []NotificationAction

// NotificationData is arbitrary structured data carried with a notification.
// It is stored as {"schema_version":N,"data":{...}}.
type NotificationData map[string]any

type actionsEnvelope struct {
	SchemaVersion int                  `json:"schema_version"`
	Actions       []NotificationAction `json:"actions"`
}

type dataEnvelope struct {
	SchemaVersion int            `json:"schema_version"`
	Data          map[string]any `json:"data"`
}

// blobBytes normalizes the driver representations of a JSONB column.
func blobBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
}

func checkSchemaVersion(version int) error {
	if version > BlobSchemaVersion {
		return NewAppErrorWithDetails(
			ErrCodeInternalSchemaVersion,
			"stored blob was written by a newer schema",
			nil,
			map[string]any{"schema_version": version, "supported": BlobSchemaVersion},
		)
	}
	return nil
}

// Scan implements the sql.Scanner interface.
func (a *ActionList) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	raw, err := blobBytes(value)
	if err != nil {
		return err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var legacy []NotificationAction
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return fmt.Errorf("jsonb: decode legacy actions: %w", err)
		}
		*a = legacy
		return nil
	}
	var env actionsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("jsonb: decode actions: %w", err)
	}
	if err := checkSchemaVersion(env.SchemaVersion); err != nil {
		return err
	}
	*a = env.Actions
	return nil
}

// Value implements the driver.Valuer interface.
func (a ActionList) Value() (driver.Value, error) {
	actions := []NotificationAction(a)
	if actions == nil {
		actions = []NotificationAction{}
	}
	return json.Marshal(actionsEnvelope{SchemaVersion: BlobSchemaVersion, Actions: actions})
}

// Scan implements the sql.Scanner interface.
func (d *NotificationData) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}
	raw, err := blobBytes(value)
	if err != nil {
		return err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("jsonb: decode data: %w", err)
	}
	_, hasVersion := probe["schema_version"]
	_, hasData := probe["data"]
	if !hasVersion || !hasData {
		var legacy map[string]any
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return fmt.Errorf("jsonb: decode legacy data: %w", err)
		}
		*d = legacy
		return nil
	}
	var env dataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("jsonb: decode data: %w", err)
	}
	if err := checkSchemaVersion(env.SchemaVersion); err != nil {
		return err
	}
	*d = env.Data
	return nil
}

// Value implements the driver.Valuer interface.
func (d NotificationData) Value() (driver.Value, error) {
	data := map[string]any(d)
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(dataEnvelope{SchemaVersion: BlobSchemaVersion, Data: data})
}

// String returns the string value stored under key, or "".
func (d NotificationData) String(key string) string {
	s, _ := d[key].(string)
	return s
}
