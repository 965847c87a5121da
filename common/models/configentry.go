package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConfigType tags how a configuration value is parsed on read
type ConfigType string

const (
	ConfigString ConfigType = "string"
	ConfigInt    ConfigType = "int"
	ConfigBool   ConfigType = "bool"
	ConfigJSON   ConfigType = "json"
	ConfigSecret ConfigType = "secret"
)

// ValidConfigType reports whether s is a supported config type
func ValidConfigType(s string) bool {
	switch ConfigType(s) {
	case ConfigString, ConfigInt, ConfigBool, ConfigJSON, ConfigSecret:
		return true
	}
	return false
}

// ConfigEntry is one configuration row. At most one row exists per
// (scope, key_name); secret values are stored encrypted.
type ConfigEntry struct {
	ID             uuid.UUID       `json:"id"`
	KeyName        string          `json:"key_name"`
	Value          json.RawMessage `json:"value"`
	Type           ConfigType      `json:"type"`
	Description    *string         `json:"description,omitempty"`
	OrganizationID *uuid.UUID      `json:"organization_id,omitempty"` // nil = global scope
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TypedValue is a resolved configuration value. For secrets, Value
// holds the still-encrypted form until the resolver's Get decrypts it.
type TypedValue struct {
	Value string     `json:"value"`
	Type  ConfigType `json:"type"`
}
