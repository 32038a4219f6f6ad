package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONStringArray is a custom type for JSON string arrays
type JSONStringArray []string

// Scan implements sql.Scanner interface
func (j *JSONStringArray) Scan(value interface{}) error {
	var result []string
	if err := scanJSON(value, &result); err != nil {
		return fmt.Errorf("failed to unmarshal JSONStringArray value: %w", err)
	}
	*j = result
	return nil
}

// Value implements driver.Valuer interface
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// JSONIntArray task id lists
type JSONIntArray []int

// Scan implements sql.Scanner interface
func (j *JSONIntArray) Scan(value interface{}) error {
	var result []int
	if err := scanJSON(value, &result); err != nil {
		return fmt.Errorf("failed to unmarshal JSONIntArray value: %w", err)
	}
	*j = result
	return nil
}

// Value implements driver.Valuer interface
func (j JSONIntArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// JSONFloatArray parameter vectors
type JSONFloatArray []float64

// Scan implements sql.Scanner interface
func (j *JSONFloatArray) Scan(value interface{}) error {
	var result []float64
	if err := scanJSON(value, &result); err != nil {
		return fmt.Errorf("failed to unmarshal JSONFloatArray value: %w", err)
	}
	*j = result
	return nil
}

// Value implements driver.Valuer interface
func (j JSONFloatArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func scanJSON(value interface{}, dest interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T", value)
	}
	return json.Unmarshal(data, dest)
}
