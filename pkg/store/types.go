package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JSONAny is a custom GORM type for map[string]any stored as JSON text.
// Used for evidence metadata and event payloads.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// CreateIfAbsent inserts record and reports whether the insert happened.
// A conflicting row (any unique index) leaves the database untouched and
// returns created=false, which is how the aggregate stores enforce the
// one-identifier-per-subject and one-active-record style invariants
// atomically rather than with check-then-insert races.
func CreateIfAbsent(db *gorm.DB, record any) (created bool, err error) {
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
