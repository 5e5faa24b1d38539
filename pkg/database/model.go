package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Run represents a record in the public.runs table
type Run struct {
	ID         string    `gorm:"primaryKey;column:id;type:uuid"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()"`
	FinishedAt time.Time `gorm:"column:finished_at"`
	SeedPath   string    `gorm:"column:seed_path;not null"`
	Target     string    `gorm:"column:target;not null"`
	Iterations int       `gorm:"column:iterations"`
	Coverage   int       `gorm:"column:coverage"`
	Stats      Metric    `gorm:"column:stats;type:jsonb"`
}

// Crash represents a record in the public.crashes table
type Crash struct {
	ID        int       `gorm:"primaryKey;column:id"`
	RunID     string    `gorm:"column:run_id;type:uuid;index;not null"`
	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	Iteration int       `gorm:"column:iteration"`
	Signature string    `gorm:"column:signature;index"`
	Repeated  bool      `gorm:"column:repeated"`
	Timeout   bool      `gorm:"column:timeout"`
	Mutation  string    `gorm:"column:mutation"`
	Path      string    `gorm:"column:path;not null"`
}

// Metric represents a jsonb column
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &m)
}
