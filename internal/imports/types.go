package imports

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Import statuses. An import is created PENDING while the operator uploads
// the file and picks a mapping, moves to QUEUED when submitted, IMPORTING
// while a worker runs it, and ends in exactly one terminal state.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusImporting = "importing"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
	StatusCanceled  = "canceled"
)

// Subscriber fields a CSV column can map onto.
const (
	FieldEmail       = "email"
	FieldName        = "name"
	FieldOptinIP     = "optin_ip_address"
	FieldOptinDate   = "optin_date"
	FieldConfirmIP   = "confirm_ip_address"
	FieldConfirmDate = "confirm_date"
)

// DateLayout is the only timestamp format import columns accept,
// interpreted as UTC.
const DateLayout = "2006-01-02 15:04:05"

// FieldMapping maps zero-based CSV column indexes to subscriber fields.
// Stored as a JSON column on the import record.
type FieldMapping map[int]string

var knownFields = map[string]bool{
	FieldEmail:       true,
	FieldName:        true,
	FieldOptinIP:     true,
	FieldOptinDate:   true,
	FieldConfirmIP:   true,
	FieldConfirmDate: true,
}

// Validate checks that every mapped field is known, no field is mapped
// twice, and an email column is present.
func (m FieldMapping) Validate() error {
	seen := make(map[string]int, len(m))
	for col, field := range m {
		if !knownFields[field] {
			return fmt.Errorf("column %d maps to unknown field %q", col, field)
		}
		if prev, dup := seen[field]; dup {
			return fmt.Errorf("field %q mapped to both column %d and %d", field, prev, col)
		}
		seen[field] = col
	}
	if _, ok := seen[FieldEmail]; !ok {
		return fmt.Errorf("no column mapped to %q", FieldEmail)
	}
	return nil
}

// EmailColumn returns the index of the column mapped to the email field.
// Call Validate first.
func (m FieldMapping) EmailColumn() int {
	for col, field := range m {
		if field == FieldEmail {
			return col
		}
	}
	return -1
}

// Value implements driver.Valuer.
func (m FieldMapping) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *FieldMapping) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into FieldMapping", src)
	}
}

// SubscriberImport is one CSV import job for a mailing list.
type SubscriberImport struct {
	ID            uuid.UUID    `json:"id"`
	MailingListID uuid.UUID    `json:"mailing_list_id"`
	FileKey       string       `json:"file_key"`
	Filename      string       `json:"filename"`
	Status        string       `json:"status"`
	TargetStatus  string       `json:"target_status"` // subscriber status assigned to rows the import creates
	Mapping       FieldMapping `json:"field_mapping,omitempty"`
	HasHeader     bool         `json:"has_header"`
	TotalRows     int          `json:"total_rows"`
	CreatedRows   int          `json:"created_rows"`
	UpdatedRows   int          `json:"updated_rows"`
	SkippedRows   int          `json:"skipped_rows"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CanQueue reports whether the import can be submitted for processing.
func (si *SubscriberImport) CanQueue() bool {
	return si.Status == StatusPending || si.Status == StatusErrored
}

// CanCancel reports whether a cancel request makes sense right now.
func (si *SubscriberImport) CanCancel() bool {
	return si.Status == StatusQueued || si.Status == StatusImporting
}

// Progress is the JSON document published to Redis while a run is in
// flight, so the admin UI can poll it without hitting Postgres.
type Progress struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
}

// ProgressKey is the Redis key a run publishes its Progress under.
func ProgressKey(id uuid.UUID) string {
	return "import:" + id.String() + ":progress"
}
