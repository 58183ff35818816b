package domain

import "time"

// Audit is the immutable-versioning trailer embedded in every business
// entity. A logical update soft-deletes the current row and inserts a new
// one with Version+1 in the same transaction; readers filter on
// DeletedAt IS NULL for the current view.
type Audit struct {
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Version   int        `json:"version" db:"version"`
}

// IsCurrent reports whether this row is the live version.
func (a Audit) IsCurrent() bool { return a.DeletedAt == nil }
