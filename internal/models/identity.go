package models

import "time"

// Identity is an enrolled subject. It owns at most one active enrollment.
type Identity struct {
	ID          string    `db:"id" json:"id"`
	UserID      *string   `db:"user_id" json:"user_id,omitempty"`
	ExternalRef string    `db:"external_ref" json:"external_ref"`
	FullName    string    `db:"full_name" json:"full_name"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
