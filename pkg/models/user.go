package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User represents an account holder. Admins can act on any call and reach the
// recovery endpoints; members only on their own calls.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	Name      string    `db:"name"       json:"name"`
	Role      string    `db:"role"       json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
