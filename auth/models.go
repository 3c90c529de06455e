package auth

import "time"

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleManufacturer Role = "manufacturer"
	RoleMember       Role = "member"
)

// Account is the domain representation of a ledger participant. It mirrors
// the accounts table and should not include JSON annotations so it can be
// reused by different presentation layers.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Address      string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Address  string `json:"address"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
