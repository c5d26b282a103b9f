package auth

import "time"

type Role string

const (
	RoleHolder       Role = "holder"
	RoleCounterparty Role = "counterparty"
	RoleArbitrator   Role = "arbitrator"
)

// User is the domain representation of an authenticated party.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	// Address is the settlement address agreements know this party by.
	Address   string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity is the verified token payload handed to callers.
type Identity struct {
	UserID  string
	Address string
	Role    Role
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Address  string `json:"address"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
