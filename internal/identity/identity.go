package identity

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleArcher   Role = "Archer"
	RoleRecorder Role = "Recorder"
	RoleAdmin    Role = "Admin"
	// RoleUnknown is the most restrictive role. It is never allowed to run SQL.
	RoleUnknown Role = "Unknown"
)

// ParseRole maps a role name to one of the known roles. Anything unrecognised
// becomes RoleUnknown rather than an error so callers fail closed.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "archer":
		return RoleArcher
	case "recorder":
		return RoleRecorder
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

func (r Role) Known() bool {
	switch r {
	case RoleArcher, RoleRecorder, RoleAdmin:
		return true
	default:
		return false
	}
}

// Identity is supplied by the auth layer and never derived from prompt text.
type Identity struct {
	UserID   int64
	ArcherID int64
	Name     string
	Role     Role
}

func (i Identity) String() string {
	return fmt.Sprintf("user=%d archer=%d role=%s", i.UserID, i.ArcherID, i.Role)
}
