package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/clubrecords/sqlassist/internal/identity"
)

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (identity.Identity, bool)
}

// StaticAPIKeyValidator resolves keys from a comma separated list of
// key:user_id:archer_id:role[:name] entries.
type StaticAPIKeyValidator struct {
	keys map[string]identity.Identity
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]identity.Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	entries := strings.Split(spec, ",")
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 && len(parts) != 5 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:user_id:archer_id:role[:name]", entry)
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		userID, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || userID <= 0 {
			return nil, fmt.Errorf("invalid static key entry %q: user_id must be a positive integer", entry)
		}
		archerID, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil || archerID < 0 {
			return nil, fmt.Errorf("invalid static key entry %q: archer_id must be a non-negative integer", entry)
		}
		role := identity.ParseRole(parts[3])
		if !role.Known() {
			return nil, fmt.Errorf("invalid static key entry %q: unknown role %q", entry, strings.TrimSpace(parts[3]))
		}
		if role == identity.RoleArcher && archerID == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: archer keys need an archer_id", entry)
		}
		name := ""
		if len(parts) == 5 {
			name = strings.TrimSpace(parts[4])
		}
		validator.keys[key] = identity.Identity{UserID: userID, ArcherID: archerID, Name: name, Role: role}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (identity.Identity, bool) {
	who, ok := v.keys[apiKey]
	return who, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
