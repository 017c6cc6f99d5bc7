package seed

import (
	"fmt"
	"strconv"
	"strings"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	Archers         int
	ScoresPerArcher int
	StagedPerArcher int
	Competitions    int
	Seed            int64
	CreateSchema    bool
}

func DefaultConfig() Config {
	return Config{
		Archers:         20,
		ScoresPerArcher: 5,
		StagedPerArcher: 1,
		Competitions:    3,
		Seed:            1,
		CreateSchema:    true,
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	if err := applyInt(lookup, "SQLASSIST_SEED_ARCHERS", &cfg.Archers); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLASSIST_SEED_SCORES_PER_ARCHER", &cfg.ScoresPerArcher); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLASSIST_SEED_STAGED_PER_ARCHER", &cfg.StagedPerArcher); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLASSIST_SEED_COMPETITIONS", &cfg.Competitions); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "SQLASSIST_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLASSIST_SEED_CREATE_SCHEMA", &cfg.CreateSchema); err != nil {
		return Config{}, err
	}

	if cfg.Archers <= 0 {
		return Config{}, fmt.Errorf("SQLASSIST_SEED_ARCHERS must be > 0")
	}
	if cfg.ScoresPerArcher < 0 {
		return Config{}, fmt.Errorf("SQLASSIST_SEED_SCORES_PER_ARCHER must be >= 0")
	}
	if cfg.StagedPerArcher < 0 {
		return Config{}, fmt.Errorf("SQLASSIST_SEED_STAGED_PER_ARCHER must be >= 0")
	}
	if cfg.Competitions < 0 {
		return Config{}, fmt.Errorf("SQLASSIST_SEED_COMPETITIONS must be >= 0")
	}
	return cfg, nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
