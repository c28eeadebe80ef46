package store

import (
	"fmt"
	"strings"
)

// Open constructs a Store for the configured driver.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: sqlite driver requires a path")
		}
		return openSQLite(cfg)
	case "memory":
		return NewMem(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
