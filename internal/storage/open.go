package storage

import (
	"fmt"
	"strings"

	logx "outreach/pkg/logx"
)

// Open opens the configured database. The memory driver has no database,
// so it yields (nil, nil) and callers fall back to in-process stores.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", DriverMemory:
		return nil, nil
	case DriverSQLite:
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", d)
	}
}
