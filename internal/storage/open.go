package storage

import (
	"errors"
	"strings"

	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (tracking.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
