package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	logx "tabrotate/pkg/logx"
)

// Store persists the audit trail, operator settings and the rotation
// snapshot used to resume after a restart.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	PutSetting(ctx context.Context, key, value string) error

	SaveRotation(ctx context.Context, snap RotationSnapshot) error
	LoadRotation(ctx context.Context) (snap RotationSnapshot, ok bool, err error)
	ClearRotation(ctx context.Context) error

	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or nil when the driver is empty,
// "none" or "disabled".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch name {
	case "", "none", "disabled":
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (want one of %s)", name, strings.Join(slices.Sorted(maps.Keys(drivers)), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", name)))
}
