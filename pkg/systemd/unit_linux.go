//go:build linux

package systemd

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitManager restarts and inspects units over D-Bus. User selects the
// per-user service manager instead of the system one.
type UnitManager struct {
	mu   sync.Mutex
	conn *dbus.Conn
	user bool
}

func NewUnitManager(ctx context.Context, user bool) (*UnitManager, error) {
	m := &UnitManager{user: user}
	if err := m.dial(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *UnitManager) dial(ctx context.Context) error {
	var (
		conn *dbus.Conn
		err  error
	)
	if m.user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return nil
}

// connLocked redials a dropped bus connection.
func (m *UnitManager) connLocked(ctx context.Context) (*dbus.Conn, error) {
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if err := m.dial(ctx); err != nil {
		return nil, err
	}
	return m.conn, nil
}

func (m *UnitManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Restart restarts unit and waits for the job to finish.
func (m *UnitManager) Restart(ctx context.Context, unit string) error {
	name := unitName(unit)
	m.mu.Lock()
	conn, err := m.connLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		return jobError("restart", name, res)
	}
}

func (m *UnitManager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	name := unitName(unit)
	m.mu.Lock()
	conn, err := m.connLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return UnitStatus{}, err
	}
	units, err := conn.ListUnitsByNamesContext(ctx, []string{name})
	if err != nil {
		return UnitStatus{}, fmt.Errorf("failed to get status for %s: %w", name, err)
	}
	st := UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
	for _, u := range units {
		if u.Name == name {
			st.Active, st.SubState, st.LoadState = u.ActiveState, u.SubState, u.LoadState
		}
	}
	return st, nil
}
