//go:build !linux

package systemd

import "context"

type UnitManager struct{}

func NewUnitManager(context.Context, bool) (*UnitManager, error) { return nil, ErrUnsupported }

func (m *UnitManager) Close() error { return nil }
func (m *UnitManager) Restart(context.Context, string) error { return ErrUnsupported }
func (m *UnitManager) Status(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, ErrUnsupported
}
