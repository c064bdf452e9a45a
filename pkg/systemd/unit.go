package systemd

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")

// UnitStatus is the core state of a unit.
type UnitStatus struct {
	Name      string
	Active    string // active, inactive, failed, ...
	SubState  string // running, dead, ...
	LoadState string // loaded, not-found, ...
}

// unitName appends ".service" when name has no unit suffix.
func unitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "scope", "target", "socket", "timer":
			return name
		}
	}
	return name + ".service"
}

func jobError(action, unit, result string) error {
	if result == "done" {
		return nil
	}
	return fmt.Errorf("%s %s: job %s", action, unit, result)
}
