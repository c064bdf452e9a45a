package dispatch

import (
	"strings"

	"tabrotate/internal/provision"
)

// Actions accepted by Handle. "start" and "stop" are shorthands for
// updateRotation with status true / false.
const (
	ActionGetState       = "getState"
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionUpdateRotation = "updateRotation"
	ActionStart          = "start"
	ActionStop           = "stop"
	ActionSetTabBehavior = "setTabBehavior"
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusStarted = "Rotation started"
	StatusStopped = "Rotation stopped"
	StatusPaused  = "Rotation paused"
	StatusResumed = "Rotation resumed"
)

// TabInput is a requested tab. Interval is in milliseconds; <= 0 means the
// configured default.
type TabInput struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Interval int64  `json:"interval"`
}

type Command struct {
	Action   string     `json:"action"`
	Status   *bool      `json:"status,omitempty"`
	Tabs     []TabInput `json:"tabs,omitempty"`
	Behavior string     `json:"behavior,omitempty"`
}

// StartCommand builds an updateRotation command that starts tabs.
func StartCommand(tabs []TabInput) Command {
	on := true
	return Command{Action: ActionUpdateRotation, Status: &on, Tabs: tabs}
}

// StopCommand builds an updateRotation command that stops the rotation.
func StopCommand() Command {
	off := false
	return Command{Action: ActionUpdateRotation, Status: &off}
}

// Response mirrors what the control surfaces expect. The state fields are
// only set for getState.
type Response struct {
	Status       string              `json:"status"`
	Success      bool                `json:"success"`
	Message      string              `json:"message,omitempty"`
	IsActive     *bool               `json:"isActive,omitempty"`
	IsPaused     *bool               `json:"isPaused,omitempty"`
	TabsCount    *int                `json:"tabsCount,omitempty"`
	CurrentIndex *int                `json:"currentIndex,omitempty"`
	Errors       []provision.Failure `json:"errors,omitempty"`
}

func errorResponse(msg string) Response {
	return Response{Status: StatusError, Success: false, Message: msg}
}

// Origin identifies who sent a command, for the audit log.
type Origin struct {
	Transport string
	Actor     string
}

func joinFailures(fs []provision.Failure) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		parts = append(parts, f.Tab+": "+f.Error)
	}
	return strings.Join(parts, "; ")
}
