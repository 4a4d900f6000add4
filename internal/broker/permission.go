package broker

import (
	"errors"
	"strings"
)

// Broker errors.
var (
	ErrConnection        = errors.New("ssh connection failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrViewerNotFound    = errors.New("viewer not found")
	ErrInvalidPermission = errors.New("invalid permission level")
	ErrInvalidAction     = errors.New("invalid control action")
	ErrInputTooLarge     = errors.New("input frame too large")
	ErrClosed            = errors.New("broker closed")
	ErrNoSSH             = errors.New("session has no ssh connection")
)

// Permission is a viewer's access level. The numeric values mirror the Unix
// modes used on the wire.
type Permission int

// Permission levels.
const (
	ReadOnly    Permission = 400
	ReadWrite   Permission = 700
	FullControl Permission = 777
)

// ParsePermission accepts a mode ("400", "700", "777") or a name
// ("read-only", "read-write", "full-control").
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "400", "read-only", "readonly":
		return ReadOnly, nil
	case "700", "read-write", "readwrite":
		return ReadWrite, nil
	case "777", "full-control", "fullcontrol":
		return FullControl, nil
	default:
		return 0, ErrInvalidPermission
	}
}

func (p Permission) String() string {
	switch p {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case FullControl:
		return "full-control"
	default:
		return "unknown"
	}
}

// CanWrite reports whether input and resizes are forwarded.
func (p Permission) CanWrite() bool {
	return p == ReadWrite || p == FullControl
}

// CanControl reports whether the viewer may pause or kick other viewers.
func (p Permission) CanControl() bool {
	return p == FullControl
}

// Action is an admin control signal.
type Action string

// Control actions.
const (
	ActionPause Action = "pause"
	ActionKick  Action = "kick"
)

// ParseAction validates a control action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionKick:
		return a, nil
	default:
		return "", ErrInvalidAction
	}
}

// Notices sent to viewers.
const (
	MessagePaused     = "Your session has been paused by an admin, click \"Resume\" to continue"
	MessageKicked     = "Your session has been terminated by an admin"
	MessageAdminLeft  = "Session is Terminated by Admin"
	MessageShellEnded = "SSH session closed"
	MessageReplaced   = "Session was taken over by another connection"
)
