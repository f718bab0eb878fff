package sessions

import (
	"time"

	"github.com/haasonsaas/conductor/internal/bus"
)

// Info wraps a session for lifecycle events.
type Info struct {
	Info Session `json:"info"`
}

// ErrorEvent reports a user-visible failure of a turn.
type ErrorEvent struct {
	SessionID string       `json:"sessionID,omitempty"`
	Error     MessageError `json:"error"`
}

// MessageEvent wraps a message for message.updated.
type MessageEvent struct {
	Info Message `json:"info"`
}

// PartEvent carries a part snapshot and, for streamed text, the appended
// delta.
type PartEvent struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// MessageRemoved is published when a message and its parts are deleted.
type MessageRemoved struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// StatusType is the coarse state of a session.
type StatusType string

const (
	StatusIdle  StatusType = "idle"
	StatusBusy  StatusType = "busy"
	StatusRetry StatusType = "retry"
)

// Status describes what a session is doing. Retry fields are set for
// StatusRetry only.
type Status struct {
	Type    StatusType `json:"type"`
	Attempt int        `json:"attempt,omitempty"`
	Message string     `json:"message,omitempty"`
	Next    *time.Time `json:"next,omitempty"`
}

// StatusEvent is published whenever a session's status changes.
type StatusEvent struct {
	SessionID string `json:"sessionID"`
	Status    Status `json:"status"`
}

// Bus events.
var (
	EventCreated        = bus.Define[Info]("session.created")
	EventUpdated        = bus.Define[Info]("session.updated")
	EventDeleted        = bus.Define[Info]("session.deleted")
	EventError          = bus.Define[ErrorEvent]("session.error")
	EventStatus         = bus.Define[StatusEvent]("session.status")
	EventMessageUpdated = bus.Define[MessageEvent]("message.updated")
	EventMessageRemoved = bus.Define[MessageRemoved]("message.removed")
	EventPartUpdated    = bus.Define[PartEvent]("message.part.updated")
)
