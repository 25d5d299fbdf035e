package whatsapp

import (
	"strings"
	"time"
)

// SessionIdentity names one logical WhatsApp connection.
type SessionIdentity string

const (
	// Admin is the operator session used for system notifications.
	Admin SessionIdentity = "admin"
	// Global is the shared session used when tenants have no session of their own.
	Global SessionIdentity = "global"
)

func (id SessionIdentity) String() string {
	return string(id)
}

// ConnectionState is the lifecycle state of a session.
type ConnectionState int

const (
	StateUninitialized ConnectionState = iota
	StatePairing
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePairing:
		return "pairing"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// live reports whether a client in this state is still usable or on its way there.
func (s ConnectionState) live() bool {
	return s == StateConnecting || s == StatePairing || s == StateOpen
}

// DisconnectReason explains a transition to StateClosed.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonConnectionLost
	ReasonLoggedOut
	// ReasonRestartRequired means the server asked the client to reconnect.
	ReasonRestartRequired
	ReasonRateLimited
	ReasonReplaced
	ReasonClientOutdated
	ReasonInitFailed
	ReasonPairingTimeout
	// ReasonOperator marks teardown requested through ForceReconnect or Logout.
	ReasonOperator
)

var reasonNames = map[DisconnectReason]string{
	ReasonNone:            "none",
	ReasonConnectionLost:  "connection_lost",
	ReasonLoggedOut:       "logged_out",
	ReasonRestartRequired: "restart_required",
	ReasonRateLimited:     "rate_limited",
	ReasonReplaced:        "replaced",
	ReasonClientOutdated:  "client_outdated",
	ReasonInitFailed:      "init_failed",
	ReasonPairingTimeout:  "pairing_timeout",
	ReasonOperator:        "operator",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseDisconnectReason is the inverse of String; it is used for config keys.
func ParseDisconnectReason(name string) (DisconnectReason, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r, n := range reasonNames {
		if n == name {
			return r, true
		}
	}
	return ReasonNone, false
}

// PairingPayload is QR data waiting to be scanned. It is never persisted.
type PairingPayload struct {
	Data      string    `json:"data"`
	EmittedAt time.Time `json:"emitted_at"`
}
