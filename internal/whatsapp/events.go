package whatsapp

// Event is anything a Client reports to its supervisor.
type Event interface {
	isEvent()
}

// EventSink receives client events. Implementations may block until the
// event has been handled, so clients must not call it while holding locks
// that the supervisor might need.
type EventSink func(Event)

// StateChanged reports a connection state change. Label carries the paired
// phone number once the session is open.
type StateChanged struct {
	State  ConnectionState
	Reason DisconnectReason
	Label  string
}

// PairingRequested carries a fresh QR code.
type PairingRequested struct {
	Data string
}

// CredentialsUpdated carries the serialized credentials to persist.
type CredentialsUpdated struct {
	Blob []byte
}

// MessageReceived is an inbound text message.
type MessageReceived struct {
	From string
	Text string
}

// closeCommand is posted by the supervisor itself when it tears a client down.
type closeCommand struct {
	reason DisconnectReason
}

func (StateChanged) isEvent()       {}
func (PairingRequested) isEvent()   {}
func (CredentialsUpdated) isEvent() {}
func (MessageReceived) isEvent()    {}
func (closeCommand) isEvent()       {}
