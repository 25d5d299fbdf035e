package whatsapp

import "context"

// Client is one underlying multi-device connection.
type Client interface {
	// Connect starts the connection. It returns once the transport is up;
	// pairing and login progress are reported as events.
	Connect(ctx context.Context) error
	Disconnect()
	// Logout unlinks the device on the server and drops local key material.
	Logout(ctx context.Context) error
	SendText(ctx context.Context, address, text string) error
	// LoggedIn reports whether the client holds an authenticated identity.
	LoggedIn() bool
}

// ClientFactory builds clients. creds is nil when the identity has never
// paired (or was logged out) and a fresh pairing must start.
type ClientFactory interface {
	NewClient(ctx context.Context, identity SessionIdentity, creds []byte, sink EventSink) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, identity SessionIdentity, creds []byte, sink EventSink) (Client, error)

func (f ClientFactoryFunc) NewClient(ctx context.Context, identity SessionIdentity, creds []byte, sink EventSink) (Client, error) {
	return f(ctx, identity, creds, sink)
}
