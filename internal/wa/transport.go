package wa

import (
	"context"

	"go.mau.fi/whatsmeow/types"
)

// Presence states the session can emit around a send.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceComposing   Presence = "composing"
	PresenceUnavailable Presence = "unavailable"
)

// Transport is one live protocol connection. The session state machine owns
// exactly one Transport at a time and replaces it wholesale on reconnect.
// Events are delivered in the order the protocol emitted them; the channel is
// closed when the transport is disconnected.
type Transport interface {
	Events() <-chan Event
	SendText(ctx context.Context, to types.JID, text string) error
	SendPresence(ctx context.Context, state Presence, to types.JID) error
	DownloadAudio(ctx context.Context, msg *Message) ([]byte, error)
	Logout(ctx context.Context) error
	Disconnect()
}

// Dialer opens a Transport for an account. credDir holds the account's
// persisted authentication state; its contents are owned by the transport
// implementation and treated as opaque by callers.
type Dialer interface {
	Dial(ctx context.Context, sessionID, credDir string) (Transport, error)
}
