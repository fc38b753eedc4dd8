package wa

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// CloseReason carries the protocol status code attached to a dropped
// connection. The values match the status codes the server sends.
type CloseReason int

const (
	// The server reports both a lost connection and a pairing timeout with
	// status 408, so these two names alias the same value. Transient()
	// covers both through either name.
	ReasonConnectionLost      CloseReason = 408
	ReasonTimedOut            CloseReason = 408
	ReasonConnectionClosed    CloseReason = 428
	ReasonConnectionReplaced  CloseReason = 440
	ReasonRestartRequired     CloseReason = 515
	ReasonUnavailableService  CloseReason = 503
	ReasonLoggedOut           CloseReason = 401
	ReasonForbidden           CloseReason = 403
	ReasonMultideviceMismatch CloseReason = 411
	ReasonBadSession          CloseReason = 500
)

// Transient reports whether the session should silently reconnect instead of
// surfacing the close.
func (r CloseReason) Transient() bool {
	switch r {
	case ReasonConnectionLost, ReasonConnectionClosed, ReasonConnectionReplaced,
		ReasonRestartRequired, ReasonUnavailableService:
		return true
	}
	return false
}

// Event is the closed set of things a transport can report. Anything the
// underlying library emits that has no modeled counterpart surfaces as
// UnknownEvent instead of being dropped silently.
type Event interface {
	event()
}

// QREvent carries a fresh pairing challenge.
type QREvent struct {
	Code string
}

// OpenedEvent fires once the connection is authenticated and usable.
type OpenedEvent struct{}

// ClosedEvent fires when the connection drops, with the classified reason.
type ClosedEvent struct {
	Reason CloseReason
}

// CredentialsEvent fires when authentication material changes. The transport
// has already persisted the material; this only surfaces the account's own
// identity.
type CredentialsEvent struct {
	Self     types.JID
	Platform string
}

// MessagesEvent carries a batch of inbound messages. Live is false for
// historical backfill, which consumers discard unprocessed.
type MessagesEvent struct {
	Items []*Message
	Live  bool
}

// ReceiptsEvent carries delivery/read acknowledgments.
type ReceiptsEvent struct {
	Items []Receipt
}

// UnknownEvent wraps an unmodeled transport event kind.
type UnknownEvent struct {
	Kind string
}

func (QREvent) event()          {}
func (OpenedEvent) event()      {}
func (ClosedEvent) event()      {}
func (CredentialsEvent) event() {}
func (MessagesEvent) event()    {}
func (ReceiptsEvent) event()    {}
func (UnknownEvent) event()     {}

// Message is one inbound protocol message with its raw content payload.
type Message struct {
	Chat      types.JID
	Sender    types.JID
	SenderAlt types.JID
	ID        string
	Timestamp time.Time
	PushName  string
	FromMe    bool
	Content   *waE2E.Message
}

func (m *Message) IsGroup() bool {
	return m.Chat.Server == types.GroupServer
}

// Receipt is one message acknowledgment. Ack uses the protocol's numeric
// codes: 0 failed, 1-2 sent, 3 delivered, 4-5 read.
type Receipt struct {
	MessageID string
	Chat      types.JID
	Ack       int
}
