package wa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

var ErrNoAudio = errors.New("message carries no audio attachment")

// MeowDialer opens whatsmeow-backed transports. Each account keeps its
// credential store in a sqlite file inside its own directory, so wiping the
// directory wipes the account.
type MeowDialer struct {
	Log        zerolog.Logger
	VersionURL string
	HTTP       *http.Client
}

func NewMeowDialer(log zerolog.Logger, versionURL string) *MeowDialer {
	return &MeowDialer{
		Log:        log,
		VersionURL: versionURL,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *MeowDialer) Dial(ctx context.Context, sessionID, credDir string) (Transport, error) {
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	log := d.Log.With().Str("session_id", sessionID).Logger()

	address := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(credDir, "creds.db"))
	container, err := sqlstore.New(ctx, "sqlite3", address, waLog.Zerolog(log.With().Str("component", "credstore").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	// Freshness probe. Failure must never abort the connection setup, the
	// library's bundled version is good enough then.
	if d.VersionURL != "" {
		if version, err := probeWebVersion(ctx, d.HTTP, d.VersionURL); err == nil {
			store.SetWAVersion(version)
			log.Debug().Str("version", version.String()).Msg("using probed web version")
		} else {
			log.Debug().Err(err).Msg("version probe failed, using bundled version")
		}
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("component", "whatsmeow").Logger()))
	// The session state machine owns reconnection policy.
	client.EnableAutoReconnect = false

	t := newMeowTransport(client, container)
	client.AddEventHandler(t.translate)

	// The QR channel must be requested before connecting, and only exists
	// for devices that have not paired yet.
	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			t.Disconnect()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		go t.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		t.Disconnect()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return t, nil
}

type meowTransport struct {
	client *whatsmeow.Client
	// container is the credential store backing the client; the transport
	// owns it and closes it on Disconnect.
	container *sqlstore.Container

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	out  chan Event
	done chan struct{}
}

func newMeowTransport(client *whatsmeow.Client, container *sqlstore.Container) *meowTransport {
	t := &meowTransport{
		client:    client,
		container: container,
		out:       make(chan Event, 8),
		done:      make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.dispatch()
	return t
}

func (t *meowTransport) Events() <-chan Event {
	return t.out
}

// emit appends to an unbounded queue. The protocol loop never blocks on a
// slow consumer and no event is lost while the transport is live; a missed
// ClosedEvent would leave the session believing it is open forever.
func (t *meowTransport) emit(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, evt)
	t.cond.Signal()
}

// dispatch drains the queue into the consumer channel in protocol order.
func (t *meowTransport) dispatch() {
	defer close(t.out)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		evt := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		select {
		case t.out <- evt:
		case <-t.done:
			return
		}
	}
}

func (t *meowTransport) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			t.emit(QREvent{Code: item.Code})
		case "timeout":
			t.emit(ClosedEvent{Reason: ReasonTimedOut})
		}
		// "success" is followed by PairSuccess and Connected events.
	}
}

func (t *meowTransport) translate(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		t.emit(CredentialsEvent{Self: e.ID, Platform: e.Platform})
	case *events.Connected:
		// Restored credentials skip PairSuccess, surface the identity here
		// so it is always observable before any message event.
		if id := t.client.Store.ID; id != nil {
			t.emit(CredentialsEvent{Self: *id, Platform: t.client.Store.Platform})
		}
		t.emit(OpenedEvent{})
	case *events.Disconnected:
		t.emit(ClosedEvent{Reason: ReasonConnectionLost})
	case *events.StreamReplaced:
		t.emit(ClosedEvent{Reason: ReasonConnectionReplaced})
	case *events.StreamError:
		t.emit(ClosedEvent{Reason: ReasonUnavailableService})
	case *events.LoggedOut:
		t.emit(ClosedEvent{Reason: ReasonLoggedOut})
	case *events.TemporaryBan:
		t.emit(ClosedEvent{Reason: ReasonForbidden})
	case *events.ClientOutdated:
		t.emit(ClosedEvent{Reason: ReasonMultideviceMismatch})
	case *events.Message:
		t.emit(MessagesEvent{
			Items: []*Message{{
				Chat:      e.Info.Chat,
				Sender:    e.Info.Sender,
				SenderAlt: e.Info.SenderAlt,
				ID:        e.Info.ID,
				Timestamp: e.Info.Timestamp,
				PushName:  e.Info.PushName,
				FromMe:    e.Info.IsFromMe,
				Content:   e.Message,
			}},
			Live: true,
		})
	case *events.HistorySync:
		// Historical backfill, delivered so the consumer can discard it
		// explicitly instead of it vanishing here.
		t.emit(MessagesEvent{Live: false})
	case *events.Receipt:
		items := make([]Receipt, 0, len(e.MessageIDs))
		for _, id := range e.MessageIDs {
			items = append(items, Receipt{
				MessageID: id,
				Chat:      e.Chat,
				Ack:       ackForReceipt(e.Type),
			})
		}
		t.emit(ReceiptsEvent{Items: items})
	default:
		t.emit(UnknownEvent{Kind: fmt.Sprintf("%T", evt)})
	}
}

func ackForReceipt(receiptType types.ReceiptType) int {
	switch receiptType {
	case types.ReceiptTypeDelivered:
		return 3
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return 4
	case types.ReceiptTypePlayed, types.ReceiptTypePlayedSelf:
		return 5
	case types.ReceiptTypeSender:
		return 2
	default:
		return 1
	}
}

func (t *meowTransport) SendText(ctx context.Context, to types.JID, text string) error {
	_, err := t.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (t *meowTransport) SendPresence(ctx context.Context, state Presence, to types.JID) error {
	switch state {
	case PresenceComposing:
		return t.client.SendChatPresence(ctx, to, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	case PresenceAvailable:
		if to.IsEmpty() {
			return t.client.SendPresence(ctx, types.PresenceAvailable)
		}
		return t.client.SendChatPresence(ctx, to, types.ChatPresencePaused, types.ChatPresenceMediaText)
	case PresenceUnavailable:
		return t.client.SendPresence(ctx, types.PresenceUnavailable)
	}
	return fmt.Errorf("unknown presence state %q", state)
}

func (t *meowTransport) DownloadAudio(ctx context.Context, msg *Message) ([]byte, error) {
	audio := msg.Content.GetAudioMessage()
	if audio == nil {
		return nil, ErrNoAudio
	}
	return t.client.Download(ctx, audio)
}

func (t *meowTransport) Logout(ctx context.Context) error {
	return t.client.Logout(ctx)
}

func (t *meowTransport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.queue = nil
	close(t.done)
	t.cond.Signal()
	t.mu.Unlock()

	t.client.Disconnect()
	if t.container != nil {
		_ = t.container.Close()
	}
}
