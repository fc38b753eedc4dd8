package service

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"wabridge/internal/helper"
	"wabridge/internal/wa"
)

var ErrNotConnected = errors.New("session not connected")

type Status string

const (
	StatusOff     Status = "off"
	StatusStarted Status = "started"
	StatusQRCode  Status = "qrCode"
	StatusOpened  Status = "opened"
	StatusClosed  Status = "closed"
)

// Session is the connection state machine for one account. It owns at most
// one live transport, replaced wholesale on reconnect, and re-exposes
// transport events through a fixed callback set. Each event kind holds at
// most one handler; registering again silently replaces the previous one.
type Session struct {
	id      string
	dialer  wa.Dialer
	backoff time.Duration
	log     zerolog.Logger
	sleep   func(time.Duration)

	mu         sync.Mutex
	status     Status
	transport  wa.Transport
	sessionDir string
	lastQR     string
	connected  bool
	closeOnce  sync.Once

	callbacks struct {
		qrCode      func(string)
		open        func()
		close       func()
		update      func([]wa.Receipt)
		credentials func(wa.CredentialsEvent)
		message     func([]*wa.Message)
	}
}

func NewSession(id string, dialer wa.Dialer, backoff time.Duration, log zerolog.Logger) *Session {
	return &Session{
		id:      id,
		dialer:  dialer,
		backoff: backoff,
		log:     log.With().Str("session_id", id).Logger(),
		sleep:   time.Sleep,
		status:  StatusOff,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastQR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQR
}

func (s *Session) OnQRCode(fn func(code string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks.qrCode = fn
}

func (s *Session) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks.open = fn
}

func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks.close = fn
}

func (s *Session) OnUpdate(fn func(items []wa.Receipt)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks.update = fn
}

func (s *Session) OnCredentials(fn func(creds wa.CredentialsEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks.credentials = fn
}

func (s *Session) OnMessage(fn func(items []*wa.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks.message = fn
}

// Connect opens a transport using the credentials persisted under
// sessionDir/<id>, creating them on first use, and starts the event loop.
func (s *Session) Connect(ctx context.Context, sessionDir string) error {
	credDir := filepath.Join(sessionDir, s.id)
	transport, err := s.dialer.Dial(ctx, s.id, credDir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.transport = transport
	s.sessionDir = sessionDir
	s.status = StatusStarted
	s.connected = true
	s.mu.Unlock()

	go s.run(transport, sessionDir)
	return nil
}

// run consumes one transport's event stream until it closes or the
// connection drops. Transient drops re-enter Connect with the same
// directory; reconnection is not bounded or capped.
func (s *Session) run(transport wa.Transport, sessionDir string) {
	for evt := range transport.Events() {
		switch e := evt.(type) {
		case wa.QREvent:
			s.mu.Lock()
			s.status = StatusQRCode
			s.lastQR = e.Code
			fn := s.callbacks.qrCode
			s.mu.Unlock()
			if fn != nil {
				fn(e.Code)
			}

		case wa.OpenedEvent:
			s.mu.Lock()
			s.status = StatusOpened
			fn := s.callbacks.open
			s.mu.Unlock()
			if fn != nil {
				fn()
			}

		case wa.CredentialsEvent:
			s.mu.Lock()
			fn := s.callbacks.credentials
			s.mu.Unlock()
			if fn != nil {
				fn(e)
			}

		case wa.MessagesEvent:
			if !e.Live {
				// Historical backfill is discarded unprocessed.
				continue
			}
			s.mu.Lock()
			fn := s.callbacks.message
			s.mu.Unlock()
			if fn != nil {
				fn(e.Items)
			}

		case wa.ReceiptsEvent:
			s.mu.Lock()
			fn := s.callbacks.update
			s.mu.Unlock()
			if fn != nil {
				fn(e.Items)
			}

		case wa.ClosedEvent:
			transport.Disconnect()
			if e.Reason.Transient() {
				s.log.Warn().Int("reason", int(e.Reason)).Msg("transient disconnect, reconnecting")
				s.reconnect(sessionDir)
				return
			}
			s.mu.Lock()
			s.status = StatusClosed
			fn := s.callbacks.close
			s.mu.Unlock()
			s.closeOnce.Do(func() {
				if fn != nil {
					fn()
				}
			})
			return

		case wa.UnknownEvent:
			s.log.Debug().Str("kind", e.Kind).Msg("ignoring unmodeled transport event")
		}
	}
}

func (s *Session) reconnect(sessionDir string) {
	for {
		if s.backoff > 0 {
			s.sleep(s.backoff)
		}
		err := s.Connect(context.Background(), sessionDir)
		if err == nil {
			return
		}
		s.log.Warn().Err(err).Msg("reconnect attempt failed")
		if s.backoff == 0 {
			// Avoid a hot loop when dialing itself keeps failing.
			s.sleep(time.Second)
		}
	}
}

// TypingDelay is how long the paced send waits between the composing and
// available presence updates, proportional to the message length.
func TypingDelay(text string) time.Duration {
	return time.Duration(math.Log2(float64(len(text)+10)) * float64(time.Second))
}

// SendMessage delivers a text message wrapped in a presence sequence that
// mimics human pacing: available, composing, a length-proportional pause,
// available again, the send itself, then unavailable.
func (s *Session) SendMessage(ctx context.Context, to, text string) error {
	s.mu.Lock()
	transport := s.transport
	status := s.status
	s.mu.Unlock()
	if transport == nil || status != StatusOpened {
		return ErrNotConnected
	}

	jid := helper.ToJID(to)

	_ = transport.SendPresence(ctx, wa.PresenceAvailable, types.EmptyJID)
	_ = transport.SendPresence(ctx, wa.PresenceComposing, jid)
	s.sleep(TypingDelay(text))
	_ = transport.SendPresence(ctx, wa.PresenceAvailable, jid)
	if err := transport.SendText(ctx, jid, text); err != nil {
		return err
	}
	_ = transport.SendPresence(ctx, wa.PresenceUnavailable, types.EmptyJID)
	return nil
}

// DownloadAudio fetches the audio attachment of a message through the live
// transport.
func (s *Session) DownloadAudio(ctx context.Context, msg *wa.Message) ([]byte, error) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return nil, ErrNotConnected
	}
	return transport.DownloadAudio(ctx, msg)
}

// Logout terminates the protocol session on the server side.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	connected := s.connected
	s.mu.Unlock()
	if !connected || transport == nil {
		return ErrNotConnected
	}
	return transport.Logout(ctx)
}

// Destroy logs out, drops the transport and removes the on-disk credential
// directory. The account has to pair from scratch afterwards.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	connected := s.connected
	credDir := filepath.Join(s.sessionDir, s.id)
	s.mu.Unlock()
	if !connected || transport == nil {
		return ErrNotConnected
	}

	if err := transport.Logout(ctx); err != nil {
		s.log.Debug().Err(err).Msg("logout during destroy failed")
	}
	transport.Disconnect()

	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()

	return os.RemoveAll(credDir)
}
