package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/sync/singleflight"

	"wabridge/internal/helper"
	"wabridge/internal/model"
	"wabridge/internal/wa"
	"wabridge/internal/ws"
)

// ClientStore is the persistence collaborator for client records.
// model.SQLStore is the production implementation.
type ClientStore interface {
	FindOrCreate(ctx context.Context, clientID string) (*model.Client, bool, error)
	Get(ctx context.Context, clientID string) (*model.Client, error)
	List(ctx context.Context) ([]*model.Client, error)
	Count(ctx context.Context) (int, error)
	SetReady(ctx context.Context, clientID string, ready bool) error
	SetQRCode(ctx context.Context, clientID, qrCode string) error
	SetIdentity(ctx context.Context, clientID, name, phoneID string) error
	SetWebHook(ctx context.Context, clientID, webHook string) error
	Delete(ctx context.Context, clientID string) error
}

// Orchestrator guarantees at most one live session per account, keeps the
// persisted client record in step with the session lifecycle, and routes
// message and receipt events into the webhook normalizer.
type Orchestrator struct {
	store      ClientStore
	registry   *Registry
	dialer     wa.Dialer
	hooks      *Normalizer
	sessionDir string
	backoff    time.Duration
	log        zerolog.Logger
	flight     singleflight.Group

	// Realtime is optional; when set, session status changes are broadcast
	// to websocket subscribers.
	Realtime ws.RealtimePublisher
}

func NewOrchestrator(store ClientStore, registry *Registry, dialer wa.Dialer, hooks *Normalizer, sessionDir string, backoff time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		registry:   registry,
		dialer:     dialer,
		hooks:      hooks,
		sessionDir: sessionDir,
		backoff:    backoff,
		log:        log.With().Str("component", "orchestrator").Logger(),
	}
}

// NextClientID auto-assigns an id for records created without one.
func (o *Orchestrator) NextClientID(ctx context.Context) (string, error) {
	count, err := o.store.Count(ctx)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(count + 1), nil
}

// FindClient returns the persisted record for clientID, connecting a session
// for it first when none is live. The nil record result means the client is
// unreachable: construction failed, or it is not ready yet and canCreate is
// false. Concurrent calls for the same uninitialized id share one
// construction attempt.
func (o *Orchestrator) FindClient(ctx context.Context, clientID string, canCreate bool) (*model.Client, error) {
	record, created, err := o.store.FindOrCreate(ctx, clientID)
	if err != nil {
		return nil, err
	}

	// Fast path: the record existed and a session is already live.
	if !created && o.registry.Get(clientID) != nil {
		return record, nil
	}

	result, err, _ := o.flight.Do(clientID, func() (interface{}, error) {
		return o.startSession(ctx, clientID)
	})
	ok := err == nil && result.(bool)
	if !ok {
		if err != nil {
			o.log.Error().Err(err).Str("client_id", clientID).Msg("session construction failed")
		}
		// startSession registers the session before connecting, so a failure
		// here (including the caller's context expiring at the barrier) can
		// leave a live transport behind. Tear it down on a background context;
		// ctx may already be cancelled.
		bg := context.Background()
		if session := o.registry.Get(clientID); session != nil {
			if derr := session.Destroy(bg); derr != nil && !errors.Is(derr, ErrNotConnected) {
				o.log.Debug().Err(derr).Str("client_id", clientID).Msg("destroy failed during teardown")
			}
		}
		o.registry.Delete(clientID)
		_ = o.store.Delete(bg, clientID)
		return nil, nil
	}

	record, err = o.store.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, model.ErrClientNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if !record.Ready && !canCreate {
		// Never expose a half-authenticated session to readiness-requiring
		// reads: tear the attempt down and report not found.
		if session := o.registry.Get(clientID); session != nil {
			if err := session.Logout(ctx); err != nil {
				o.log.Debug().Err(err).Str("client_id", clientID).Msg("logout failed during teardown")
			}
			if err := session.Destroy(ctx); err != nil {
				o.log.Debug().Err(err).Str("client_id", clientID).Msg("destroy failed during teardown")
			}
			o.registry.Delete(clientID)
		}
		_ = o.store.Delete(ctx, clientID)
		return nil, nil
	}

	return record, nil
}

// startSession builds a session, wires its callbacks and blocks until the
// session reaches a stable state: QR issued, connection opened, or failure.
func (o *Orchestrator) startSession(ctx context.Context, clientID string) (bool, error) {
	session := NewSession(clientID, o.dialer, o.backoff, o.log)

	resolved := make(chan bool, 1)
	var once sync.Once
	resolve := func(ok bool) {
		once.Do(func() { resolved <- ok })
	}

	session.OnClose(func() {
		// Callbacks run on the session event loop, long after FindClient may
		// have returned; never tie them to a request context.
		bg := context.Background()
		o.log.Warn().Str("client_id", clientID).Msg("client disconnected")

		record, err := o.store.Get(bg, clientID)
		o.registry.Delete(clientID)
		_ = o.store.SetReady(bg, clientID, false)
		if err == nil {
			o.hooks.SendDisconnected(bg, record)
		}
		o.publishStatus(clientID, "closed", false)
		_ = o.store.Delete(bg, clientID)
		if err := session.Destroy(bg); err != nil {
			o.log.Debug().Err(err).Str("client_id", clientID).Msg("destroy after close failed")
		}
		resolve(false)
	})

	session.OnQRCode(func(code string) {
		bg := context.Background()
		image, err := helper.QRImageDataURL(code)
		if err != nil {
			o.log.Error().Err(err).Str("client_id", clientID).Msg("failed to encode qr image")
			image = code
		}
		if err := o.store.SetQRCode(bg, clientID, image); err != nil {
			o.log.Warn().Err(err).Str("client_id", clientID).Msg("failed to persist qr code")
		}
		o.publishStatus(clientID, "qr_code", false)
		resolve(true)
	})

	session.OnOpen(func() {
		bg := context.Background()
		if err := o.store.SetReady(bg, clientID, true); err != nil {
			o.log.Warn().Err(err).Str("client_id", clientID).Msg("failed to mark client ready")
		}
		o.log.Info().Str("client_id", clientID).Msg("client initialized")
		o.publishStatus(clientID, "open", true)
		resolve(true)
	})

	session.OnCredentials(func(creds wa.CredentialsEvent) {
		phone := creds.Self.User
		if phone == "" {
			return
		}
		if err := o.store.SetIdentity(context.Background(), clientID, phone, phone); err != nil {
			o.log.Warn().Err(err).Str("client_id", clientID).Msg("failed to persist identity")
		}
	})

	session.OnUpdate(func(items []wa.Receipt) {
		o.hooks.Handle(context.Background(), clientID, nil, items)
	})

	session.OnMessage(func(items []*wa.Message) {
		filtered := filterMessages(items)
		if len(filtered) == 0 {
			return
		}
		o.hooks.Handle(context.Background(), clientID, filtered, nil)
	})

	o.registry.Set(clientID, session)

	if err := session.Connect(ctx, o.sessionDir); err != nil {
		return false, err
	}

	select {
	case ok := <-resolved:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ReconnectAll restores sessions for every persisted client record,
// typically after a restart. Individual failures are logged and skipped.
func (o *Orchestrator) ReconnectAll(ctx context.Context) error {
	records, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	o.log.Info().Int("count", len(records)).Msg("reconnecting persisted clients")

	for _, record := range records {
		if o.registry.Get(record.ClientID) != nil {
			continue
		}
		if _, err := o.FindClient(ctx, record.ClientID, true); err != nil {
			o.log.Warn().Err(err).Str("client_id", record.ClientID).Msg("failed to reconnect client")
		}
	}
	return nil
}

// RemoveClient tears an account down on request: server-side logout,
// credential wipe, registry and record removal.
func (o *Orchestrator) RemoveClient(ctx context.Context, clientID string) error {
	if session := o.registry.Get(clientID); session != nil {
		if err := session.Logout(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			o.log.Warn().Err(err).Str("client_id", clientID).Msg("logout failed during removal")
		}
		if err := session.Destroy(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			o.log.Warn().Err(err).Str("client_id", clientID).Msg("destroy failed during removal")
		}
		o.registry.Delete(clientID)
	}
	return o.store.Delete(ctx, clientID)
}

func (o *Orchestrator) publishStatus(clientID, status string, ready bool) {
	if o.Realtime == nil {
		return
	}
	o.Realtime.Publish(ws.Event{
		Event: ws.EventClientStatusChanged,
		Data: ws.ClientStatusChangedData{
			ClientID: clientID,
			Status:   status,
			Ready:    ready,
		},
	})
}

// filterMessages drops everything the webhook must not see: self-authored
// messages, messages without an addressable origin or id, broadcast-status
// pseudo-messages, and messages with neither audio nor extractable text.
func filterMessages(items []*wa.Message) []*wa.Message {
	filtered := make([]*wa.Message, 0, len(items))
	for _, m := range items {
		if m.FromMe || m.Chat.IsEmpty() || m.ID == "" {
			continue
		}
		if m.Chat == types.StatusBroadcastJID {
			continue
		}
		if m.Content.GetAudioMessage() == nil && extractText(m) == "" {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}
