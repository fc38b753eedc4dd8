package service

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"

	"wabridge/internal/model"
	"wabridge/internal/wa"
)

type fakeTransport struct {
	mu        sync.Mutex
	events    chan wa.Event
	closed    bool
	actions   []string
	sent      []string
	audio     []byte
	audioErr  error
	loggedOut bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan wa.Event, 32)}
}

func (t *fakeTransport) push(evt wa.Event) {
	t.events <- evt
}

func (t *fakeTransport) Events() <-chan wa.Event { return t.events }

func (t *fakeTransport) SendText(_ context.Context, to types.JID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = append(t.actions, "send")
	t.sent = append(t.sent, to.String()+"|"+text)
	return nil
}

func (t *fakeTransport) SendPresence(_ context.Context, state wa.Presence, _ types.JID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = append(t.actions, string(state))
	return nil
}

func (t *fakeTransport) DownloadAudio(context.Context, *wa.Message) ([]byte, error) {
	return t.audio, t.audioErr
}

func (t *fakeTransport) Logout(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loggedOut = true
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

func (t *fakeTransport) actionLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.actions...)
}

func (t *fakeTransport) sentLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) wasLoggedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loggedOut
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	delay      time.Duration
	err        error
	script     []wa.Event
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string, string) (wa.Transport, error) {
	d.mu.Lock()
	d.dials++
	script := append([]wa.Event(nil), d.script...)
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}

	t := newFakeTransport()
	for _, evt := range script {
		t.events <- evt
	}

	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) setScript(script []wa.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = script
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.Client
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*model.Client)}
}

func (s *fakeStore) FindOrCreate(_ context.Context, clientID string) (*model.Client, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[clientID]; ok {
		return record, false, nil
	}
	record := &model.Client{ClientID: clientID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.records[clientID] = record
	return record, true, nil
}

func (s *fakeStore) Get(_ context.Context, clientID string) (*model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[clientID]
	if !ok {
		return nil, model.ErrClientNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *fakeStore) List(context.Context) ([]*model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*model.Client
	for _, record := range s.records {
		copied := *record
		records = append(records, &copied)
	}
	return records, nil
}

func (s *fakeStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *fakeStore) SetReady(_ context.Context, clientID string, ready bool) error {
	return s.mutate(clientID, func(c *model.Client) { c.Ready = ready })
}

func (s *fakeStore) SetQRCode(_ context.Context, clientID, qrCode string) error {
	return s.mutate(clientID, func(c *model.Client) {
		c.QRCode.String, c.QRCode.Valid = qrCode, true
		c.Ready = false
	})
}

func (s *fakeStore) SetIdentity(_ context.Context, clientID, name, phoneID string) error {
	return s.mutate(clientID, func(c *model.Client) {
		c.Name.String, c.Name.Valid = name, true
		c.PhoneID.String, c.PhoneID.Valid = phoneID, true
	})
}

func (s *fakeStore) SetWebHook(_ context.Context, clientID, webHook string) error {
	return s.mutate(clientID, func(c *model.Client) {
		c.WebHook.String, c.WebHook.Valid = webHook, true
	})
}

func (s *fakeStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, clientID)
	return nil
}

func (s *fakeStore) mutate(clientID string, fn func(*model.Client)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[clientID]
	if !ok {
		return model.ErrClientNotFound
	}
	fn(record)
	return nil
}

func (s *fakeStore) has(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[clientID]
	return ok
}
