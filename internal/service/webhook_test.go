package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"wabridge/internal/wa"
)

func textMessage(chatUser, body string) *wa.Message {
	return &wa.Message{
		Chat:      types.NewJID(chatUser, types.DefaultUserServer),
		Sender:    types.NewJID(chatUser, types.DefaultUserServer),
		ID:        "3EB0ABC123",
		Timestamp: time.Unix(1700000000, 0),
		PushName:  "Alice",
		Content:   &waE2E.Message{Conversation: proto.String(body)},
	}
}

func audioMessage(chatUser string) *wa.Message {
	return &wa.Message{
		Chat:      types.NewJID(chatUser, types.DefaultUserServer),
		Sender:    types.NewJID(chatUser, types.DefaultUserServer),
		ID:        "3EB0AUDIO1",
		Timestamp: time.Unix(1700000100, 0),
		PushName:  "Bob",
		Content: &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:        proto.String("https://mmg.whatsapp.net/v/t62.7117-24/voice.enc"),
			Mimetype:   proto.String("audio/ogg; codecs=opus"),
			FileLength: proto.Uint64(3),
		}},
	}
}

// webhookSink records every delivery it receives.
type webhookSink struct {
	mu       sync.Mutex
	payloads []WebhookPayload
	headers  []http.Header
	server   *httptest.Server
}

func newWebhookSink(t *testing.T) *webhookSink {
	t.Helper()
	sink := &webhookSink{}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload WebhookPayload
		require.NoError(t, json.Unmarshal(body, &payload))

		sink.mu.Lock()
		sink.payloads = append(sink.payloads, payload)
		sink.headers = append(sink.headers, r.Header.Clone())
		sink.mu.Unlock()
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *webhookSink) payload(i int) WebhookPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[i]
}

func (s *webhookSink) header(i int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[i]
}

func newTestNormalizer(store ClientStore, registry *Registry) *Normalizer {
	return NewNormalizer(store, registry, time.Second, zerolog.Nop())
}

func TestFormatStatusTotal(t *testing.T) {
	cases := []struct {
		ack  int
		want string
	}{
		{0, "failed"},
		{1, "sent"},
		{2, "sent"},
		{3, "delivered"},
		{4, "read"},
		{5, "read"},
		{9, "failed"},
		{-1, "failed"},
	}
	chat := types.NewJID("5511999999999", types.DefaultUserServer)
	for _, tc := range cases {
		status := FormatStatus(wa.Receipt{MessageID: "MSG1", Chat: chat, Ack: tc.ack})
		assert.Equal(t, tc.want, status.Status, "ack %d", tc.ack)
		assert.Equal(t, "MSG1", status.ID)
		assert.Equal(t, "5511999999999@s.whatsapp.net", status.RecipientID)
		assert.NotEmpty(t, status.Timestamp)
	}
}

func TestFormatMessageText(t *testing.T) {
	n := newTestNormalizer(newFakeStore(), NewRegistry())
	m := textMessage("5511999999999", "hi")

	out := n.FormatMessage(context.Background(), "42", m)

	assert.Equal(t, "text", out.Type)
	assert.Equal(t, "5511999999999", out.From)
	assert.Equal(t, "3EB0ABC123", out.ID)
	assert.Equal(t, strconv.FormatInt(m.Timestamp.Unix(), 10), out.Timestamp)
	require.NotNil(t, out.Text)
	assert.Equal(t, "hi", out.Text.Body)
	assert.Nil(t, out.Text.Audio)
	assert.Nil(t, out.Context)
	assert.Contains(t, out.FullBody, `"chat":"5511999999999@s.whatsapp.net"`)
	assert.Contains(t, out.FullBody, `"pushName":"Alice"`)
}

func TestFormatMessageGroupQuote(t *testing.T) {
	n := newTestNormalizer(newFakeStore(), NewRegistry())
	m := &wa.Message{
		Chat:      types.NewJID("120363041234567890", types.GroupServer),
		Sender:    types.NewJID("5511999999999", types.DefaultUserServer),
		SenderAlt: types.NewJID("5511999999999", types.DefaultUserServer),
		ID:        "3EB0GROUP1",
		Timestamp: time.Unix(1700000200, 0),
		Content: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("replying"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String("3EB0QUOTED"),
				Participant: proto.String("5521988887777@s.whatsapp.net"),
			},
		}},
	}

	out := n.FormatMessage(context.Background(), "42", m)

	assert.Equal(t, "text", out.Type)
	assert.Equal(t, "replying", out.Text.Body)
	assert.Equal(t, "120363041234567890", out.From)
	require.NotNil(t, out.Context)
	assert.Equal(t, "5521988887777", out.Context.From)
	assert.Equal(t, "3EB0QUOTED", out.Context.ID)
	assert.Equal(t, "120363041234567890@g.us", out.Context.GroupID)
}

func TestFormatMessageAudio(t *testing.T) {
	registry := NewRegistry()
	n := newTestNormalizer(newFakeStore(), registry)

	transport := newFakeTransport()
	transport.audio = []byte("abc")
	session := NewSession("42", nil, 0, zerolog.Nop())
	session.transport = transport
	registry.Set("42", session)

	out := n.FormatMessage(context.Background(), "42", audioMessage("5511999999999"))

	assert.Equal(t, "audio64", out.Type)
	require.NotNil(t, out.Text)
	assert.Empty(t, out.Text.Body)
	require.NotNil(t, out.Text.Audio)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("abc")), out.Text.Audio.Data)
	assert.Equal(t, "audio/ogg; codecs=opus", out.Text.Audio.Mimetype)
	assert.Equal(t, int64(3), out.Text.Audio.Filesize)
	assert.Equal(t, "https://mmg.whatsapp.net/v/t62.7117-24/voice.enc", out.Text.Audio.Filename)
}

func TestFormatMessageAudioDownloadFailure(t *testing.T) {
	registry := NewRegistry()
	n := newTestNormalizer(newFakeStore(), registry)

	transport := newFakeTransport()
	transport.audioErr = errors.New("media gone")
	session := NewSession("42", nil, 0, zerolog.Nop())
	session.transport = transport
	registry.Set("42", session)

	out := n.FormatMessage(context.Background(), "42", audioMessage("5511999999999"))

	assert.Equal(t, "audio64", out.Type)
	require.NotNil(t, out.Text.Audio)
	assert.Empty(t, out.Text.Audio.Data)
}

func TestFormatMessageAudioNoSession(t *testing.T) {
	n := newTestNormalizer(newFakeStore(), NewRegistry())

	out := n.FormatMessage(context.Background(), "42", audioMessage("5511999999999"))

	assert.Equal(t, "audio64", out.Type)
	require.NotNil(t, out.Text.Audio)
	assert.Empty(t, out.Text.Audio.Data)
}

func TestHandleDeliversMessages(t *testing.T) {
	store := newFakeStore()
	sink := newWebhookSink(t)
	n := newTestNormalizer(store, NewRegistry())

	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, store.SetIdentity(ctx, "42", "5511888887777", "5511888887777"))
	require.NoError(t, store.SetWebHook(ctx, "42", sink.server.URL))

	ok := n.Handle(ctx, "42", []*wa.Message{textMessage("5511999999999", "hi")}, nil)
	require.True(t, ok)
	require.Equal(t, 1, sink.count())

	payload := sink.payload(0)
	assert.Equal(t, "whatsapp_web_account", payload.Object)
	require.Len(t, payload.Entry, 1)
	assert.Equal(t, "42", payload.Entry[0].ID)
	require.Len(t, payload.Entry[0].Changes, 1)

	change := payload.Entry[0].Changes[0]
	assert.Equal(t, "messages", change.Field)
	assert.Equal(t, "whatsapp", change.Value.MessagingProduct)
	assert.Equal(t, "5511888887777", change.Value.Metadata.DisplayPhoneNumber)
	assert.Equal(t, "42", change.Value.Metadata.PhoneNumberID)

	require.Len(t, change.Value.Contacts, 1)
	assert.Equal(t, "Alice", change.Value.Contacts[0].Profile.Name)
	assert.Equal(t, "5511999999999", change.Value.Contacts[0].WaID)

	require.Len(t, change.Value.Messages, 1)
	assert.Equal(t, "text", change.Value.Messages[0].Type)
	assert.Equal(t, "hi", change.Value.Messages[0].Text.Body)

	header := sink.header(0)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.NotEmpty(t, header.Get("X-Delivery-ID"))
}

func TestHandleDeliversStatuses(t *testing.T) {
	store := newFakeStore()
	sink := newWebhookSink(t)
	n := newTestNormalizer(store, NewRegistry())

	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, store.SetWebHook(ctx, "42", sink.server.URL))

	receipts := []wa.Receipt{{
		MessageID: "MSG1",
		Chat:      types.NewJID("5511999999999", types.DefaultUserServer),
		Ack:       3,
	}}
	require.True(t, n.Handle(ctx, "42", nil, receipts))
	require.Equal(t, 1, sink.count())

	change := sink.payload(0).Entry[0].Changes[0]
	assert.Equal(t, "message_status", change.Field)
	require.Len(t, change.Value.Statuses, 1)
	assert.Equal(t, "delivered", change.Value.Statuses[0].Status)
	assert.Equal(t, "MSG1", change.Value.Statuses[0].ID)
	assert.Empty(t, change.Value.Messages)
}

func TestHandleEmptyBatchIsNoop(t *testing.T) {
	store := newFakeStore()
	sink := newWebhookSink(t)
	n := newTestNormalizer(store, NewRegistry())

	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, store.SetWebHook(ctx, "42", sink.server.URL))

	assert.True(t, n.Handle(ctx, "42", nil, nil))
	assert.Equal(t, 0, sink.count())
}

func TestHandleWithoutWebhookURL(t *testing.T) {
	store := newFakeStore()
	n := newTestNormalizer(store, NewRegistry())

	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, "42")
	require.NoError(t, err)

	// Normalization succeeds even when nobody subscribed.
	assert.True(t, n.Handle(ctx, "42", []*wa.Message{textMessage("5511999999999", "hi")}, nil))
}

func TestHandleUnknownClient(t *testing.T) {
	n := newTestNormalizer(newFakeStore(), NewRegistry())
	assert.False(t, n.Handle(context.Background(), "missing", []*wa.Message{textMessage("5511999999999", "hi")}, nil))
}

func TestHandleReloadsWebhookURL(t *testing.T) {
	store := newFakeStore()
	sink := newWebhookSink(t)
	n := newTestNormalizer(store, NewRegistry())

	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, "42")
	require.NoError(t, err)

	// URL registered after the record was first loaded still wins.
	require.True(t, n.Handle(ctx, "42", []*wa.Message{textMessage("5511999999999", "one")}, nil))
	assert.Equal(t, 0, sink.count())

	require.NoError(t, store.SetWebHook(ctx, "42", sink.server.URL))
	require.True(t, n.Handle(ctx, "42", []*wa.Message{textMessage("5511999999999", "two")}, nil))
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "two", sink.payload(0).Entry[0].Changes[0].Value.Messages[0].Text.Body)
}

func TestHandleDeliveryFailure(t *testing.T) {
	store := newFakeStore()
	n := newTestNormalizer(store, NewRegistry())

	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, "42")
	require.NoError(t, err)

	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()
	require.NoError(t, store.SetWebHook(ctx, "42", dead.URL))

	assert.False(t, n.Handle(ctx, "42", []*wa.Message{textMessage("5511999999999", "hi")}, nil))
}

func TestSendDisconnected(t *testing.T) {
	store := newFakeStore()
	sink := newWebhookSink(t)
	n := newTestNormalizer(store, NewRegistry())

	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, store.SetIdentity(ctx, "42", "5511888887777", "5511888887777"))
	require.NoError(t, store.SetWebHook(ctx, "42", sink.server.URL))

	record, err := store.Get(ctx, "42")
	require.NoError(t, err)
	require.True(t, n.SendDisconnected(ctx, record))

	require.Equal(t, 1, sink.count())
	change := sink.payload(0).Entry[0].Changes[0]
	assert.Equal(t, "whatsapp_web_disconected", change.Field)
	assert.Empty(t, change.Value.Messages)
	assert.Empty(t, change.Value.Statuses)
	assert.Equal(t, "5511888887777", change.Value.Metadata.DisplayPhoneNumber)
}
