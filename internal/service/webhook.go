package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"

	"wabridge/internal/helper"
	"wabridge/internal/model"
	"wabridge/internal/wa"
)

// Canonical webhook envelope. The shape follows the Meta cloud API payload,
// with object "whatsapp_web_account" marking it as coming from this bridge.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Value WebhookValue `json:"value"`
	Field string       `json:"field"`
}

type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []WebhookMessage `json:"messages,omitempty"`
	Statuses         []WebhookStatus  `json:"statuses,omitempty"`
}

type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	Profile WebhookProfile `json:"profile"`
	WaID    string         `json:"wa_id"`
}

type WebhookProfile struct {
	Name string `json:"name"`
	LID  string `json:"lid"`
}

type WebhookMessage struct {
	From      string          `json:"from"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Text      *WebhookText    `json:"text,omitempty"`
	Context   *WebhookContext `json:"context,omitempty"`
	FullBody  string          `json:"fullBody"`
}

type WebhookText struct {
	Body  string        `json:"body,omitempty"`
	Audio *WebhookAudio `json:"audio,omitempty"`
}

type WebhookAudio struct {
	Data     string `json:"data"`
	Mimetype string `json:"mimetype"`
	Filesize int64  `json:"filesize"`
	Filename string `json:"filename"`
}

type WebhookContext struct {
	From    string `json:"from,omitempty"`
	ID      string `json:"id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

type WebhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Normalizer turns protocol-native events into the canonical webhook payload
// and delivers it to the account's callback URL, fire-and-forget.
type Normalizer struct {
	store    ClientStore
	registry *Registry
	http     *http.Client
	log      zerolog.Logger
}

func NewNormalizer(store ClientStore, registry *Registry, timeout time.Duration, log zerolog.Logger) *Normalizer {
	return &Normalizer{
		store:    store,
		registry: registry,
		http:     &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

var ackStatus = map[int]string{
	0: "failed",
	1: "sent",
	2: "sent",
	3: "delivered",
	4: "read",
	5: "read",
}

// FormatStatus maps a numeric acknowledgment onto the canonical status kind.
// Receipts carry no reliable original timestamp, so the normalization time is
// used instead.
func FormatStatus(receipt wa.Receipt) WebhookStatus {
	status, ok := ackStatus[receipt.Ack]
	if !ok {
		status = "failed"
	}
	return WebhookStatus{
		ID:          receipt.MessageID,
		Status:      status,
		Timestamp:   strconv.FormatInt(time.Now().Unix(), 10),
		RecipientID: receipt.Chat.String(),
	}
}

func messageFrom(m *wa.Message) string {
	if m.Chat.User != "" {
		return m.Chat.User
	}
	return m.SenderAlt.User
}

func extractText(m *wa.Message) string {
	if ext := m.Content.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return m.Content.GetConversation()
}

// fullBody serializes the raw source event for downstream debugging/replay.
func fullBody(m *wa.Message) string {
	var content json.RawMessage
	if m.Content != nil {
		if raw, err := protojson.Marshal(m.Content); err == nil {
			content = raw
		}
	}
	body, err := json.Marshal(struct {
		Chat      string          `json:"chat"`
		Sender    string          `json:"sender"`
		ID        string          `json:"id"`
		Timestamp int64           `json:"timestamp"`
		PushName  string          `json:"pushName"`
		FromMe    bool            `json:"fromMe"`
		Message   json.RawMessage `json:"message,omitempty"`
	}{
		Chat:      m.Chat.String(),
		Sender:    m.Sender.String(),
		ID:        m.ID,
		Timestamp: m.Timestamp.Unix(),
		PushName:  m.PushName,
		FromMe:    m.FromMe,
		Message:   content,
	})
	if err != nil {
		return ""
	}
	return string(body)
}

// FormatMessage derives the canonical message shape from a raw protocol
// message. Voice messages are fetched and embedded as base64; a failed fetch
// degrades to an empty media record instead of failing the batch.
func (n *Normalizer) FormatMessage(ctx context.Context, clientID string, m *wa.Message) WebhookMessage {
	out := WebhookMessage{
		From:      messageFrom(m),
		ID:        m.ID,
		Timestamp: strconv.FormatInt(m.Timestamp.Unix(), 10),
		FullBody:  fullBody(m),
	}

	if m.Content.GetAudioMessage() != nil {
		out.Type = "audio64"
		out.Text = &WebhookText{Audio: n.downloadAudio(ctx, clientID, m)}
	} else {
		out.Type = "text"
		out.Text = &WebhookText{Body: extractText(m)}
	}

	contextInfo := m.Content.GetExtendedTextMessage().GetContextInfo()
	if contextInfo != nil || m.IsGroup() {
		msgContext := &WebhookContext{}
		if contextInfo != nil {
			msgContext.From = helper.StripJID(contextInfo.GetParticipant())
			msgContext.ID = contextInfo.GetStanzaID()
		}
		if m.IsGroup() {
			msgContext.GroupID = m.Chat.String()
		}
		out.Context = msgContext
	}

	return out
}

func (n *Normalizer) downloadAudio(ctx context.Context, clientID string, m *wa.Message) *WebhookAudio {
	record := &WebhookAudio{}

	audio := m.Content.GetAudioMessage()
	if audio == nil {
		return record
	}
	session := n.registry.Get(clientID)
	if session == nil {
		return record
	}

	data, err := session.DownloadAudio(ctx, m)
	if err != nil {
		n.log.Warn().Err(err).Str("client_id", clientID).Str("message_id", m.ID).Msg("audio download failed")
		return record
	}

	record.Data = base64.StdEncoding.EncodeToString(data)
	record.Mimetype = audio.GetMimetype()
	if record.Mimetype == "" {
		record.Mimetype = "audio/ogg"
	}
	record.Filesize = int64(audio.GetFileLength())
	if record.Filesize == 0 {
		record.Filesize = int64(len(data))
	}
	record.Filename = audio.GetURL()
	return record
}

func (n *Normalizer) buildMessageChange(ctx context.Context, record *model.Client, messages []*wa.Message) WebhookChange {
	contacts := make([]WebhookContact, 0, len(messages))
	formatted := make([]WebhookMessage, 0, len(messages))
	for _, m := range messages {
		lid := m.Sender.String()
		if lid == "" {
			lid = m.Chat.String()
		}
		contacts = append(contacts, WebhookContact{
			Profile: WebhookProfile{Name: m.PushName, LID: lid},
			WaID:    messageFrom(m),
		})
		formatted = append(formatted, n.FormatMessage(ctx, record.ClientID, m))
	}

	return WebhookChange{
		Field: "messages",
		Value: WebhookValue{
			MessagingProduct: "whatsapp",
			Metadata: WebhookMetadata{
				DisplayPhoneNumber: record.Name.String,
				PhoneNumberID:      record.ClientID,
			},
			Contacts: contacts,
			Messages: formatted,
		},
	}
}

func (n *Normalizer) buildStatusChange(record *model.Client, receipts []wa.Receipt) WebhookChange {
	statuses := make([]WebhookStatus, 0, len(receipts))
	for _, receipt := range receipts {
		statuses = append(statuses, FormatStatus(receipt))
	}

	return WebhookChange{
		Field: "message_status",
		Value: WebhookValue{
			MessagingProduct: "whatsapp",
			Metadata: WebhookMetadata{
				DisplayPhoneNumber: record.Name.String,
				PhoneNumberID:      record.ClientID,
			},
			Statuses: statuses,
		},
	}
}

// Handle normalizes the given batches and delivers them to the account's
// callback URL. It reloads the record first so the latest URL wins. The
// return value reports delivery; failures are logged and swallowed, never
// retried.
func (n *Normalizer) Handle(ctx context.Context, clientID string, messages []*wa.Message, receipts []wa.Receipt) bool {
	if len(messages) == 0 && len(receipts) == 0 {
		return true
	}

	record, err := n.store.Get(ctx, clientID)
	if err != nil {
		n.log.Warn().Err(err).Str("client_id", clientID).Msg("failed to reload client for webhook")
		return false
	}

	payload := WebhookPayload{
		Object: "whatsapp_web_account",
		Entry:  []WebhookEntry{{ID: record.ClientID}},
	}
	if len(messages) > 0 {
		payload.Entry[0].Changes = append(payload.Entry[0].Changes, n.buildMessageChange(ctx, record, messages))
	}
	if len(receipts) > 0 {
		payload.Entry[0].Changes = append(payload.Entry[0].Changes, n.buildStatusChange(record, receipts))
	}

	n.log.Debug().Str("client_id", clientID).Int("messages", len(messages)).Int("statuses", len(receipts)).Msg("webhook payload built")

	if !record.WebHook.Valid || record.WebHook.String == "" {
		return true
	}
	return n.post(ctx, record.WebHook.String, payload)
}

// SendDisconnected notifies the callback URL that the account dropped.
// Fire-and-forget like everything else here.
func (n *Normalizer) SendDisconnected(ctx context.Context, record *model.Client) bool {
	if !record.WebHook.Valid || record.WebHook.String == "" {
		return true
	}

	payload := WebhookPayload{
		Object: "whatsapp_web_account",
		Entry: []WebhookEntry{{
			ID: record.ClientID,
			Changes: []WebhookChange{{
				// Spelling preserved, consumers match on this exact string.
				Field: "whatsapp_web_disconected",
				Value: WebhookValue{
					MessagingProduct: "whatsapp",
					Metadata: WebhookMetadata{
						DisplayPhoneNumber: record.Name.String,
						PhoneNumberID:      record.ClientID,
					},
				},
			}},
		}},
	}
	return n.post(ctx, record.WebHook.String, payload)
}

func (n *Normalizer) post(ctx context.Context, url string, payload WebhookPayload) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn().Err(err).Msg("failed to marshal webhook payload")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn().Err(err).Str("url", url).Msg("failed to build webhook request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", uuid.NewString())

	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("url", url).Msg("failed to notify webhook")
		return false
	}
	_ = resp.Body.Close()
	return true
}
