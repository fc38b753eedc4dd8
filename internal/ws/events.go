package ws

import "time"

const EventClientStatusChanged = "client_status_changed"

// Event is the envelope every websocket subscriber receives.
type Event struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ClientStatusChangedData reports a session lifecycle transition.
type ClientStatusChangedData struct {
	ClientID string `json:"clientId"`
	Status   string `json:"status"`
	Ready    bool   `json:"ready"`
}

// RealtimePublisher is what services hold instead of the Hub itself.
type RealtimePublisher interface {
	Publish(event Event)
}
