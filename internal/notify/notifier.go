// Package notify delivers email and push notifications. Rules build immutable Email and Push values per call
// and hand them to a Notifier; Safe wraps any Notifier so that delivery failures never reach the caller.
package notify

import (
	"context"
	"errors"
)

// Channels used for metrics and logs.
const (
	ChannelEmail     = "email"
	ChannelPushUser  = "push_user"
	ChannelPushTopic = "push_topic"
)

const (
	pushSound       = "default"
	pushClickAction = "android.intent.action.MAINACTIVITY"
)

var (
	// ErrCircuitOpen is returned while a backend's circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("notify: circuit open")
	// ErrInvalidRecipient reports an unusable email address, device token or topic.
	ErrInvalidRecipient = errors.New("notify: invalid recipient")
)

// Email is one outbound message.
type Email struct {
	To      string
	Subject string
	Body    string
	HTML    bool
}

// Push is one push notification. Context and Parent tell the app which entity to open.
type Push struct {
	Title   string
	Body    string
	Context string
	Parent  string
}

// PushPayload is the wire shape understood by the mobile apps.
type PushPayload struct {
	Notification PushNotification `json:"notification"`
	Data         PushData         `json:"data"`
}

// PushNotification is the display part of a push payload.
type PushNotification struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Sound       string `json:"sound"`
	ClickAction string `json:"click_action"`
}

// PushData is the data part of a push payload.
type PushData struct {
	Title   string `json:"title"`
	Context string `json:"context"`
	Parent  string `json:"parent"`
	Body    string `json:"body"`
	Sound   string `json:"sound"`
}

// Payload renders the push in its wire shape.
func (p Push) Payload() PushPayload {
	return PushPayload{
		Notification: PushNotification{
			Title:       p.Title,
			Body:        p.Body,
			Sound:       pushSound,
			ClickAction: pushClickAction,
		},
		Data: PushData{
			Title:   p.Title,
			Context: p.Context,
			Parent:  p.Parent,
			Body:    p.Body,
			Sound:   pushSound,
		},
	}
}

// Notifier sends notifications.
type Notifier interface {
	SendEmail(ctx context.Context, email Email) error
	SendPushToUser(ctx context.Context, token string, push Push) error
	SendPushToTopic(ctx context.Context, topic string, push Push) error
}
