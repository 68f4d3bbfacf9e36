package notify

import (
	"context"
	"errors"
)

var (
	errMissingMailer      = errors.New("notify: mailer is required")
	errMissingPushGateway = errors.New("notify: push gateway is required")
)

// Live sends email through SMTP and pushes through the push gateway.
type Live struct {
	mailer *SMTPMailer
	push   *PushGateway
}

// NewLive combines the two delivery backends into one Notifier.
func NewLive(mailer *SMTPMailer, push *PushGateway) (*Live, error) {
	if mailer == nil {
		return nil, errMissingMailer
	}
	if push == nil {
		return nil, errMissingPushGateway
	}
	return &Live{mailer: mailer, push: push}, nil
}

func (l *Live) SendEmail(ctx context.Context, email Email) error {
	return l.mailer.Send(ctx, email)
}

func (l *Live) SendPushToUser(ctx context.Context, token string, push Push) error {
	return l.push.SendToDevice(ctx, token, push)
}

func (l *Live) SendPushToTopic(ctx context.Context, topic string, push Push) error {
	return l.push.SendToTopic(ctx, topic, push)
}
