package notify

import (
	"context"
	"fmt"

	"github.com/naturenet/naturenet-node/internal/metrics"
	"go.uber.org/zap"
)

// Safe delivers through an inner Notifier and absorbs every failure, including panics. Each method reports
// whether the delivery went through so callers can record one-time markers.
type Safe struct {
	inner  Notifier
	logger *zap.Logger
}

// NewSafe wraps inner. A nil inner notifier is replaced by a log-only notifier.
func NewSafe(inner Notifier, logger *zap.Logger) *Safe {
	if logger == nil {
		logger = zap.NewNop()
	}
	if inner == nil {
		inner = NewLogNotifier(logger)
	}
	return &Safe{inner: inner, logger: logger}
}

// Email sends an email.
func (s *Safe) Email(ctx context.Context, email Email) bool {
	return s.deliver(ChannelEmail, []zap.Field{zap.String("to", email.To), zap.String("subject", email.Subject)},
		func() error { return s.inner.SendEmail(ctx, email) })
}

// PushToUser sends a push to one device.
func (s *Safe) PushToUser(ctx context.Context, token string, push Push) bool {
	return s.deliver(ChannelPushUser, []zap.Field{zap.String("title", push.Title), zap.String("parent", push.Parent)},
		func() error { return s.inner.SendPushToUser(ctx, token, push) })
}

// PushToTopic sends a push to every subscriber of topic.
func (s *Safe) PushToTopic(ctx context.Context, topic string, push Push) bool {
	return s.deliver(ChannelPushTopic, []zap.Field{zap.String("topic", topic), zap.String("title", push.Title)},
		func() error { return s.inner.SendPushToTopic(ctx, topic, push) })
}

func (s *Safe) deliver(channel string, fields []zap.Field, send func() error) (delivered bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("notify: panic: %v", recovered)
			metrics.RecordNotification(channel, err)
			s.logger.Error("notification panicked", append(fields, zap.String("channel", channel), zap.Error(err))...)
			delivered = false
		}
	}()

	err := send()
	metrics.RecordNotification(channel, err)
	if err != nil {
		s.logger.Warn("notification failed", append(fields, zap.String("channel", channel), zap.Error(err))...)
		return false
	}
	return true
}
