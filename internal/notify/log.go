package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier records notifications in the log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a dry-run notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendEmail(_ context.Context, email Email) error {
	n.logger.Info("email (dry run)",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.Bool("html", email.HTML))
	return nil
}

func (n *LogNotifier) SendPushToUser(_ context.Context, _ string, push Push) error {
	n.logger.Info("push to device (dry run)",
		zap.String("title", push.Title),
		zap.String("context", push.Context),
		zap.String("parent", push.Parent))
	return nil
}

func (n *LogNotifier) SendPushToTopic(_ context.Context, topic string, push Push) error {
	n.logger.Info("push to topic (dry run)",
		zap.String("topic", topic),
		zap.String("title", push.Title),
		zap.String("parent", push.Parent))
	return nil
}
