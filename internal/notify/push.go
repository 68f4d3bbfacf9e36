package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultPushTimeout = 10 * time.Second
	topicPrefix        = "/topics/"
	maxErrorBodyBytes  = 512
)

var errMissingPushEndpoint = errors.New("notify: push endpoint is required")

// PushGatewayConfig configures PushGateway.
type PushGatewayConfig struct {
	Endpoint      string
	ServerKey     string
	HTTPClient    *http.Client
	RatePerSecond float64
	Logger        *zap.Logger
}

// PushGateway posts push payloads to an FCM compatible HTTP endpoint. Devices are addressed by registration
// token, topics by "/topics/{name}".
type PushGateway struct {
	endpoint  string
	serverKey string
	client    *http.Client
	guard     *guard
}

type pushRequest struct {
	To string `json:"to"`
	PushPayload
}

// NewPushGateway constructs a gateway client.
func NewPushGateway(cfg PushGatewayConfig) (*PushGateway, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errMissingPushEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPushTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushGateway{
		endpoint:  cfg.Endpoint,
		serverKey: cfg.ServerKey,
		client:    client,
		guard:     newGuard("push", cfg.RatePerSecond, logger),
	}, nil
}

// SendToDevice pushes to one registration token.
func (g *PushGateway) SendToDevice(ctx context.Context, token string, push Push) error {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(token, topicPrefix) {
		return fmt.Errorf("%w: device token %q", ErrInvalidRecipient, token)
	}
	return g.post(ctx, token, push)
}

// SendToTopic pushes to every device subscribed to topic.
func (g *PushGateway) SendToTopic(ctx context.Context, topic string, push Push) error {
	if err := recipientValidator.Var(topic, "required,alphanum"); err != nil {
		return fmt.Errorf("%w: topic %q", ErrInvalidRecipient, topic)
	}
	return g.post(ctx, topicPrefix+topic, push)
}

func (g *PushGateway) post(ctx context.Context, to string, push Push) error {
	body, err := json.Marshal(pushRequest{To: to, PushPayload: push.Payload()})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	return g.guard.do(ctx, func(ctx context.Context) error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build push request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")
		if g.serverKey != "" {
			request.Header.Set("Authorization", "key="+g.serverKey)
		}

		response, err := g.client.Do(request)
		if err != nil {
			return fmt.Errorf("push request: %w", err)
		}
		defer func() { _ = response.Body.Close() }()

		if response.StatusCode < 200 || response.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
			return fmt.Errorf("push gateway returned %d: %s", response.StatusCode, strings.TrimSpace(string(detail)))
		}
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	})
}
