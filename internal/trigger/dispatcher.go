// Package trigger turns committed record changes into handler invocations. Changes travel over an in-process
// watermill bus so that every handler gets at-least-once delivery with retries, and writes made by a handler
// re-enter the bus like any other write.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/logging"
	"github.com/naturenet/naturenet-node/internal/metrics"
	"go.uber.org/zap"
)

const (
	recordTopicPrefix = "records."
	eventTopicPrefix  = "events."
	poisonTopic       = "trigger.poison"
	poisonHandlerName = "trigger.poison"

	defaultOutputBuffer     = 1024
	defaultCloseTimeout     = 10 * time.Second
	defaultRetryInterval    = 100 * time.Millisecond
	defaultRetryMaxInterval = 5 * time.Second
	idlePollInterval        = 5 * time.Millisecond

	metadataCollection = "collection"
	metadataRecordID   = "record_id"
)

var (
	errNoBindings      = errors.New("trigger: at least one binding is required")
	errDuplicateName   = errors.New("trigger: duplicate handler name")
	errMissingHandler  = errors.New("trigger: binding handler is required")
	errMissingEventTag = errors.New("trigger: event binding topic is required")
)

// Config wires a Dispatcher.
type Config struct {
	Bindings             []Binding
	Events               []EventBinding
	Logger               *zap.Logger
	IDProvider           IDProvider
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	OutputBuffer         int64
	CloseTimeout         time.Duration
}

// Dispatcher routes record changes and application events to their handlers.
type Dispatcher struct {
	logger *zap.Logger
	pubSub *gochannel.GoChannel
	router *message.Router
	ids    IDProvider

	fanout  map[string]int
	pending atomic.Int64

	// Messages published before the router subscribed are held here, since the bus drops messages for topics
	// without subscribers.
	startMu sync.Mutex
	started bool
	backlog []*queuedMessage

	closeOnce sync.Once
}

type queuedMessage struct {
	topic string
	msg   *message.Message
}

// NewDispatcher builds the router and registers every binding. Call Run to start delivery.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if len(cfg.Bindings) == 0 && len(cfg.Events) == 0 {
		return nil, errNoBindings
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	outputBuffer := cfg.OutputBuffer
	if outputBuffer <= 0 {
		outputBuffer = defaultOutputBuffer
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	retryInterval := cfg.RetryInitialInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	watermillLogger := logging.NewWatermillLogger(logger.Named("watermill"))
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: outputBuffer}, watermillLogger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: closeTimeout}, watermillLogger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	poisonQueue, err := middleware.PoisonQueue(pubSub, poisonTopic)
	if err != nil {
		return nil, fmt.Errorf("create poison queue middleware: %w", err)
	}
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: retryInterval,
		MaxInterval:     defaultRetryMaxInterval,
		Multiplier:      2.0,
		Logger:          watermillLogger,
	}

	d := &Dispatcher{
		logger: logger,
		pubSub: pubSub,
		router: router,
		ids:    ids,
		fanout: make(map[string]int),
	}

	names := make(map[string]struct{})
	register := func(name, topic string, handle message.NoPublishHandlerFunc) error {
		if _, duplicate := names[name]; duplicate {
			return fmt.Errorf("%w: %s", errDuplicateName, name)
		}
		names[name] = struct{}{}
		handler := router.AddConsumerHandler(name, topic, pubSub, handle)
		// Outermost first: settle sees the final outcome after retries and poisoning.
		handler.AddMiddleware(d.settle(name), poisonQueue, retry.Middleware, middleware.Recoverer)
		d.fanout[topic]++
		return nil
	}

	for _, binding := range cfg.Bindings {
		if binding.Handler == nil {
			return nil, fmt.Errorf("%w: %s", errMissingHandler, binding.Name)
		}
		if err := register(binding.Name, recordTopic(binding.Pattern.Collection()), d.recordHandler(binding)); err != nil {
			return nil, err
		}
	}
	for _, event := range cfg.Events {
		if event.Handler == nil {
			return nil, fmt.Errorf("%w: %s", errMissingHandler, event.Name)
		}
		if event.Topic == "" {
			return nil, fmt.Errorf("%w: %s", errMissingEventTag, event.Name)
		}
		if err := register(event.Name, eventTopic(event.Topic), d.eventHandler(event)); err != nil {
			return nil, err
		}
	}
	router.AddConsumerHandler(poisonHandlerName, poisonTopic, pubSub, d.handlePoisoned)

	return d, nil
}

// Run delivers messages until ctx is cancelled or Close is called. Messages published before Run are
// delivered once every handler is subscribed.
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.releaseBacklog(ctx)
	return d.router.Run(ctx)
}

func (d *Dispatcher) releaseBacklog(ctx context.Context) {
	select {
	case <-d.router.Running():
	case <-ctx.Done():
		return
	}

	d.startMu.Lock()
	defer d.startMu.Unlock()
	for _, queued := range d.backlog {
		if err := d.pubSub.Publish(queued.topic, queued.msg); err != nil {
			d.adjustPending(-int64(d.fanout[queued.topic]))
			d.logger.Error("queued message publish failed",
				zap.String("topic", queued.topic),
				zap.String("message_id", queued.msg.UUID),
				zap.Error(err))
		}
	}
	if len(d.backlog) > 0 {
		d.logger.Info("released messages published before start", zap.Int("count", len(d.backlog)))
	}
	d.backlog = nil
	d.started = true
}

// Running is closed once every handler is subscribed.
func (d *Dispatcher) Running() <-chan struct{} {
	return d.router.Running()
}

// IsRunning reports whether the router is delivering.
func (d *Dispatcher) IsRunning() bool {
	return d.router.IsRunning()
}

// Close stops the router and the bus.
func (d *Dispatcher) Close() error {
	var closeErr error
	d.closeOnce.Do(func() {
		closeErr = errors.Join(d.router.Close(), d.pubSub.Close())
	})
	return closeErr
}

// Collections lists the collections at least one binding listens on, sorted.
func (d *Dispatcher) Collections() []string {
	collections := make([]string, 0, len(d.fanout))
	for topic := range d.fanout {
		if collection, ok := strings.CutPrefix(topic, recordTopicPrefix); ok {
			collections = append(collections, collection)
		}
	}
	sort.Strings(collections)
	return collections
}

// Publish hands a committed record change to every binding listening on its collection. It is meant to be
// registered as a store commit hook.
func (d *Dispatcher) Publish(_ context.Context, change datastore.RecordChange) {
	topic := recordTopic(change.Collection)
	if d.fanout[topic] == 0 {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		d.logger.Error("record change encode failed",
			zap.String("collection", change.Collection),
			zap.String("record_id", change.RecordID),
			zap.Error(err))
		return
	}
	metadata := map[string]string{
		metadataCollection: change.Collection,
		metadataRecordID:   change.RecordID,
	}
	if err := d.publish(topic, payload, metadata); err != nil {
		d.logger.Error("record change publish failed",
			zap.String("collection", change.Collection),
			zap.String("record_id", change.RecordID),
			zap.Error(err))
	}
}

// PublishEvent encodes value as JSON and hands it to the handlers bound to topic.
func (d *Dispatcher) PublishEvent(_ context.Context, topic string, value any) error {
	fullTopic := eventTopic(topic)
	if d.fanout[fullTopic] == 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("trigger: encode event %s: %w", topic, err)
	}
	return d.publish(fullTopic, payload, nil)
}

// Pending is the number of deliveries published but not yet settled.
func (d *Dispatcher) Pending() int64 {
	return d.pending.Load()
}

// WaitIdle blocks until every published delivery, including those caused by handler writes, has settled.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if d.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("trigger: %d deliveries still pending: %w", d.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) publish(topic string, payload []byte, metadata map[string]string) error {
	id, err := d.ids.NewID()
	if err != nil {
		return fmt.Errorf("trigger: message id: %w", err)
	}
	msg := message.NewMessage(id, payload)
	for key, value := range metadata {
		msg.Metadata.Set(key, value)
	}

	fanout := int64(d.fanout[topic])
	d.adjustPending(fanout)

	d.startMu.Lock()
	defer d.startMu.Unlock()
	if !d.started {
		d.backlog = append(d.backlog, &queuedMessage{topic: topic, msg: msg})
		return nil
	}
	if err := d.pubSub.Publish(topic, msg); err != nil {
		d.adjustPending(-fanout)
		return err
	}
	return nil
}

func (d *Dispatcher) adjustPending(delta int64) {
	d.pending.Add(delta)
	metrics.PendingDeliveries.Add(float64(delta))
}

func (d *Dispatcher) recordHandler(binding Binding) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var change datastore.RecordChange
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			d.logger.Error("record change decode failed",
				zap.String("binding", binding.Name),
				zap.String("message_id", msg.UUID),
				zap.Error(err))
			return nil
		}
		for _, expanded := range binding.Pattern.Expand(change) {
			if err := binding.Handler(msg.Context(), expanded); err != nil {
				return fmt.Errorf("%s %s: %w", binding.Name, expanded.Path, err)
			}
		}
		return nil
	}
}

func (d *Dispatcher) eventHandler(binding EventBinding) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		if err := binding.Handler(msg.Context(), msg.Payload); err != nil {
			return fmt.Errorf("%s: %w", binding.Name, err)
		}
		return nil
	}
}

func (d *Dispatcher) settle(name string) message.HandlerMiddleware {
	return func(next message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			started := time.Now()
			produced, err := next(msg)
			if err != nil {
				// Nacked messages are redelivered by the bus and settle again.
				return produced, err
			}
			poisoned := msg.Metadata.Get(middleware.ReasonForPoisonedKey) != ""
			metrics.RecordDelivery(name, time.Since(started), poisoned)
			d.adjustPending(-1)
			return produced, nil
		}
	}
}

func (d *Dispatcher) handlePoisoned(msg *message.Message) error {
	d.logger.Error("delivery abandoned after retries",
		zap.String("handler", msg.Metadata.Get(middleware.PoisonedHandlerKey)),
		zap.String("topic", msg.Metadata.Get(middleware.PoisonedTopicKey)),
		zap.String("collection", msg.Metadata.Get(metadataCollection)),
		zap.String("record_id", msg.Metadata.Get(metadataRecordID)),
		zap.String("reason", msg.Metadata.Get(middleware.ReasonForPoisonedKey)))
	return nil
}

func recordTopic(collection string) string {
	return recordTopicPrefix + collection
}

func eventTopic(topic string) string {
	return eventTopicPrefix + topic
}
