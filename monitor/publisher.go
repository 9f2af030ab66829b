package monitor

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultEventQueueSize     = 100
	defaultEventBatchSize     = 100
	defaultEventFlushInterval = time.Second

	// sink URL query parameter listing the event types the sink receives
	sinkEventsParam = "events"
)

// EventEnvelope is the unit delivered to every sink.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Node      string          `json:"node,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type PublisherConfig struct {
	// Identifies this recorder in every envelope
	NodeID string

	// One URL per sink; the scheme picks the backend. An "events" query
	// parameter restricts the sink to a comma separated list of types.
	SinkURLs []string

	Headers       map[string]string
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

type BackendOptions struct {
	Headers map[string]string
	NodeID  string
}

type EventBackend interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, batch []EventEnvelope) error
	Stop(ctx context.Context) error
}

type BackendFactory func(u *url.URL, opts BackendOptions) (EventBackend, error)

var (
	errNoSinks    = errors.New("event publisher requires at least one sink URL")
	errNoBackends = errors.New("no event backend factories registered")
)

var (
	factoriesMu      sync.RWMutex
	backendFactories = make(map[string]BackendFactory)

	publisherMu     sync.RWMutex
	activePublisher *eventPublisher
)

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	backendFactories[strings.ToLower(scheme)] = factory
}

// eventSink is one configured backend and the event types it accepts.
type eventSink struct {
	name    string
	backend EventBackend
	types   map[string]bool // nil accepts everything
}

func (s *eventSink) accepts(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

// filter returns the events of batch the sink accepts.
func (s *eventSink) filter(batch []EventEnvelope) []EventEnvelope {
	if s.types == nil {
		return batch
	}
	out := make([]EventEnvelope, 0, len(batch))
	for _, evt := range batch {
		if s.accepts(evt.Type) {
			out = append(out, evt)
		}
	}
	return out
}

// eventPublisher batches queued events and hands every batch to all sinks
// from a single goroutine.
type eventPublisher struct {
	nodeID        string
	batchSize     int
	flushInterval time.Duration
	sinks         []*eventSink

	queue  chan EventEnvelope
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guards queue against sends after close
	mu     sync.RWMutex
	closed bool
}

// InitEventPublisher replaces the active publisher. The previous one, if
// any, is drained in the background.
func InitEventPublisher(cfg PublisherConfig) error {
	if len(cfg.SinkURLs) == 0 {
		return errNoSinks
	}
	pub, err := newEventPublisher(cfg)
	if err != nil {
		return err
	}

	publisherMu.Lock()
	old := activePublisher
	activePublisher = pub
	publisherMu.Unlock()

	if old != nil {
		go func() {
			if err := old.stop(context.Background()); err != nil {
				glog.Errorf("Event publisher shutdown error err=%q", err)
			}
		}()
	}
	return nil
}

func ShutdownEventPublisher(ctx context.Context) error {
	publisherMu.Lock()
	pub := activePublisher
	activePublisher = nil
	publisherMu.Unlock()
	if pub == nil {
		return nil
	}
	return pub.stop(ctx)
}

// QueueEvent sends an event to the active publisher without blocking. It
// is a no-op when no publisher is configured.
func QueueEvent(eventType string, payload interface{}) {
	publisherMu.RLock()
	pub := activePublisher
	publisherMu.RUnlock()
	if pub == nil {
		return
	}

	raw, err := encodePayload(payload)
	if err != nil {
		glog.Errorf("Event publisher failed to encode payload type=%s err=%q", eventType, err)
		return
	}
	pub.enqueue(EventEnvelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Node:      pub.nodeID,
		Payload:   raw,
	})
}

func newEventPublisher(cfg PublisherConfig) (*eventPublisher, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	if len(backendFactories) == 0 {
		return nil, errNoBackends
	}

	ctx, cancel := context.WithCancel(context.Background())
	pub := &eventPublisher{
		nodeID:        cfg.NodeID,
		batchSize:     positiveOr(cfg.BatchSize, defaultEventBatchSize),
		flushInterval: cfg.FlushInterval,
		queue:         make(chan EventEnvelope, positiveOr(cfg.QueueSize, defaultEventQueueSize)),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	if pub.flushInterval <= 0 {
		pub.flushInterval = defaultEventFlushInterval
	}

	opts := BackendOptions{Headers: cfg.Headers, NodeID: cfg.NodeID}
	for _, raw := range cfg.SinkURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sink, err := openSink(ctx, raw, opts)
		if err != nil {
			pub.stopSinks(context.Background())
			cancel()
			return nil, err
		}
		pub.sinks = append(pub.sinks, sink)
	}
	if len(pub.sinks) == 0 {
		cancel()
		return nil, errNoSinks
	}

	go pub.run()
	return pub, nil
}

// openSink must be called with factoriesMu held.
func openSink(ctx context.Context, raw string, opts BackendOptions) (*eventSink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse sink url %q", raw)
	}
	factory, ok := backendFactories[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, errors.Errorf("no backend registered for scheme %q", u.Scheme)
	}

	sink := &eventSink{}
	query := u.Query()
	if types := splitAndTrim(query.Get(sinkEventsParam), ","); len(types) > 0 {
		sink.types = make(map[string]bool, len(types))
		for _, t := range types {
			sink.types[t] = true
		}
	}
	query.Del(sinkEventsParam)
	u.RawQuery = query.Encode()
	sink.name = u.Redacted()

	if sink.backend, err = factory(u, opts); err != nil {
		return nil, errors.Wrapf(err, "init backend %q", sink.name)
	}
	if err := sink.backend.Start(ctx); err != nil {
		sink.backend.Stop(context.Background())
		return nil, errors.Wrapf(err, "start backend %q", sink.name)
	}
	return sink, nil
}

func (p *eventPublisher) enqueue(evt EventEnvelope) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- evt:
	default:
		glog.Warningf("Event publisher queue full, dropping event type=%s", evt.Type)
		if Enabled {
			EventsDropped("queue_full", 1)
		}
	}
}

// stop closes the queue and waits for the remaining events to be sent. If
// ctx ends first, in-flight publishes are cancelled.
func (p *eventPublisher) stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
	}
	p.cancel()
	return p.stopSinks(ctx)
}

func (p *eventPublisher) stopSinks(ctx context.Context) error {
	var errs []string
	for _, sink := range p.sinks {
		if err := sink.backend.Stop(ctx); err != nil {
			errs = append(errs, sink.name+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("backend shutdown errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *eventPublisher) run() {
	defer close(p.done)

	timer := time.NewTimer(p.flushInterval)
	defer timer.Stop()
	batch := make([]EventEnvelope, 0, p.batchSize)

	for {
		select {
		case <-p.ctx.Done():
			p.publish(batch)
			return
		case evt, ok := <-p.queue:
			if !ok {
				p.publish(batch)
				return
			}
			batch = append(batch, evt)
			if len(batch) < p.batchSize {
				continue
			}
			p.publish(batch)
			batch = make([]EventEnvelope, 0, p.batchSize)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.flushInterval)
		case <-timer.C:
			if len(batch) > 0 {
				p.publish(batch)
				batch = make([]EventEnvelope, 0, p.batchSize)
			}
			timer.Reset(p.flushInterval)
		}
	}
}

// publish hands batch to every sink. batch must not be reused afterwards,
// backends may keep it.
func (p *eventPublisher) publish(batch []EventEnvelope) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range p.sinks {
		events := sink.filter(batch)
		if len(events) == 0 {
			continue
		}
		if err := sink.backend.Publish(p.ctx, events); err != nil {
			glog.Errorf("Event publisher sink=%s publish error count=%d err=%q", sink.name, len(events), err)
			if Enabled {
				EventsDropped("publish_failed", len(events))
			}
		}
	}
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		if json.Valid(v) {
			return append(json.RawMessage(nil), v...), nil
		}
	}
	return json.Marshal(payload)
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
