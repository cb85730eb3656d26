// Package websocket provides the dashboard's real-time telemetry feed: an
// RFC 6455 handler written directly against net/http's Hijacker, and a
// Broadcaster that fans the state store's event feed out to every connected
// client.
//
// Each client has a dedicated buffered channel of pre-marshalled JSON
// frames. Sends are non-blocking, so a slow or stalled dashboard drops
// events for itself and never backpressures the store's event queue.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/evacnet/guardian/internal/metrics"
	"github.com/evacnet/guardian/internal/state"
)

const defaultBufSize = 64

// Client is one connected dashboard socket, created by Broadcaster.Register
// and valid until Unregister.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // events dropped because the buffer was full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel of JSON frames for this client. It is closed when
// the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithMetrics wires the ws_clients gauge and the events_broadcast counter.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster fans state events out to connected dashboard clients. Start
// launches the pump over the store's event feed; Stop halts the pump and
// closes every client channel so the handler write loops exit.
type Broadcaster struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	bufSize int

	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	closed    atomic.Bool
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// depth; 0 selects the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	b := &Broadcaster{
		log:     logger.With(slog.String("component", "websocket")),
		bufSize: bufSize,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches the pump forwarding events to the registered clients.
func (b *Broadcaster) Start(events <-chan state.Event) {
	b.startOnce.Do(func() {
		b.started.Store(true)
		go b.pump(events)
	})
}

func (b *Broadcaster) pump(events <-chan state.Event) {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.BroadcastEvent(ev)
		}
	}
}

// Stop halts the pump and unregisters every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
		if b.started.Load() {
			<-b.doneCh
		}
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
		b.syncGauge()
		b.log.Info("broadcaster stopped")
	})
}

// Register creates a Client with the given id. The caller must Unregister it
// when the connection ends. After Stop, the returned client's Send channel
// is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	b.syncGauge()
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
		b.syncGauge()
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// BroadcastEvent marshals ev once and hands the frame to every client
// without blocking; a client whose buffer is full drops the event.
func (b *Broadcaster) BroadcastEvent(ev state.Event) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("event marshal failed",
			slog.String("topic", ev.Topic),
			slog.String("error", err.Error()),
		)
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
			if b.metrics != nil {
				b.metrics.EventsBroadcast.Add(1)
			}
		default:
			c.Dropped.Add(1)
			b.log.Warn("client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("topic", ev.Topic),
			)
		}
		return true
	})
}

func (b *Broadcaster) syncGauge() {
	if b.metrics != nil {
		b.metrics.WSClients.Store(b.clientCnt.Load())
	}
}
