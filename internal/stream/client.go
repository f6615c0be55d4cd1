package stream

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/livesync/internal/clock"
	"nuha.dev/livesync/internal/util"
)

const (
	CONNECTION_OPENED  string = "connection_opened"
	CONNECTION_CLOSED  string = "connection_closed"
	CONNECTION_FAILED  string = "connection_failed"
	RECONNECT_SCHEDULE string = "reconnect_scheduled"
	RETRIES_EXHAUSTED  string = "retries_exhausted"
)

// Client owns a single logical event-stream connection to one endpoint and
// re-establishes it after unclean closes, up to Config.MaxRetries times.
type Client struct {
	mu       sync.Mutex
	id       string
	endpoint string
	config   Config
	factory  TransportFactory
	clock    clock.Clock
	log      log.Logger

	state      State
	retryCount int
	// epoch changes on Close; queued callbacks from an older epoch are dropped.
	epoch uint64
	// attempt changes on every dial and on Close; results of stale dials and
	// read loops are discarded.
	attempt    uint64
	tr         Transport
	cancelDial context.CancelFunc
	retryTimer clock.Timer
	lastMsg    *InboundEvent
	seq        uint64

	listeners   []listenerEntry
	nextLid     uint64
	queue       []queued
	dispatching bool
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func WithLogger(l log.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func New(factory TransportFactory, endpoint string, config Config, opts ...Option) *Client {
	c := &Client{factory: factory, endpoint: endpoint, config: config.withDefaults()}
	c.id = util.GenUUID()
	c.clock = clock.Real{}
	c.log = log.DefaultLogger
	for _, o := range opts {
		o(c)
	}
	c.log.Context = log.NewContext(c.log.Context).Str("module", "stream").Str("cid", c.id).Str("endpoint", endpoint).Value()
	return c
}

func (c *Client) ID() string       { return c.id }
func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// LastMessage returns a copy of the most recent inbound event.
func (c *Client) LastMessage() (InboundEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMsg == nil {
		return InboundEvent{}, false
	}
	return *c.lastMsg, true
}

// Open starts connecting. It does nothing while the client is already open or
// connecting. Opening from Closed resets the retry budget and cancels any
// pending reconnect.
func (c *Client) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Open || c.state == Connecting {
		return
	}
	c.stopRetryTimer()
	c.retryCount = 0
	c.connect()
}

// Close cancels a pending reconnect, then tears the transport down. It is
// safe to call repeatedly. No listener is invoked for this client after Close
// returns, except one that was already running.
func (c *Client) Close() {
	c.mu.Lock()
	c.stopRetryTimer()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	tr := c.tr
	c.tr = nil
	c.attempt++
	c.epoch++
	c.queue = nil
	if c.state != Uninstantiated && c.state != Closed {
		c.log.Info().Str("event", CONNECTION_CLOSED).Str("state", c.state.String()).Msg("closing on request")
		c.state = Closed
	}
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// Send writes msg on the open transport. It returns false when the client is
// not open or the write fails; nothing is queued.
func (c *Client) Send(msg []byte) bool {
	c.mu.Lock()
	if c.state != Open || c.tr == nil {
		state := c.state
		c.mu.Unlock()
		c.log.Warn().Str("state", state.String()).Msg("not connected, message dropped")
		return false
	}
	tr := c.tr
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	if err := tr.Send(ctx, msg); err != nil {
		c.log.Error().Err(err).Msg("error while writing to connection")
		return false
	}
	return true
}

// SendJSON wraps payload in an Envelope of the given type and sends it.
func (c *Client) SendJSON(kind string, payload interface{}) bool {
	data, err := EncodeEnvelope(kind, payload, c.clock.Now().UTC())
	if err != nil {
		c.log.Error().Err(err).Str("type", kind).Msg("error encoding envelope")
		return false
	}
	return c.Send(data)
}

func (c *Client) stopRetryTimer() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) setState(s State) {
	old := c.state
	if old == s {
		return
	}
	c.state = s
	c.emit(func(l Listener) { l.OnStateChange(StateEvent{Old: old, New: s}) })
}

func (c *Client) connect() {
	c.attempt++
	att := c.attempt
	c.setState(Connecting)
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	c.cancelDial = cancel
	c.log.Debug().Int("retry", c.retryCount).Msg("connecting")
	go c.dial(ctx, cancel, att)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, att uint64) {
	t, err := c.factory.Dial(ctx, c.endpoint)
	cancel()
	c.mu.Lock()
	if att != c.attempt || c.state != Connecting {
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.log.Error().Err(err).Str("event", CONNECTION_FAILED).Msg("unable to connect")
		werr := &Error{Kind: TransportUnavailable, Endpoint: c.endpoint, Err: err}
		c.emit(func(l Listener) { l.OnError(werr) })
		ev, _ := closeInfo(err)
		c.closed(ev)
		c.mu.Unlock()
		return
	}
	c.tr = t
	c.retryCount = 0
	c.setState(Open)
	oe := OpenEvent{Endpoint: c.endpoint, At: c.clock.Now()}
	c.log.Info().Str("event", CONNECTION_OPENED).Msg("")
	c.emit(func(l Listener) { l.OnOpen(oe) })
	c.mu.Unlock()
	c.readLoop(t, att)
}

func (c *Client) readLoop(t Transport, att uint64) {
	for {
		f, err := t.Recv(context.Background())
		c.mu.Lock()
		if att != c.attempt {
			c.mu.Unlock()
			return
		}
		if err != nil {
			ev, _ := closeInfo(err)
			c.tr = nil
			if !ev.Clean {
				werr := &Error{Kind: ConnectionLost, Endpoint: c.endpoint, Err: err}
				c.emit(func(l Listener) { l.OnError(werr) })
			}
			c.setState(Closing)
			c.closed(ev)
			c.mu.Unlock()
			_ = t.Close()
			return
		}
		c.seq++
		ev := InboundEvent{Kind: f.Kind, Data: f.Data, ReceivedAt: c.clock.Now(), Seq: c.seq}
		c.lastMsg = &ev
		c.emit(func(l Listener) { l.OnMessage(ev) })
		c.mu.Unlock()
	}
}

// closed settles the client in Closed and applies the reconnect policy.
func (c *Client) closed(ev CloseEvent) {
	c.setState(Closed)
	retry := !ev.Clean && c.config.AutoReconnect && c.retryCount < c.config.MaxRetries
	ev.WillRetry = retry
	ev.Retry = c.retryCount
	if retry {
		ev.Retry = c.retryCount + 1
	}
	c.log.Info().Str("event", CONNECTION_CLOSED).Int("code", ev.Code).Bool("clean", ev.Clean).Bool("retry", retry).Msg(ev.Reason)
	c.emit(func(l Listener) { l.OnClose(ev) })
	if !retry {
		if !ev.Clean && c.config.AutoReconnect {
			c.log.Warn().Str("event", RETRIES_EXHAUSTED).Int("max_retries", c.config.MaxRetries).Msg("giving up")
			werr := &Error{Kind: RetriesExhausted, Endpoint: c.endpoint}
			c.emit(func(l Listener) { l.OnError(werr) })
		}
		return
	}
	c.retryCount++
	att := c.attempt
	c.log.Info().Str("event", RECONNECT_SCHEDULE).Int("retry", c.retryCount).Dur("interval", c.config.RetryInterval).Msg("")
	c.retryTimer = c.clock.AfterFunc(c.config.RetryInterval, func() { c.retry(att) })
}

func (c *Client) retry(att uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if att != c.attempt || c.state != Closed || c.retryTimer == nil {
		return
	}
	c.retryTimer = nil
	c.connect()
}

type Status struct {
	ID            string     `json:"id"`
	Endpoint      string     `json:"endpoint"`
	State         string     `json:"state"`
	RetryCount    int        `json:"retry_count"`
	Messages      uint64     `json:"messages"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{ID: c.id, Endpoint: c.endpoint, State: c.state.String(), RetryCount: c.retryCount, Messages: c.seq}
	if c.lastMsg != nil {
		t := c.lastMsg.ReceivedAt
		st.LastMessageAt = &t
	}
	return st
}
