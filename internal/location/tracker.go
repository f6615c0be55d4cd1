package location

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"nuha.dev/livesync/internal/clock"
	"nuha.dev/livesync/internal/geo"
	"nuha.dev/livesync/internal/util"
)

type Mode int

const (
	// Once delivers exactly one update or error, then the tracker goes idle.
	Once Mode = iota + 1
	// Watch keeps delivering until Stop.
	Watch
)

func (m Mode) String() string {
	switch m {
	case Once:
		return "once"
	case Watch:
		return "watch"
	default:
		return "unknown"
	}
}

const (
	SESSION_START  string = "session_start"
	SESSION_STOP   string = "session_stop"
	FIX_ACCEPTED   string = "fix_accepted"
	FIX_ERROR      string = "fix_error"
	FALLBACK_USED  string = "fallback_used"
	CACHED_FIX_HIT string = "cached_fix_hit"
)

var errSourceClosed = errors.New("position source closed")

// Tracker manages one position source subscription. Listener callbacks run
// on the session goroutine, one at a time.
type Tracker struct {
	mu     sync.Mutex
	id     string
	src    PositionSource
	config Config
	clock  clock.Clock
	log    log.Logger

	// session changes on every Start and Stop; results from older sessions
	// are discarded.
	session uint64
	mode    Mode
	active  bool
	loading bool
	cancel  context.CancelFunc

	current     geo.Position
	hasPosition bool
	fallback    bool
	lastFix     *Fix
	lastErr     error

	listeners []listenerEntry
	nextLid   uint64
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l log.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func NewTracker(src PositionSource, config Config, opts ...Option) *Tracker {
	t := &Tracker{src: src, config: config.withDefaults()}
	t.id = util.GenUUID()
	t.clock = clock.Real{}
	t.log = log.DefaultLogger
	for _, o := range opts {
		o(t)
	}
	t.log.Context = log.NewContext(t.log.Context).Str("module", "location").Str("tid", t.id).Value()
	return t
}

func (t *Tracker) ID() string { return t.id }

// Start begins a session. Starting Watch while already watching does
// nothing; any other Start replaces the running session. The returned error
// only reports an invalid mode, read failures go to OnError.
func (t *Tracker) Start(mode Mode) error {
	if mode != Once && mode != Watch {
		return fmt.Errorf("location: invalid mode %d", mode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active && t.mode == Watch && mode == Watch {
		return nil
	}
	t.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mode = mode
	t.active = true
	t.loading = true
	t.lastErr = nil
	sess := t.session
	t.log.Info().Str("event", SESSION_START).Str("mode", mode.String()).Msg("")
	go t.run(ctx, sess, mode)
	return nil
}

// Stop ends the session. It is safe to call repeatedly; no listener is
// invoked after it returns, except one that was already running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Tracker) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.active {
		t.log.Info().Str("event", SESSION_STOP).Str("mode", t.mode.String()).Msg("")
	}
	t.active = false
	t.loading = false
	t.session++
}

func (t *Tracker) Watching() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && t.mode == Watch
}

// CurrentLocation returns the latest accepted position, or the fallback
// when a read failed before anything was accepted.
func (t *Tracker) CurrentLocation() (geo.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.hasPosition
}

func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// DistanceTo returns the distance from the current location to p.
func (t *Tracker) DistanceTo(p geo.Position) (float64, bool) {
	cur, ok := t.CurrentLocation()
	if !ok {
		return 0, false
	}
	return geo.DistanceKm(cur, p), true
}

// Within reports whether the current location lies inside g. It is false
// while there is no location.
func (t *Tracker) Within(g geo.Geofence) bool {
	cur, ok := t.CurrentLocation()
	if !ok {
		return false
	}
	return geo.Contains(g, cur)
}

type Snapshot struct {
	Position *geo.Position `json:"position,omitempty"`
	Fallback bool          `json:"fallback"`
	LastFix  *Fix          `json:"last_fix,omitempty"`
	Error    string        `json:"error,omitempty"`
	Watching bool          `json:"watching"`
	Loading  bool          `json:"loading"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{Fallback: t.fallback, Watching: t.active && t.mode == Watch, Loading: t.loading}
	if t.hasPosition {
		p := t.current
		s.Position = &p
	}
	if t.lastFix != nil {
		f := *t.lastFix
		s.LastFix = &f
	}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	return s
}

func (t *Tracker) run(ctx context.Context, sess uint64, mode Mode) {
	defer t.finish(sess)
	if !t.src.Available() {
		t.fail(sess, &Error{Kind: SensorUnsupported})
		return
	}
	if mode == Once && t.cachedFix(sess) {
		return
	}
	ch, err := t.src.Watch(ctx, t.config.options())
	if err != nil {
		t.fail(sess, asError(err))
		return
	}
	timer := t.clock.NewTimer(t.config.Timeout)
	defer func() { timer.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			if !t.fail(sess, &Error{Kind: FixTimeout}) || mode == Once {
				return
			}
			timer = t.clock.NewTimer(t.config.Timeout)
		case r, ok := <-ch:
			if !ok {
				t.fail(sess, &Error{Kind: PositionUnavailable, Err: errSourceClosed})
				return
			}
			batch, open := drain(ch, r)
			if t.handle(sess, mode, batch) {
				return
			}
			if !open {
				t.fail(sess, &Error{Kind: PositionUnavailable, Err: errSourceClosed})
				return
			}
			timer.Stop()
			timer = t.clock.NewTimer(t.config.Timeout)
		}
	}
}

// drain collects every reading already queued behind first.
func drain(ch <-chan Reading, first Reading) ([]Reading, bool) {
	batch := []Reading{first}
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return batch, false
			}
			batch = append(batch, r)
		default:
			return batch, true
		}
	}
}

// handle delivers a batch of pending readings. Only the newest fix is
// delivered, and non-terminal errors queued before it are superseded.
// It reports whether the session is over.
func (t *Tracker) handle(sess uint64, mode Mode, batch []Reading) bool {
	newest := -1
	for i, r := range batch {
		if r.Err == nil {
			newest = i
		}
	}
	for i, r := range batch {
		if r.Err == nil {
			if i != newest {
				continue
			}
			if !t.accept(sess, r.Fix) || mode == Once {
				return true
			}
			continue
		}
		e := asError(r.Err)
		if i < newest && !e.Terminal() {
			continue
		}
		if !t.fail(sess, e) || mode == Once || e.Terminal() {
			return true
		}
	}
	return false
}

func (t *Tracker) cachedFix(sess uint64) bool {
	cs, ok := t.src.(CachedSource)
	if !ok || t.config.MaxAge <= 0 {
		return false
	}
	f, ok := cs.LastFix()
	if !ok || t.clock.Now().Sub(f.Timestamp) > t.config.MaxAge {
		return false
	}
	t.log.Debug().Str("event", CACHED_FIX_HIT).Time("fix_time", f.Timestamp).Msg("")
	t.accept(sess, f)
	return true
}

// accept records f and notifies listeners. It reports false once the
// session is no longer current.
func (t *Tracker) accept(sess uint64, f Fix) bool {
	if err := f.Position.Validate(); err != nil {
		return t.fail(sess, &Error{Kind: PositionUnavailable, Err: err})
	}
	t.mu.Lock()
	if sess != t.session {
		t.mu.Unlock()
		return false
	}
	t.current = f.Position
	t.hasPosition = true
	t.fallback = false
	t.lastFix = &f
	t.lastErr = nil
	t.loading = false
	ls := t.listenerList()
	t.mu.Unlock()
	t.log.Debug().Str("event", FIX_ACCEPTED).Float64("lat", f.Position.Latitude).Float64("lon", f.Position.Longitude).Msg("")
	for _, l := range ls {
		if !t.live(sess) {
			return false
		}
		t.invoke(func() { l.OnUpdate(f) })
	}
	return true
}

// fail records err, applies the fallback position if nothing was ever
// accepted, and notifies listeners.
func (t *Tracker) fail(sess uint64, err *Error) bool {
	t.mu.Lock()
	if sess != t.session {
		t.mu.Unlock()
		return false
	}
	t.lastErr = err
	t.loading = false
	if !t.hasPosition && t.config.UseFallback {
		t.current = t.config.Fallback
		t.hasPosition = true
		t.fallback = true
		t.log.Warn().Str("event", FALLBACK_USED).Str("position", t.current.String()).Msg("")
	}
	ls := t.listenerList()
	t.mu.Unlock()
	t.log.Warn().Str("event", FIX_ERROR).Err(err).Bool("terminal", err.Terminal()).Msg("")
	for _, l := range ls {
		if !t.live(sess) {
			return false
		}
		t.invoke(func() { l.OnError(err) })
	}
	return true
}

// finish marks the session idle if it is still current.
func (t *Tracker) finish(sess uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sess != t.session {
		return
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.active = false
	t.loading = false
}

func (t *Tracker) live(sess uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sess == t.session
}
