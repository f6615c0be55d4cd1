package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nuha.dev/livesync/internal/clock"
	"nuha.dev/livesync/internal/geo"
)

type fakeSource struct {
	mu          sync.Mutex
	unavailable bool
	watchErr    error
	preload     []Reading
	watches     int
	opts        Options
	ch          chan Reading
	ctx         context.Context
	subscribed  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{subscribed: make(chan struct{}, 8)}
}

func (s *fakeSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *fakeSource) Watch(ctx context.Context, opts Options) (<-chan Reading, error) {
	s.mu.Lock()
	s.watches++
	s.opts = opts
	if s.watchErr != nil {
		s.mu.Unlock()
		return nil, s.watchErr
	}
	ch := make(chan Reading, 16)
	for _, r := range s.preload {
		ch <- r
	}
	s.ch = ch
	s.ctx = ctx
	s.mu.Unlock()
	s.subscribed <- struct{}{}
	return ch, nil
}

func (s *fakeSource) push(r Reading) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	ch <- r
}

func (s *fakeSource) watchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watches
}

func (s *fakeSource) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil && s.ctx.Err() != nil
}

type cachedSource struct {
	*fakeSource
	fix Fix
	ok  bool
}

func (s *cachedSource) LastFix() (Fix, bool) { return s.fix, s.ok }

type recorder struct {
	updates chan Fix
	errs    chan error
}

func newRecorder() *recorder {
	return &recorder{updates: make(chan Fix, 16), errs: make(chan error, 16)}
}

func (r *recorder) OnUpdate(f Fix)    { r.updates <- f }
func (r *recorder) OnError(err error) { r.errs <- err }

func recv[T any](t *testing.T, c chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func none[T any](t *testing.T, c chan T) {
	t.Helper()
	select {
	case v := <-c:
		t.Fatalf("unexpected event %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func fixAt(lat, lon float64) Reading {
	return Reading{Fix: Fix{Position: geo.Position{Latitude: lat, Longitude: lon}, Timestamp: time.Now()}}
}

func setup(t *testing.T, src PositionSource, cfg Config, opts ...Option) (*Tracker, *recorder) {
	t.Helper()
	tr := NewTracker(src, cfg, opts...)
	rec := newRecorder()
	tr.AddListener(rec)
	t.Cleanup(tr.Stop)
	return tr, rec
}

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("not a location error: %v", err)
	}
	return e.Kind
}

func TestOnceDeliversSingleFix(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	if err := tr.Start(Once); err != nil {
		t.Fatal(err)
	}
	recv(t, src.subscribed)
	src.push(fixAt(-6.2, 106.8))
	f := recv(t, rec.updates)
	if f.Position.Latitude != -6.2 {
		t.Fatalf("fix=%+v", f)
	}
	eventually(t, src.cancelled)
	if tr.Watching() {
		t.Fatal("once must not be watching")
	}
	none(t, rec.updates)
	none(t, rec.errs)
	if p, ok := tr.CurrentLocation(); !ok || p.Longitude != 106.8 {
		t.Fatalf("current=%v ok=%v", p, ok)
	}
}

func TestWatchIsIdempotent(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	tr.Start(Watch)
	recv(t, src.subscribed)
	for i := 1; i <= 3; i++ {
		src.push(fixAt(float64(i), 0))
		if f := recv(t, rec.updates); f.Position.Latitude != float64(i) {
			t.Fatalf("update %d: %+v", i, f)
		}
	}
	if n := src.watchCount(); n != 1 {
		t.Fatalf("watches=%d", n)
	}
	if !tr.Watching() {
		t.Fatal("should be watching")
	}
}

func TestSourceOptions(t *testing.T) {
	src := newFakeSource()
	cfg := DefaultConfig()
	cfg.HighAccuracy = false
	cfg.MaxAge = time.Minute
	tr, _ := setup(t, src, cfg)
	tr.Start(Watch)
	recv(t, src.subscribed)
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.opts.HighAccuracy || src.opts.MaxAge != time.Minute {
		t.Fatalf("opts=%+v", src.opts)
	}
}

func TestUnsupportedReportedBeforeRead(t *testing.T) {
	src := newFakeSource()
	src.unavailable = true
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	err := recv(t, rec.errs)
	if kindOf(t, err) != SensorUnsupported || !errors.Is(err, ErrSensorUnsupported) {
		t.Fatalf("err=%v", err)
	}
	if src.watchCount() != 0 {
		t.Fatal("source must not be read")
	}
	p, ok := tr.CurrentLocation()
	if !ok || p != DefaultFallback {
		t.Fatalf("expected fallback, got %v %v", p, ok)
	}
	if s := tr.Snapshot(); !s.Fallback || s.Error == "" {
		t.Fatalf("snapshot=%+v", s)
	}
	eventually(t, func() bool { return !tr.Watching() })
}

func TestFallbackDisabled(t *testing.T) {
	src := newFakeSource()
	src.unavailable = true
	cfg := DefaultConfig()
	cfg.UseFallback = false
	tr, rec := setup(t, src, cfg)
	tr.Start(Once)
	recv(t, rec.errs)
	if _, ok := tr.CurrentLocation(); ok {
		t.Fatal("no position expected")
	}
}

func TestErrorKeepsAcceptedPosition(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	recv(t, src.subscribed)
	src.push(fixAt(1, 2))
	recv(t, rec.updates)
	src.push(Reading{Err: errors.New("no satellites")})
	err := recv(t, rec.errs)
	if kindOf(t, err) != PositionUnavailable {
		t.Fatalf("err=%v", err)
	}
	if p, _ := tr.CurrentLocation(); p.Latitude != 1 || p.Longitude != 2 {
		t.Fatalf("current=%v", p)
	}
	if tr.LastError() == nil {
		t.Fatal("last error not recorded")
	}
	src.push(fixAt(3, 4))
	recv(t, rec.updates)
	if tr.LastError() != nil {
		t.Fatal("a fix clears the last error")
	}
	if !tr.Watching() {
		t.Fatal("unavailable position must not stop the watch")
	}
}

func TestTimeoutRearmsInWatch(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig(), WithClock(mock))
	tr.Start(Watch)
	for i := 0; i < 2; i++ {
		if !mock.WaitPending(1, 2*time.Second) {
			t.Fatal("timeout timer not armed")
		}
		mock.Add(10 * time.Second)
		if kindOf(t, recv(t, rec.errs)) != FixTimeout {
			t.Fatal("expected timeout")
		}
	}
	if !tr.Watching() {
		t.Fatal("timeouts must not stop the watch")
	}
	src.push(fixAt(5, 5))
	recv(t, rec.updates)
}

func TestOnceTimeout(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig(), WithClock(mock))
	tr.Start(Once)
	if !mock.WaitPending(1, 2*time.Second) {
		t.Fatal("timeout timer not armed")
	}
	mock.Add(9 * time.Second)
	none(t, rec.errs)
	mock.Add(time.Second)
	if kindOf(t, recv(t, rec.errs)) != FixTimeout {
		t.Fatal("expected timeout")
	}
	eventually(t, src.cancelled)
	none(t, rec.updates)
	if p, ok := tr.CurrentLocation(); !ok || p != DefaultFallback {
		t.Fatalf("current=%v", p)
	}
}

func TestDeniedStopsWatch(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	recv(t, src.subscribed)
	src.push(Reading{Err: &Error{Kind: FixDenied}})
	err := recv(t, rec.errs)
	if !errors.Is(err, ErrFixDenied) || !err.(*Error).Terminal() {
		t.Fatalf("err=%v", err)
	}
	eventually(t, func() bool { return !tr.Watching() })
	eventually(t, src.cancelled)

	tr.Start(Watch)
	recv(t, src.subscribed)
	if src.watchCount() != 2 {
		t.Fatal("start after denial should subscribe again")
	}
}

func TestWatchSubscribeError(t *testing.T) {
	src := newFakeSource()
	src.watchErr = &Error{Kind: FixDenied, Err: errors.New("permission")}
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	if kindOf(t, recv(t, rec.errs)) != FixDenied {
		t.Fatal("expected denied")
	}
	eventually(t, func() bool { return !tr.Watching() })
}

func TestStopTwiceSilencesCallbacks(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	recv(t, src.subscribed)
	tr.Stop()
	tr.Stop()
	eventually(t, src.cancelled)
	src.push(fixAt(1, 1))
	none(t, rec.updates)
	none(t, rec.errs)
	if tr.Watching() {
		t.Fatal("stopped tracker reports watching")
	}
}

func TestPendingFixesCoalesce(t *testing.T) {
	src := newFakeSource()
	src.preload = []Reading{fixAt(1, 1), {Err: errors.New("glitch")}, fixAt(2, 2), fixAt(3, 3)}
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	f := recv(t, rec.updates)
	if f.Position.Latitude != 3 {
		t.Fatalf("expected newest fix, got %+v", f)
	}
	none(t, rec.updates)
	none(t, rec.errs)
}

func TestTerminalErrorNotSuperseded(t *testing.T) {
	src := newFakeSource()
	src.preload = []Reading{fixAt(1, 1), {Err: &Error{Kind: FixDenied}}, fixAt(2, 2)}
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	if kindOf(t, recv(t, rec.errs)) != FixDenied {
		t.Fatal("expected denied")
	}
	none(t, rec.updates)
	eventually(t, func() bool { return !tr.Watching() })
}

func TestErrorAfterNewestFixDelivered(t *testing.T) {
	src := newFakeSource()
	src.preload = []Reading{fixAt(1, 1), {Err: errors.New("lost")}}
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	recv(t, rec.updates)
	recv(t, rec.errs)
}

func TestOnceUsesFreshCachedFix(t *testing.T) {
	mock := clock.NewMock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	src := &cachedSource{fakeSource: newFakeSource(), ok: true}
	src.fix = Fix{Position: geo.Position{Latitude: 10, Longitude: 20}, Timestamp: mock.Now().Add(-5 * time.Minute)}
	tr, rec := setup(t, src, DefaultConfig(), WithClock(mock))
	tr.Start(Once)
	if f := recv(t, rec.updates); f.Position.Latitude != 10 {
		t.Fatalf("fix=%+v", f)
	}
	if src.watchCount() != 0 {
		t.Fatal("fresh cached fix must not subscribe")
	}
}

func TestOnceIgnoresStaleCachedFix(t *testing.T) {
	mock := clock.NewMock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	src := &cachedSource{fakeSource: newFakeSource(), ok: true}
	src.fix = Fix{Position: geo.Position{Latitude: 10, Longitude: 20}, Timestamp: mock.Now().Add(-11 * time.Minute)}
	tr, rec := setup(t, src, DefaultConfig(), WithClock(mock))
	tr.Start(Once)
	recv(t, src.subscribed)
	src.push(fixAt(7, 7))
	if f := recv(t, rec.updates); f.Position.Latitude != 7 {
		t.Fatalf("fix=%+v", f)
	}
}

func TestInvalidFixRejected(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	recv(t, src.subscribed)
	src.push(fixAt(120, 0))
	if kindOf(t, recv(t, rec.errs)) != PositionUnavailable {
		t.Fatal("expected unavailable")
	}
	none(t, rec.updates)
}

func TestSourceClosedEndsSession(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	tr.Start(Watch)
	recv(t, src.subscribed)
	src.mu.Lock()
	close(src.ch)
	src.mu.Unlock()
	if kindOf(t, recv(t, rec.errs)) != PositionUnavailable {
		t.Fatal("expected unavailable")
	}
	eventually(t, func() bool { return !tr.Watching() })
}

func TestStartRejectsUnknownMode(t *testing.T) {
	tr := NewTracker(newFakeSource(), DefaultConfig())
	if err := tr.Start(Mode(42)); err == nil {
		t.Fatal("expected error")
	}
}

func TestDistanceAndWithin(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	if tr.Within(geo.Circle{Center: geo.Position{}, RadiusKm: 1e6}) {
		t.Fatal("no location yet")
	}
	if _, ok := tr.DistanceTo(geo.Position{}); ok {
		t.Fatal("no location yet")
	}
	tr.Start(Watch)
	recv(t, src.subscribed)
	src.push(fixAt(5, 5))
	recv(t, rec.updates)
	square := geo.Polygon{Vertices: []geo.Position{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 10}, {Latitude: 10, Longitude: 10}, {Latitude: 10, Longitude: 0}}}
	if !tr.Within(square) {
		t.Fatal("(5,5) is inside the square")
	}
	if d, ok := tr.DistanceTo(geo.Position{Latitude: 5, Longitude: 5}); !ok || d != 0 {
		t.Fatalf("d=%v", d)
	}
}

func TestRemovedListenerNotCalled(t *testing.T) {
	src := newFakeSource()
	tr, rec := setup(t, src, DefaultConfig())
	other := newRecorder()
	remove := tr.AddListener(other)
	remove()
	tr.AddListener(ListenerFuncs{Update: func(Fix) { panic("boom") }})
	tr.Start(Watch)
	recv(t, src.subscribed)
	src.push(fixAt(1, 1))
	recv(t, rec.updates)
	none(t, other.updates)
	src.push(fixAt(2, 2))
	recv(t, rec.updates)
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Fallback = geo.Position{Latitude: 91}
	if cfg.Validate() == nil {
		t.Fatal("bad fallback accepted")
	}
	cfg.UseFallback = false
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}
