package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nuha.dev/livesync/internal/clock"
)

const wait = 2 * time.Second

var epoch0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeTransport struct {
	in     chan Frame
	fail   chan error
	done   chan struct{}
	mu     sync.Mutex
	sent   [][]byte
	closes int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan Frame, 16), fail: make(chan error, 1), done: make(chan struct{})}
}

func (f *fakeTransport) Recv(ctx context.Context) (Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case err := <-f.fail:
		return Frame{}, err
	case <-f.done:
		return Frame{}, &CloseError{Code: 1000, Clean: true}
	}
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return errors.New("closed")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes == 0 {
		close(f.done)
	}
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeFactory struct {
	mu    sync.Mutex
	clk   clock.Clock
	err   error
	gate  chan struct{}
	// stubborn dials ignore cancellation and complete once gate opens
	stubborn bool
	dials []time.Time
	conns chan *fakeTransport
	dialc chan struct{}
}

func newFakeFactory(clk clock.Clock) *fakeFactory {
	return &fakeFactory{clk: clk, conns: make(chan *fakeTransport, 16), dialc: make(chan struct{}, 16)}
}

func (f *fakeFactory) Dial(ctx context.Context, endpoint string) (Transport, error) {
	f.mu.Lock()
	f.dials = append(f.dials, f.clk.Now())
	err, gate := f.err, f.gate
	f.mu.Unlock()
	f.dialc <- struct{}{}
	if gate != nil && f.stubborn {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	t := newFakeTransport()
	f.conns <- t
	return t, nil
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFactory) dialTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.dials...)
}

type recorder struct {
	events chan string
	msgs   chan InboundEvent
	errs   chan error
	closes chan CloseEvent
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan string, 64),
		msgs:   make(chan InboundEvent, 64),
		errs:   make(chan error, 64),
		closes: make(chan CloseEvent, 64),
	}
}

func (r *recorder) listener() Listener {
	return ListenerFuncs{
		Open: func(OpenEvent) { r.events <- "open" },
		Close: func(e CloseEvent) {
			r.closes <- e
			r.events <- fmt.Sprintf("close clean=%v retry=%v", e.Clean, e.WillRetry)
		},
		Error: func(err error) {
			r.errs <- err
			r.events <- "error"
		},
		Message: func(e InboundEvent) {
			r.msgs <- e
			r.events <- "message"
		},
	}
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func none[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectEvent(t *testing.T, r *recorder, want string) {
	t.Helper()
	if got := recv(t, r.events); got != want {
		t.Fatalf("event %q, want %q", got, want)
	}
}

func setup(t *testing.T, cfg Config) (*Client, *fakeFactory, *clock.Mock, *recorder) {
	t.Helper()
	clk := clock.NewMock(epoch0)
	ff := newFakeFactory(clk)
	c := New(ff, "ws://localhost:8000/ws/authority", cfg, WithClock(clk))
	r := newRecorder()
	c.AddListener(r.listener())
	t.Cleanup(c.Close)
	return c, ff, clk, r
}

func openClient(t *testing.T, c *Client, ff *fakeFactory, r *recorder) *fakeTransport {
	t.Helper()
	c.Open()
	recv(t, ff.dialc)
	tr := recv(t, ff.conns)
	expectEvent(t, r, "open")
	return tr
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendBeforeOpen(t *testing.T) {
	c, ff, _, _ := setup(t, DefaultConfig())
	if c.Send([]byte("x")) {
		t.Fatal("send on uninstantiated client should fail")
	}
	ff.gate = make(chan struct{})
	c.Open()
	recv(t, ff.dialc)
	if c.State() != Connecting {
		t.Fatalf("state=%v", c.State())
	}
	if c.Send([]byte("x")) {
		t.Fatal("send while connecting should fail")
	}
}

func TestOpenIdempotent(t *testing.T) {
	c, ff, _, r := setup(t, DefaultConfig())
	ff.gate = make(chan struct{})
	c.Open()
	c.Open()
	recv(t, ff.dialc)
	close(ff.gate)
	recv(t, ff.conns)
	expectEvent(t, r, "open")
	c.Open()
	none(t, ff.dialc)
	if n := len(ff.dialTimes()); n != 1 {
		t.Fatalf("dials=%d", n)
	}
}

func TestMessagesInOrder(t *testing.T) {
	c, ff, _, r := setup(t, DefaultConfig())
	tr := openClient(t, c, ff, r)
	for i := 0; i < 5; i++ {
		tr.in <- Frame{Kind: FrameText, Data: []byte(fmt.Sprintf(`{"type":"new_alert","payload":%d}`, i))}
	}
	for i := 0; i < 5; i++ {
		m := recv(t, r.msgs)
		if m.Seq != uint64(i+1) {
			t.Fatalf("seq=%d want %d", m.Seq, i+1)
		}
		want := fmt.Sprintf(`{"type":"new_alert","payload":%d}`, i)
		if string(m.Data) != want {
			t.Fatalf("data=%s want %s", m.Data, want)
		}
	}
	last, ok := c.LastMessage()
	if !ok || last.Seq != 5 {
		t.Fatalf("last=%+v ok=%v", last, ok)
	}
}

func TestMalformedPayloadDoesNotDisturbClient(t *testing.T) {
	c, ff, _, r := setup(t, DefaultConfig())
	var decodeErrs []error
	var mu sync.Mutex
	c.AddListener(ListenerFuncs{Message: func(e InboundEvent) {
		if _, err := DecodeEnvelope(e.Data); err != nil {
			mu.Lock()
			decodeErrs = append(decodeErrs, err)
			mu.Unlock()
		}
	}})
	tr := openClient(t, c, ff, r)
	tr.in <- Frame{Kind: FrameText, Data: []byte("{not json")}
	tr.in <- Frame{Kind: FrameText, Data: []byte(`{"type":"safety_update","payload":{"score":80}}`)}
	recv(t, r.msgs)
	recv(t, r.msgs)
	if c.State() != Open {
		t.Fatalf("state=%v", c.State())
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(decodeErrs) != 1 {
		t.Fatalf("decode errors=%d", len(decodeErrs))
	}
}

func TestCleanCloseNeverReconnects(t *testing.T) {
	c, ff, clk, r := setup(t, DefaultConfig())
	tr := openClient(t, c, ff, r)
	tr.fail <- &CloseError{Code: 1000, Reason: "bye", Clean: true}
	expectEvent(t, r, "close clean=true retry=false")
	if clk.Pending() != 0 {
		t.Fatalf("pending timers=%d", clk.Pending())
	}
	clk.Add(time.Hour)
	none(t, ff.dialc)
	if c.State() != Closed {
		t.Fatalf("state=%v", c.State())
	}
	none(t, r.errs)
}

func TestTransportErrorReconnects(t *testing.T) {
	c, ff, clk, r := setup(t, DefaultConfig())
	tr := openClient(t, c, ff, r)
	tr.fail <- errors.New("connection reset by peer")
	expectEvent(t, r, "error")
	if err := recv(t, r.errs); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err=%v", err)
	}
	expectEvent(t, r, "close clean=false retry=true")
	if c.RetryCount() != 1 || clk.Pending() != 1 {
		t.Fatalf("retry=%d pending=%d", c.RetryCount(), clk.Pending())
	}
	clk.Add(DefaultRetryInterval)
	recv(t, ff.conns)
	expectEvent(t, r, "open")
	if c.RetryCount() != 0 {
		t.Fatalf("retry count not reset on open: %d", c.RetryCount())
	}
	eventually(t, func() bool { return tr.closeCount() == 1 })
}

func TestRetriesExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	c, ff, clk, r := setup(t, cfg)
	ff.setErr(errors.New("connection refused"))
	c.Open()
	for i := 1; i <= 3; i++ {
		expectEvent(t, r, "error")
		if err := recv(t, r.errs); !errors.Is(err, ErrTransportUnavailable) {
			t.Fatalf("close %d: err=%v", i, err)
		}
		expectEvent(t, r, "close clean=false retry=true")
		if clk.Pending() != 1 {
			t.Fatalf("close %d: pending=%d", i, clk.Pending())
		}
		clk.Add(cfg.RetryInterval)
	}
	// fourth unclean close: no further retry
	expectEvent(t, r, "error")
	recv(t, r.errs)
	expectEvent(t, r, "close clean=false retry=false")
	expectEvent(t, r, "error")
	err := recv(t, r.errs)
	var se *Error
	if !errors.As(err, &se) || se.Kind != RetriesExhausted || !se.Terminal() {
		t.Fatalf("err=%v", err)
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending=%d", clk.Pending())
	}
	clk.Add(time.Hour)
	if n := len(ff.dialTimes()); n != 4 {
		t.Fatalf("dials=%d", n)
	}
	if c.State() != Closed || c.RetryCount() != 3 {
		t.Fatalf("state=%v retry=%d", c.State(), c.RetryCount())
	}

	// an explicit Open resumes with a fresh budget
	ff.setErr(nil)
	c.Open()
	recv(t, ff.conns)
	expectEvent(t, r, "open")
}

func TestFixedRetryInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryInterval = 100 * time.Millisecond
	cfg.MaxRetries = 2
	c, ff, clk, r := setup(t, cfg)
	tr := openClient(t, c, ff, r)
	ff.setErr(errors.New("connection refused"))
	tr.fail <- &CloseError{Code: 1006, Reason: "abnormal"}
	expectEvent(t, r, "error")
	expectEvent(t, r, "close clean=false retry=true")

	clk.Add(99 * time.Millisecond)
	none(t, ff.dialc)
	clk.Add(time.Millisecond)
	recv(t, ff.dialc)
	expectEvent(t, r, "error")
	expectEvent(t, r, "close clean=false retry=true")
	clk.Add(100 * time.Millisecond)
	recv(t, ff.dialc)
	expectEvent(t, r, "error")
	expectEvent(t, r, "close clean=false retry=false")
	clk.Add(time.Minute)
	none(t, ff.dialc)

	dials := ff.dialTimes()
	if len(dials) != 3 {
		t.Fatalf("dials=%d", len(dials))
	}
	if d := dials[1].Sub(epoch0); d != 100*time.Millisecond {
		t.Errorf("first retry at %v", d)
	}
	if d := dials[2].Sub(dials[1]); d != 100*time.Millisecond {
		t.Errorf("second retry spacing %v", d)
	}
	if c.State() != Closed {
		t.Fatalf("state=%v", c.State())
	}
}

func TestAutoReconnectDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoReconnect = false
	c, ff, clk, r := setup(t, cfg)
	tr := openClient(t, c, ff, r)
	tr.fail <- errors.New("eof")
	expectEvent(t, r, "error")
	expectEvent(t, r, "close clean=false retry=false")
	none(t, r.events)
	if clk.Pending() != 0 || c.State() != Closed {
		t.Fatalf("pending=%d state=%v", clk.Pending(), c.State())
	}
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	c, ff, clk, r := setup(t, DefaultConfig())
	tr := openClient(t, c, ff, r)
	tr.fail <- errors.New("eof")
	expectEvent(t, r, "error")
	expectEvent(t, r, "close clean=false retry=true")
	c.Close()
	if clk.Pending() != 0 {
		t.Fatalf("pending=%d", clk.Pending())
	}
	clk.Add(time.Hour)
	none(t, ff.dialc)
	none(t, r.events)
}

func TestCloseTwice(t *testing.T) {
	c, ff, _, r := setup(t, DefaultConfig())
	tr := openClient(t, c, ff, r)
	c.Close()
	c.Close()
	if tr.closeCount() != 1 {
		t.Fatalf("transport closed %d times", tr.closeCount())
	}
	if c.State() != Closed {
		t.Fatalf("state=%v", c.State())
	}
	if c.Send([]byte("x")) {
		t.Fatal("send after close should fail")
	}
	none(t, r.events)
}

func TestCloseDuringDial(t *testing.T) {
	c, ff, clk, r := setup(t, DefaultConfig())
	ff.gate = make(chan struct{})
	ff.stubborn = true
	c.Open()
	recv(t, ff.dialc)
	c.Close()
	close(ff.gate)
	tr := recv(t, ff.conns)
	eventually(t, func() bool { return tr.closeCount() == 1 })
	none(t, r.events)
	if clk.Pending() != 0 {
		t.Fatalf("pending=%d", clk.Pending())
	}
}

func TestSendAndSendJSON(t *testing.T) {
	c, ff, _, r := setup(t, DefaultConfig())
	tr := openClient(t, c, ff, r)
	if !c.Send([]byte("ping")) {
		t.Fatal("send failed")
	}
	if !c.SendJSON("sos", map[string]string{"tourist_id": "T-1"}) {
		t.Fatal("send json failed")
	}
	tr.mu.Lock()
	sent := append([][]byte(nil), tr.sent...)
	tr.mu.Unlock()
	if len(sent) != 2 || string(sent[0]) != "ping" {
		t.Fatalf("sent=%q", sent)
	}
	env, err := DecodeEnvelope(sent[1])
	if err != nil {
		t.Fatal(err)
	}
	var p map[string]string
	if env.Type != "sos" || env.Decode(&p) != nil || p["tourist_id"] != "T-1" || env.Timestamp == nil {
		t.Fatalf("env=%+v", env)
	}
}

func TestListenersOrderAndRemove(t *testing.T) {
	c, ff, _, r := setup(t, DefaultConfig())
	order := make(chan string, 16)
	c.AddListener(ListenerFuncs{Message: func(InboundEvent) { order <- "a" }})
	remove := c.AddListener(ListenerFuncs{Message: func(InboundEvent) { order <- "b" }})
	tr := openClient(t, c, ff, r)
	tr.in <- Frame{Kind: FrameText, Data: []byte("1")}
	recv(t, r.msgs)
	if a, b := recv(t, order), recv(t, order); a != "a" || b != "b" {
		t.Fatalf("order %s %s", a, b)
	}
	remove()
	remove()
	tr.in <- Frame{Kind: FrameText, Data: []byte("2")}
	recv(t, r.msgs)
	if got := recv(t, order); got != "a" {
		t.Fatalf("got %s", got)
	}
	none(t, order)
}

func TestPanickingListener(t *testing.T) {
	c, ff, _, _ := setup(t, DefaultConfig())
	c.AddListener(ListenerFuncs{Message: func(InboundEvent) { panic("boom") }})
	after := newRecorder()
	c.AddListener(after.listener())
	c.Open()
	tr := recv(t, ff.conns)
	tr.in <- Frame{Kind: FrameText, Data: []byte("1")}
	tr.in <- Frame{Kind: FrameText, Data: []byte("2")}
	recv(t, after.msgs)
	if m := recv(t, after.msgs); string(m.Data) != "2" {
		t.Fatalf("data=%s", m.Data)
	}
}

func TestStateTransitions(t *testing.T) {
	c, ff, _, _ := setup(t, DefaultConfig())
	states := make(chan StateEvent, 16)
	c.AddListener(ListenerFuncs{StateChange: func(e StateEvent) { states <- e }})
	c.Open()
	tr := recv(t, ff.conns)
	tr.fail <- &CloseError{Code: 1000, Clean: true}
	want := []StateEvent{
		{Uninstantiated, Connecting},
		{Connecting, Open},
		{Open, Closing},
		{Closing, Closed},
	}
	for _, w := range want {
		if got := recv(t, states); got != w {
			t.Fatalf("got %v->%v want %v->%v", got.Old, got.New, w.Old, w.New)
		}
	}
	st := c.Status()
	if st.State != "closed" || st.Endpoint != c.Endpoint() || st.ID == "" {
		t.Fatalf("status=%+v", st)
	}
}
