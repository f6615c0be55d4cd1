// Package eventstream is a development server for the dashboard event
// stream. It fans envelopes out to WebSocket subscribers of the authority
// channel and of per-tourist channels.
package eventstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"nuha.dev/livesync/internal/stream"
	"nuha.dev/livesync/internal/util"
)

const AuthorityChannel = "authority"

func TouristChannel(id string) string {
	return "tourist/" + id
}

type Config struct {
	ListenAddr string
	// Buffer is the per-connection queue. Envelopes beyond it are skipped.
	Buffer       int
	WriteTimeout time.Duration
}

type Server struct {
	config Config
	router chi.Router
	server *http.Server
	subs   *SublistMap
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewServer(config Config) *Server {
	if config.Buffer <= 0 {
		config.Buffer = 32
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	s := &Server{config: config, subs: NewSublistMap(), done: make(chan struct{})}
	s.logger = log.With().Str("module", "eventstream").Logger()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/ws/authority", s.serveChannel(func(*http.Request) string { return AuthorityChannel }))
	r.Get("/ws/tourist/{id}", s.serveChannel(func(r *http.Request) string {
		return TouristChannel(chi.URLParam(r, "id"))
	}))
	r.Post("/publish/authority", s.publish(func(*http.Request) string { return AuthorityChannel }))
	r.Post("/publish/tourist/{id}", s.publish(func(r *http.Request) string {
		return TouristChannel(chi.URLParam(r, "id"))
	}))
	r.Get("/channels", func(w http.ResponseWriter, r *http.Request) {
		util.JsonWrite(w, s.subs.Keys())
	})
	s.router = r
	s.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("event stream listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops the listener and ends every subscriber connection with
// StatusGoingAway.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.server.Close()
}

// Publish sends an encoded envelope on channel and returns how many
// subscribers got it. The envelope is kept for later subscribers.
func (s *Server) Publish(channel string, data []byte) int {
	l, _ := s.subs.GetSublist(channel, true)
	return l.Send(data)
}

// Channels lists channels with subscribers.
func (s *Server) Channels() []string {
	return s.subs.Keys()
}

func (s *Server) publish(channel func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if _, err := stream.DecodeEnvelope(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ch := channel(r)
		n := s.Publish(ch, body)
		s.logger.Debug().Str("channel", ch).Int("delivered", n).Msg("envelope published")
		util.JsonWrite(w, map[string]int{"delivered": n})
	}
}

func (s *Server) serveChannel(channel func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			s.logger.Err(err).Msg("Error while upgrading websocket")
			return
		}
		defer c.Close(websocket.StatusInternalError, "unhandled error")

		ch := channel(r)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		wc := &wsClient{c: c, out: make(chan []byte, s.config.Buffer), logger: s.logger.With().Str("channel", ch).Logger()}
		l, _ := s.subs.GetSublist(ch, true)
		l.Subscribe(wc)
		defer l.Unsubscribe(wc)
		wc.logger.Info().Msg("subscriber connected")

		go wc.readLoop(r.Context(), cancel)
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		err = wc.writeLoop(ctx, s.config.WriteTimeout)
		atomic.StoreUint32(&wc.closed, 1)
		wc.logger.Info().Err(err).
			Uint64("pushed", atomic.LoadUint64(&wc.pushed)).
			Uint64("skipped", atomic.LoadUint64(&wc.skipped)).
			Msg("subscriber disconnected")
		select {
		case <-s.done:
			c.Close(websocket.StatusGoingAway, "server shutting down")
		default:
			c.Close(websocket.StatusNormalClosure, "")
		}
	}
}

type wsClient struct {
	c       *websocket.Conn
	out     chan []byte
	logger  zerolog.Logger
	closed  uint32
	pushed  uint64
	skipped uint64
}

func (wc *wsClient) Push(channel string, d []byte) bool {
	if atomic.LoadUint32(&wc.closed) == 1 {
		return true
	}
	select {
	case wc.out <- d:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.skipped, 1)
	}
	return false
}

// readLoop drains client frames so control frames are processed. Client
// messages are only logged. ctx must outlive the write side so Close can
// finish the handshake.
func (wc *wsClient) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			return
		}
		wc.logger.Debug().Str("msg", strings.TrimSpace(string(msg))).Msg("client message")
	}
}

func (wc *wsClient) writeLoop(ctx context.Context, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-wc.out:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := wc.c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.logger.Err(err).Msg("Error while writing to connection")
				return err
			}
		}
	}
}
