// Package framed accepts GPS devices speaking the framed JSON protocol and
// exposes their reports as a location.PositionSource.
package framed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/livesync/internal/geo"
	"nuha.dev/livesync/internal/location"
	"nuha.dev/livesync/internal/location/source/feed"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	LOGIN_REJECTED      string = "login_rejected"
	CONNECTION_REPLACED string = "connection_replaced"
	SUBSCRIBER_DROPPED  string = "subscriber_dropped"
)

var (
	ErrClosed      = feed.ErrClosed
	errNoGpsFix    = errors.New("device reports no gps fix")
	errNotLogin    = errors.New("first frame is not a login")
	errWrongSerial = errors.New("serial not accepted")
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// Serial restricts the source to one device; empty accepts any.
	Serial       string        `mapstructure:"serial"`
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
	// Buffer is the per-subscriber channel size.
	Buffer int `mapstructure:"buffer"`
}

type DeviceInfo struct {
	Serial     string    `json:"serial"`
	SnType     string    `json:"sn_type"`
	DeviceType string    `json:"device_type"`
	Remote     string    `json:"remote"`
	Connected  time.Time `json:"connected"`
	BytesIn    uint64    `json:"bytes_in"`
}

type device struct {
	login LoginMessage
	c     *conn
}

// Source implements location.PositionSource and location.CachedSource.
type Source struct {
	mu      sync.Mutex
	config  Config
	log     log.Logger
	ln      net.Listener
	ready   bool
	closed  bool
	cid     uint64
	devices map[string]*device
	hub     *feed.Hub
}

func NewSource(config Config) *Source {
	if config.LoginTimeout <= 0 {
		config.LoginTimeout = 2 * time.Second
	}
	if config.Buffer <= 0 {
		config.Buffer = 16
	}
	s := &Source{config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "framed").Value()
	s.devices = map[string]*device{}
	s.hub = feed.NewHub(config.Buffer)
	return s
}

// Listen binds Config.ListenAddr behind a PROXY protocol aware listener and
// accepts devices in the background.
func (s *Source) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	pln := &proxyproto.Listener{Listener: ln}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	s.ln = pln
	s.ready = true
	s.mu.Unlock()
	s.log.Info().Msgf("accepting devices on %s", ln.Addr())
	go s.acceptLoop(pln)
	return nil
}

func (s *Source) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Source) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Error().Err(err).Msg("failed to accept new connection")
			}
			return
		}
		go s.ServeConn(c)
	}
}

// ServeConn runs the login handshake and then reads reports from c until it
// fails or is replaced by a newer connection from the same device.
func (s *Source) ServeConn(nc net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.ready = true
	s.cid++
	c := newConn(nc, s.cid)
	s.mu.Unlock()
	defer c.Close()

	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
	login, err := s.login(c)
	if err != nil {
		s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Msg("closing connection")
		return
	}
	s.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(c).Str("serial", login.Serial).Str("device_type", login.DeviceType).Msg("")

	dev := &device{login: login, c: c}
	s.mu.Lock()
	if old, ok := s.devices[login.Serial]; ok {
		s.log.Info().Str("event", CONNECTION_REPLACED).Str("serial", login.Serial).Msg("")
		old.c.Close()
	}
	s.devices[login.Serial] = dev
	s.mu.Unlock()

	err = s.readLoop(c)
	s.log.Info().Err(err).EmbedObject(c).Uint64("bytes_in", c.BytesIn()).Msg("device disconnected")

	s.mu.Lock()
	if s.devices[login.Serial] == dev {
		delete(s.devices, login.Serial)
	}
	s.mu.Unlock()
}

func (s *Source) login(c *conn) (LoginMessage, error) {
	var login LoginMessage
	_ = c.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
	f := Frame{Buffer: make([]byte, 512)}
	if err := readFrame(c, &f); err != nil {
		return login, err
	}
	_ = c.SetReadDeadline(time.Time{})
	if f.Protocol != LOGIN {
		return login, errNotLogin
	}
	if err := json.Unmarshal(f.Payload, &login); err != nil {
		return login, err
	}
	if s.config.Serial != "" && login.Serial != s.config.Serial {
		s.log.Warn().Str("event", LOGIN_REJECTED).Str("serial", login.Serial).Msg("")
		return login, errWrongSerial
	}
	return login, nil
}

func (s *Source) readLoop(c *conn) error {
	f := Frame{Buffer: make([]byte, 4096)}
	for {
		if err := readFrame(c, &f); err != nil {
			return err
		}
		tread := time.Now().UTC()
		switch f.Protocol {
		case LOCATION_UPDATE:
			var loc LocationMessage
			if err := json.Unmarshal(f.Payload, &loc); err != nil {
				s.log.Error().Err(err).EmbedObject(c).Msg("error parsing location data")
				return err
			}
			if !loc.Fix {
				s.publish(location.Reading{Err: &location.Error{Kind: location.PositionUnavailable, Err: errNoGpsFix}})
				continue
			}
			s.publish(location.Reading{Fix: toFix(loc, tread)})
		case GPS_ERROR:
			var m GpsErrorMessage
			_ = json.Unmarshal(f.Payload, &m)
			var cause error = errNoGpsFix
			if m.Reason != "" {
				cause = errors.New(m.Reason)
			}
			s.publish(location.Reading{Err: &location.Error{Kind: location.PositionUnavailable, Err: cause}})
		default:
			s.log.Trace().EmbedObject(c).Msgf("ignoring protocol %x", f.Protocol)
		}
	}
}

func toFix(loc LocationMessage, tread time.Time) location.Fix {
	ts := loc.GpsTime
	if ts.IsZero() {
		ts = tread
	}
	return location.Fix{
		Position:  geo.Position{Latitude: loc.Latitude, Longitude: loc.Longitude},
		Accuracy:  float64(loc.Accuracy),
		Altitude:  float64(loc.Altitude),
		Speed:     float64(loc.Speed),
		Timestamp: ts,
	}
}

func (s *Source) publish(r location.Reading) {
	if n := s.hub.Publish(r); n > 0 {
		s.log.Debug().Str("event", SUBSCRIBER_DROPPED).Int("dropped", n).Msg("subscriber lagging")
	}
}

func (s *Source) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closed
}

func (s *Source) Watch(ctx context.Context, opts location.Options) (<-chan location.Reading, error) {
	return s.hub.Subscribe(ctx)
}

func (s *Source) LastFix() (location.Fix, bool) {
	return s.hub.LastFix()
}

func (s *Source) Devices() []DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, DeviceInfo{
			Serial:     d.login.Serial,
			SnType:     d.login.SnType,
			DeviceType: d.login.DeviceType,
			Remote:     d.c.remoteIP(),
			Connected:  d.c.created,
			BytesIn:    d.c.BytesIn(),
		})
	}
	return out
}

// Close stops accepting, drops every device and ends all subscriptions.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	devs := make([]*device, 0, len(s.devices))
	for _, d := range s.devices {
		devs = append(devs, d)
	}
	s.mu.Unlock()
	s.hub.Close()
	for _, d := range devs {
		d.c.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}
