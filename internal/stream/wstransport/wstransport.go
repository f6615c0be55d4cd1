package wstransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/livesync/internal/stream"
)

type Config struct {
	ReadLimit int64
	Header    http.Header
}

// Factory dials WebSocket endpoints (ws:// or wss://).
type Factory struct {
	config Config
	log    log.Logger
}

func NewFactory(config Config) *Factory {
	f := &Factory{config: config}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "wstransport").Value()
	return f
}

func (f *Factory) Dial(ctx context.Context, endpoint string) (stream.Transport, error) {
	c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader:      f.config.Header,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	if f.config.ReadLimit > 0 {
		c.SetReadLimit(f.config.ReadLimit)
	}
	f.log.Debug().Str("endpoint", endpoint).Msg("websocket connected")
	return &Transport{c: c}, nil
}

type Transport struct {
	c *websocket.Conn
}

func (t *Transport) Recv(ctx context.Context) (stream.Frame, error) {
	typ, msg, err := t.c.Read(ctx)
	if err != nil {
		return stream.Frame{}, closeError(err)
	}
	kind := stream.FrameText
	if typ == websocket.MessageBinary {
		kind = stream.FrameBinary
	}
	return stream.Frame{Kind: kind, Data: msg}, nil
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) Close() error {
	return t.c.Close(websocket.StatusNormalClosure, "")
}

// closeError maps a close frame to *stream.CloseError. Normal closure and
// going away count as clean; everything else, including a dropped TCP
// connection, is returned unchanged and treated as unclean.
func closeError(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	clean := ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway
	return &stream.CloseError{Code: int(ce.Code), Reason: ce.Reason, Clean: clean}
}
