package stream

import "context"

const (
	FrameText   string = "text"
	FrameBinary string = "binary"
)

type Frame struct {
	Kind string
	Data []byte
}

// Transport is one live connection. Recv blocks until a frame arrives or the
// transport terminates; termination is reported as a *CloseError when the
// peer closed, or any other error for an abrupt failure.
type Transport interface {
	Recv(ctx context.Context) (Frame, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

type TransportFactory interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

type TransportFactoryFunc func(ctx context.Context, endpoint string) (Transport, error)

func (f TransportFactoryFunc) Dial(ctx context.Context, endpoint string) (Transport, error) {
	return f(ctx, endpoint)
}
