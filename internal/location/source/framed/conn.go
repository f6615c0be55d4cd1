package framed

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// conn counts traffic and remembers the socket tuple for logging.
type conn struct {
	cid     uint64
	tuple   []string
	created time.Time
	r       *bufio.Reader
	byteIn  uint64
	closed  uint32
	net.Conn
}

func newConn(c net.Conn, cid uint64) *conn {
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())
	return &conn{
		cid:     cid,
		tuple:   []string{sourceip, sourceport, targetip, targetport},
		created: time.Now(),
		r:       bufio.NewReader(c),
		Conn:    c,
	}
}

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(&c.byteIn, uint64(n))
	return n, err
}

func (c *conn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	return c.Conn.Close()
}

func (c *conn) BytesIn() uint64 {
	return atomic.LoadUint64(&c.byteIn)
}

func (c *conn) remoteIP() string {
	return c.tuple[0]
}

func (c *conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", c.tuple).Uint64("cid", c.cid)
}
