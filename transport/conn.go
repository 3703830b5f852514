package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("transport: connection closed")

const writeWait = 5 * time.Second

// Conn is a single websocket connection with its own reader and writer goroutines.
type Conn struct {
	ws     *websocket.Conn
	frames chan Frame
	sendCh chan Frame
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Dial opens a websocket to url. The handshake is bounded by handshakeTimeout.
func Dial(ctx context.Context, url string, headers http.Header, handshakeTimeout time.Duration) (*Conn, error) {
	if headers == nil {
		headers = http.Header{}
	}
	d := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := d.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	c := &Conn{
		ws:     ws,
		frames: make(chan Frame, 64),
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Frames delivers inbound frames in arrival order. It is closed when the
// connection fails or is closed; Err reports why.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// Err returns the error that ended the read loop, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues a frame for the writer goroutine.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	case c.sendCh <- f:
		return nil
	}
}

// Close sends a close frame and tears the socket down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(250*time.Millisecond))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.setErr(errConnClosed)
			default:
				c.setErr(err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(b, &f); err != nil || f.Event == "" {
			continue
		}

		select {
		case c.frames <- f:
		case <-c.done:
			c.setErr(errConnClosed)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.setErr(err)
				_ = c.ws.Close()
				return
			}
		}
	}
}
