package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

const (
	SourceWebsocket = "websocket"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 64 * 1024
)

var ErrNotConnected = errors.New("websocket not connected")

// Client keeps one websocket connection to the plant gateway open,
// reconnecting with backoff. Sensor and unit frames go to the publisher;
// ack frames resolve pending SendCommand calls.
type Client struct {
	url        string
	pub        Publisher
	log        *slog.Logger
	dialer     *websocket.Dialer
	now        func() time.Time
	minBackoff time.Duration
	maxBackoff time.Duration
	ackTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan bool
	connected bool

	writeMu sync.Mutex
}

func NewClient(url string, pub Publisher, ackTimeout time.Duration, logger *slog.Logger) *Client {
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Client{
		url:        url,
		pub:        pub,
		log:        logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		now:        time.Now,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		ackTimeout: ackTimeout,
		pending:    map[string]chan bool{},
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Warn("dial websocket", "url", c.url, "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff
		c.serve(ctx, conn)
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.setConn(conn)
	c.log.Info("websocket connected", "url", c.url)

	done := make(chan struct{})
	go c.keepalive(ctx, conn, done)

	err := c.readLoop(conn)
	close(done)
	_ = conn.Close()
	c.setConn(nil)
	if ctx.Err() == nil {
		c.log.Warn("websocket disconnected", "url", c.url, "err", err)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = conn != nil
	var orphaned map[string]chan bool
	if conn == nil {
		orphaned = c.pending
		c.pending = map[string]chan bool{}
	}
	c.mu.Unlock()

	for _, ch := range orphaned {
		close(ch)
	}
	up := 0.0
	if conn != nil {
		up = 1
	}
	metrics.IngestConnected.WithLabelValues(SourceWebsocket).Set(up)
	c.pub.PublishConnection(SourceWebsocket, conn != nil)
}

// keepalive pings the server and closes conn when ctx ends so that the
// blocking read returns.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		f, err := Decode(msg, "", "", c.now(), c.log)
		if err != nil {
			c.log.Warn("skipping websocket frame", "err", err)
			continue
		}
		if f.Ack != nil {
			c.resolve(*f.Ack)
			continue
		}
		publish(c.pub, f)
	}
}

func (c *Client) resolve(a Ack) {
	c.mu.Lock()
	ch, ok := c.pending[a.RequestID]
	delete(c.pending, a.RequestID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("ack for unknown request", "request_id", a.RequestID)
		return
	}
	ch <- a.Success
}

// SendCommand writes cmd and waits for its ack. It returns the device's
// verdict, or an error if the connection is down or no ack arrived in time.
func (c *Client) SendCommand(ctx context.Context, cmd models.Command) (bool, error) {
	b, err := encodeCommand(cmd)
	if err != nil {
		return false, err
	}
	ch := make(chan bool, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return false, ErrNotConnected
	}
	c.pending[cmd.RequestID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return false, fmt.Errorf("write command: %w", err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case ok, open := <-ch:
		if !open {
			return false, ErrNotConnected
		}
		return ok, nil
	case <-timer.C:
		forget()
		return false, fmt.Errorf("no ack for %s within %s", cmd.RequestID, c.ackTimeout)
	case <-ctx.Done():
		forget()
		return false, ctx.Err()
	}
}
