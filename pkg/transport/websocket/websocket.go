// Package websocket implements [transport.Channel] over a WebSocket
// connection using github.com/coder/websocket.
//
// Connect dials the server with the device identity headers, sends the client
// hello and waits for the server hello before reporting the audio channel as
// open. A single reader goroutine dispatches text frames as JSON and binary
// frames as audio.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/linkinwong/xiaozhi/pkg/transport"
)

var _ transport.Channel = (*Client)(nil)

const defaultHelloTimeout = 10 * time.Second

// Option configures a [Client].
type Option func(*Client)

// WithAccessToken sets the bearer token sent in the Authorization header.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDeviceID sets the Device-Id header.
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithClientID sets the Client-Id header.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// WithAudioParams sets the uplink format announced in the client hello.
func WithAudioParams(p transport.AudioParams) Option {
	return func(c *Client) { c.audioParams = p }
}

// WithHelloTimeout overrides the 10s server hello wait.
func WithHelloTimeout(d time.Duration) Option {
	return func(c *Client) { c.helloTimeout = d }
}

// Client is a WebSocket [transport.Channel].
type Client struct {
	url          string
	token        string
	deviceID     string
	clientID     string
	version      int
	audioParams  transport.AudioParams
	helloTimeout time.Duration

	hmu      sync.RWMutex
	handlers transport.Handlers

	mu        sync.Mutex // guards conn, sessionID, opened, cancel
	conn      *websocket.Conn
	sessionID string
	opened    bool
	cancel    context.CancelFunc
	closing   bool

	// connectMu serialises Connect so concurrent opens share one dial.
	connectMu sync.Mutex
}

// New returns a client for url. Nothing is dialled until Connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		version:      transport.ProtocolVersion,
		helloTimeout: defaultHelloTimeout,
		audioParams: transport.AudioParams{
			Format:        "opus",
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHandlers implements [transport.Channel].
func (c *Client) SetHandlers(h transport.Handlers) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers = h
}

func (c *Client) getHandlers() transport.Handlers {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers
}

// Connect implements [transport.Channel].
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.IsAudioChannelOpened() {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("Protocol-Version", strconv.Itoa(c.version))
	header.Set("Device-Id", c.deviceID)
	header.Set("Client-Id", c.clientID)

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		c.networkError(fmt.Sprintf("cannot connect to server: %v", err))
		return fmt.Errorf("websocket: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)

	readCtx, cancel := context.WithCancel(context.Background())
	hello := make(chan transport.Hello, 1)

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.closing = false
	c.mu.Unlock()

	go c.readLoop(readCtx, conn, hello)

	clientHello, err := json.Marshal(transport.Hello{
		Type:        "hello",
		Version:     c.version,
		Transport:   "websocket",
		AudioParams: &c.audioParams,
	})
	if err != nil {
		c.teardown(conn)
		return fmt.Errorf("websocket: encode hello: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, clientHello); err != nil {
		c.teardown(conn)
		return fmt.Errorf("websocket: send hello: %w", err)
	}

	timer := time.NewTimer(c.helloTimeout)
	defer timer.Stop()
	select {
	case h := <-hello:
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return fmt.Errorf("websocket: connection lost during handshake: %w", transport.ErrNotConnected)
		}
		c.sessionID = h.SessionID
		c.opened = true
		c.mu.Unlock()
		slog.Info("websocket: connected", "url", c.url, "session_id", h.SessionID)
	case <-timer.C:
		c.teardown(conn)
		c.networkError("timed out waiting for server hello")
		return transport.ErrHelloTimeout
	case <-ctx.Done():
		c.teardown(conn)
		return fmt.Errorf("websocket: wait for hello: %w", ctx.Err())
	}

	if h := c.getHandlers(); h.OnAudioChannelOpened != nil {
		h.OnAudioChannelOpened()
	}
	return nil
}

// OpenAudioChannel implements [transport.Channel].
func (c *Client) OpenAudioChannel(ctx context.Context) (bool, error) {
	if c.IsAudioChannelOpened() {
		return true, nil
	}
	if err := c.Connect(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// CloseAudioChannel implements [transport.Channel].
func (c *Client) CloseAudioChannel(_ context.Context) error {
	c.mu.Lock()
	conn := c.conn
	wasOpen := c.opened
	c.closing = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client closed")
	c.teardown(conn)
	if wasOpen {
		if h := c.getHandlers(); h.OnAudioChannelClosed != nil {
			h.OnAudioChannelClosed()
		}
	}
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("websocket: close: %w", err)
	}
	return nil
}

// IsAudioChannelOpened implements [transport.Channel].
func (c *Client) IsAudioChannelOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.opened
}

// SessionID implements [transport.Channel].
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SendAudio implements [transport.Channel]. Packets sent while the channel is
// closed are dropped with [transport.ErrNotConnected].
func (c *Client) SendAudio(ctx context.Context, packet []byte) error {
	conn, err := c.openConn()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
		c.networkError(fmt.Sprintf("send audio failed: %v", err))
		return fmt.Errorf("websocket: send audio: %w", err)
	}
	return nil
}

// SendText implements [transport.Channel].
func (c *Client) SendText(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		_ = c.CloseAudioChannel(ctx)
		c.networkError(fmt.Sprintf("send message failed: %v", err))
		return fmt.Errorf("websocket: send text: %w", err)
	}
	return nil
}

// SendAbort implements [transport.Channel].
func (c *Client) SendAbort(ctx context.Context, reason transport.AbortReason) error {
	msg, err := transport.AbortMessage(c.SessionID(), reason)
	if err != nil {
		return fmt.Errorf("websocket: encode abort: %w", err)
	}
	slog.Info("websocket: sending abort", "reason", reason)
	return c.SendText(ctx, msg)
}

func (c *Client) openConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.opened {
		return nil, transport.ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, hello chan<- transport.Hello) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.readFailed(conn, err)
			return
		}
		h := c.getHandlers()
		switch typ {
		case websocket.MessageText:
			var env transport.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				slog.Warn("websocket: invalid json message", "err", err, "len", len(data))
				continue
			}
			if env.Type == "hello" {
				var sh transport.Hello
				if err := json.Unmarshal(data, &sh); err != nil || sh.Transport != "websocket" {
					slog.Error("websocket: unsupported server hello", "transport", sh.Transport, "err", err)
					continue
				}
				select {
				case hello <- sh:
				default:
				}
				continue
			}
			if h.OnIncomingJSON != nil {
				h.OnIncomingJSON(data)
			}
		case websocket.MessageBinary:
			if h.OnIncomingAudio != nil {
				h.OnIncomingAudio(data)
			}
		}
	}
}

func (c *Client) readFailed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	closing := c.closing
	wasOpen := c.opened
	c.mu.Unlock()
	if !current || closing {
		return
	}
	c.teardown(conn)

	h := c.getHandlers()
	if isClosedErr(err) {
		slog.Info("websocket: connection closed by server")
		if wasOpen && h.OnAudioChannelClosed != nil {
			h.OnAudioChannelClosed()
		}
		return
	}
	slog.Warn("websocket: read failed", "err", err)
	c.networkError(fmt.Sprintf("connection error: %v", err))
}

// teardown forgets conn if it is still the current connection.
func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	_ = conn.CloseNow()
	c.conn = nil
	c.opened = false
}

func (c *Client) networkError(msg string) {
	if h := c.getHandlers(); h.OnNetworkError != nil {
		h.OnNetworkError(msg)
	}
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
		errors.Is(err, context.Canceled)
}
