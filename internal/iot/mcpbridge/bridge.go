// Package mcpbridge serves the device's IoT things as MCP tools over the
// server channel.
//
// Every thing method becomes a tool named self.<thing>.<method> in snake
// case, plus self.get_device_status returning the current thing states. The
// MCP session runs over the channel's "mcp" JSON envelope: inbound payloads
// are handed to [Bridge.HandleMessage] and replies are sent with
// [transport.SendMCP].
//
// Typical usage:
//
//	b := mcpbridge.New(things, ch)
//	if err := b.Start(ctx); err != nil { ... }
//	defer b.Close()
//
//	// from the channel's JSON dispatch
//	_ = b.HandleMessage(envelope.Payload)
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/linkinwong/xiaozhi/internal/iot"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

const (
	// StatusTool is the name of the tool returning every thing state.
	StatusTool = "self.get_device_status"

	defaultSendTimeout = 2 * time.Second
	defaultBacklog     = 16
)

var (
	// ErrNotStarted is returned by HandleMessage before Start.
	ErrNotStarted = errors.New("mcpbridge: not started")

	// ErrBacklog is returned when inbound messages arrive faster than the
	// session consumes them.
	ErrBacklog = errors.New("mcpbridge: inbound backlog full")
)

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithSendTimeout bounds each outbound envelope send. The default is two
// seconds.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// WithVersion sets the implementation version announced on initialize.
func WithVersion(v string) Option {
	return func(b *Bridge) { b.version = v }
}

// Bridge owns the MCP server for one channel. It is safe for concurrent use.
type Bridge struct {
	things      *iot.Manager
	channel     transport.Channel
	sendTimeout time.Duration
	version     string
	server      *mcp.Server

	mu      sync.Mutex
	conn    *envelopeConn
	session *mcp.ServerSession
}

// New builds the MCP server and registers a tool for every method of every
// thing currently in things. Things added later are not exported.
func New(things *iot.Manager, ch transport.Channel, opts ...Option) *Bridge {
	b := &Bridge{
		things:      things,
		channel:     ch,
		sendTimeout: defaultSendTimeout,
		version:     "dev",
	}
	for _, o := range opts {
		o(b)
	}

	b.server = mcp.NewServer(&mcp.Implementation{Name: "xiaozhi-device", Version: b.version}, nil)
	b.server.AddTool(&mcp.Tool{
		Name:        StatusTool,
		Description: "Return the current state of every device component, such as speaker volume.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, b.status)

	for _, t := range things.Things() {
		for _, m := range t.Methods() {
			b.server.AddTool(toolFor(t, m), b.invoke(t.Name(), m.Name))
		}
	}
	return b
}

// Server returns the underlying MCP server.
func (b *Bridge) Server() *mcp.Server { return b.server }

// Start connects the server to the channel envelope. Calling Start on a
// started bridge is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return nil
	}
	conn := newEnvelopeConn(b.channel, b.sendTimeout)
	session, err := b.server.Connect(ctx, &envelopeTransport{conn: conn}, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect: %w", err)
	}
	b.conn, b.session = conn, session
	slog.Info("mcp bridge started", "tools", len(b.things.Things()))
	return nil
}

// HandleMessage delivers one inbound JSON-RPC payload to the session.
func (b *Bridge) HandleMessage(payload json.RawMessage) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return fmt.Errorf("mcpbridge: decode: %w", err)
	}
	return conn.deliver(msg)
}

// Close ends the session. The bridge can be started again afterwards.
func (b *Bridge) Close() error {
	b.mu.Lock()
	session := b.session
	b.conn, b.session = nil, nil
	b.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// ── Tools ────────────────────────────────────────────────────────────────────

// ToolName returns the MCP tool name of a thing method.
func ToolName(thing, method string) string {
	return "self." + snake(thing) + "." + snake(method)
}

func toolFor(t *iot.Thing, m iot.Method) *mcp.Tool {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(m.Parameters)),
	}
	for _, p := range m.Parameters {
		schema.Properties[p.Name] = &jsonschema.Schema{Type: string(p.Type), Description: p.Description}
		schema.Required = append(schema.Required, p.Name)
	}
	return &mcp.Tool{
		Name:        ToolName(t.Name(), m.Name),
		Description: t.Description() + ": " + m.Description,
		InputSchema: schema,
	}
}

func (b *Bridge) invoke(thing, method string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params map[string]any
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return errorResult(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		res, err := b.things.Invoke(ctx, iot.Command{Name: thing, Method: method, Parameters: params})
		if err != nil {
			slog.Warn("mcp tool failed", "thing", thing, "method", method, "error", err)
			return errorResult(err), nil
		}
		out, err := json.Marshal(res)
		if err != nil {
			return errorResult(err), nil
		}
		return textResult(string(out)), nil
	}
}

func (b *Bridge) status(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	states, err := b.things.States()
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(string(states)), nil
}

func textResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

// snake converts CamelCase to snake_case: "SetVolume" → "set_volume",
// "VoicePrint" → "voice_print".
func snake(s string) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				sb.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ── Envelope transport ───────────────────────────────────────────────────────

type envelopeTransport struct{ conn *envelopeConn }

func (t *envelopeTransport) Connect(context.Context) (mcp.Connection, error) {
	return t.conn, nil
}

// envelopeConn is an [mcp.Connection] reading from HandleMessage deliveries
// and writing through the channel's mcp envelope.
type envelopeConn struct {
	channel     transport.Channel
	sendTimeout time.Duration

	incoming  chan jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newEnvelopeConn(ch transport.Channel, sendTimeout time.Duration) *envelopeConn {
	return &envelopeConn{
		channel:     ch,
		sendTimeout: sendTimeout,
		incoming:    make(chan jsonrpc.Message, defaultBacklog),
		closed:      make(chan struct{}),
	}
}

func (c *envelopeConn) deliver(msg jsonrpc.Message) error {
	select {
	case <-c.closed:
		return ErrNotStarted
	default:
	}
	select {
	case c.incoming <- msg:
		return nil
	default:
		return ErrBacklog
	}
}

func (c *envelopeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *envelopeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	return transport.SendMCP(ctx, c.channel, data)
}

func (c *envelopeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *envelopeConn) SessionID() string { return c.channel.SessionID() }
