// Package client implements the relay client API: it dials the server over
// TCP, TLS or WebSocket, sends records, and dispatches inbound records to
// typed callbacks.
package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/presencerelay/pkg/model"
	"github.com/NicolasHaas/presencerelay/pkg/netutil"
	"github.com/NicolasHaas/presencerelay/pkg/protocol"
)

// ErrNotConnected is returned by send methods after the connection is gone.
var ErrNotConnected = errors.New("client: not connected")

// Options controls how Dial connects.
type Options struct {
	DialTimeout        time.Duration // default 5s
	TLS                bool          // TCP only; ws:// and wss:// URLs pick their own transport
	InsecureSkipVerify bool          // accept the server's self-signed certificate
	MaxRecordSize      int           // default protocol.MaxRecordSize
	Logger             *slog.Logger  // default slog.Default()
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = protocol.MaxRecordSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Handler holds callbacks for inbound records. Nil callbacks are skipped.
// Callbacks run on the receive goroutine, one at a time, in arrival order.
type Handler struct {
	OnLogin        func(username, displayName string)
	OnUsers        func(users []model.Presence)
	OnMessage      func(msg protocol.Chat)
	OnBroadcast    func(msg protocol.Chat)
	OnFile         func(file protocol.File)
	OnGroupMessage func(msg protocol.GroupChat)
	OnRTCOffer     func(sig protocol.SignalEvent)
	OnRTCAnswer    func(sig protocol.SignalEvent)
	OnRTCIce       func(sig protocol.SignalEvent)
	OnRTCEnd       func(sig protocol.SignalEvent)
	OnError        func(message string)
	OnInfo         func(message string)
}

// Client is a connection to the relay server.
type Client struct {
	conn io.ReadWriteCloser
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex
	handler Handler
	done    chan struct{}
	err     error // receive loop exit reason, valid after done is closed

	mu          sync.RWMutex
	username    string
	displayName string
	users       []model.Presence
}

// Dial connects to addr. addr is host:port for TCP (TLS when opts.TLS is
// set), or a ws:// or wss:// URL for the WebSocket transport.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	tlsCfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed relay certificates
		MinVersion:         tls.VersionTLS13,
	}

	var conn io.ReadWriteCloser
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		dialer := websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			TLSClientConfig:  tlsCfg,
		}
		ws, _, err := dialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("client: connect %s: %w", addr, err)
		}
		conn = netutil.NewWebSocketConn(ws)
	case opts.TLS:
		dialer := &tls.Dialer{Config: tlsCfg}
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("client: connect %s: %w", addr, err)
		}
		conn = c
	default:
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("client: connect %s: %w", addr, err)
		}
		conn = c
	}

	return newClient(conn, opts), nil
}

func newClient(conn io.ReadWriteCloser, opts Options) *Client {
	return &Client{
		conn: conn,
		opts: opts,
		log:  opts.Logger,
		done: make(chan struct{}),
	}
}

// SetHandler sets the inbound callbacks. Call before StartReceiving.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// StartReceiving starts a goroutine that reads inbound records and
// dispatches them to the handler until the connection closes.
func (c *Client) StartReceiving() {
	go func() {
		defer close(c.done)
		c.err = c.receive()
		if c.err != nil {
			c.log.Error("relay read error", "err", c.err)
		} else {
			c.log.Debug("relay connection closed")
		}
	}()
}

func (c *Client) receive() error {
	framer := protocol.NewFramer(c.opts.MaxRecordSize)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, ferr := framer.Feed(buf[:n])
			for _, frame := range frames {
				c.dispatch(frame)
			}
			if ferr != nil {
				_ = c.conn.Close()
				return ferr
			}
		}
		if err != nil {
			if netutil.IsClosedErr(err) {
				return nil
			}
			return err
		}
	}
}

func (c *Client) dispatch(frame []byte) {
	rec, err := protocol.ParseRecord(frame)
	if err != nil {
		c.log.Warn("ignoring bad record from server", "err", err)
		return
	}
	h := c.handler

	switch rec.Type {
	case protocol.KindLoginOK:
		c.mu.Lock()
		c.username, c.displayName = rec.Username, rec.DisplayName
		c.mu.Unlock()
		if h.OnLogin != nil {
			h.OnLogin(rec.Username, rec.DisplayName)
		}
		if err := c.RequestUsers(); err != nil {
			c.log.Warn("request users after login", "err", err)
		}
	case protocol.KindUsers:
		users := rec.Users
		if users == nil {
			users = []model.Presence{}
		}
		c.mu.Lock()
		c.users = users
		c.mu.Unlock()
		if h.OnUsers != nil {
			h.OnUsers(users)
		}
	case protocol.KindMessage, protocol.KindBroadcast:
		msg := protocol.Chat{Type: rec.Type, From: rec.From, FromUsername: rec.FromUsername, Message: rec.Message}
		if rec.Type == protocol.KindMessage && h.OnMessage != nil {
			h.OnMessage(msg)
		} else if rec.Type == protocol.KindBroadcast && h.OnBroadcast != nil {
			h.OnBroadcast(msg)
		}
	case protocol.KindFile:
		if h.OnFile != nil {
			h.OnFile(protocol.File{
				Type: rec.Type, From: rec.From, FromUsername: rec.FromUsername,
				Filename: rec.Filename, Data: rec.Data,
			})
		}
	case protocol.KindGroupMessage:
		if h.OnGroupMessage != nil {
			h.OnGroupMessage(protocol.GroupChat{
				Type: rec.Type, From: rec.From, FromUsername: rec.FromUsername,
				GroupName: rec.GroupName, Message: rec.Message,
			})
		}
	case protocol.KindRTCOffer, protocol.KindRTCAnswer, protocol.KindRTCIce, protocol.KindRTCEnd:
		c.dispatchSignal(rec)
	case protocol.KindError:
		if h.OnError != nil {
			h.OnError(rec.Message)
		}
	case protocol.KindInfo:
		if h.OnInfo != nil {
			h.OnInfo(rec.Message)
		}
	default:
		c.log.Debug("ignoring record", "type", rec.Type)
	}
}

func (c *Client) dispatchSignal(rec *protocol.Record) {
	sig := protocol.SignalEvent{
		Type:        rec.Type,
		From:        rec.From,
		DisplayName: rec.DisplayName,
		SDP:         rec.SDP,
		Candidate:   rec.Candidate,
	}
	var fn func(protocol.SignalEvent)
	switch rec.Type {
	case protocol.KindRTCOffer:
		fn = c.handler.OnRTCOffer
	case protocol.KindRTCAnswer:
		fn = c.handler.OnRTCAnswer
	case protocol.KindRTCIce:
		fn = c.handler.OnRTCIce
	case protocol.KindRTCEnd:
		fn = c.handler.OnRTCEnd
	}
	if fn != nil {
		fn(sig)
	}
}

// Send writes one record. Safe for concurrent use.
func (c *Client) Send(rec protocol.Record) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteRecord(c.conn, rec); err != nil {
		return fmt.Errorf("client: send %s: %w", rec.Type, err)
	}
	return nil
}

// Login announces the username and display name for this connection.
func (c *Client) Login(username, displayName string) error {
	return c.Send(protocol.Record{Type: protocol.KindLogin, Username: username, DisplayName: displayName})
}

// RequestUsers asks for a fresh presence list.
func (c *Client) RequestUsers() error {
	return c.Send(protocol.Record{Type: protocol.KindGetUsers})
}

// SendMessage sends a direct message.
func (c *Client) SendMessage(to, text string) error {
	return c.Send(protocol.Record{Type: protocol.KindMessage, To: to, Message: text})
}

// Broadcast sends a message to every other online user.
func (c *Client) Broadcast(text string) error {
	return c.Send(protocol.Record{Type: protocol.KindBroadcast, Message: text})
}

// SendFile reads path and sends it base64-encoded under its base name.
func (c *Client) SendFile(to, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path chosen by the user
	if err != nil {
		return fmt.Errorf("client: read file: %w", err)
	}
	return c.SendFileData(to, filepath.Base(path), data)
}

// SendFileData sends in-memory contents as a file.
func (c *Client) SendFileData(to, filename string, data []byte) error {
	return c.Send(protocol.Record{
		Type:     protocol.KindFile,
		To:       to,
		Filename: filename,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

// CreateGroup creates a group; the server adds this user to its members.
func (c *Client) CreateGroup(name string, members ...string) error {
	return c.Send(protocol.Record{Type: protocol.KindCreateGroup, GroupName: name, Members: members})
}

// JoinGroup joins an existing group.
func (c *Client) JoinGroup(name string) error {
	return c.Send(protocol.Record{Type: protocol.KindJoinGroup, GroupName: name})
}

// SendGroupMessage sends a message to a group's online members.
func (c *Client) SendGroupMessage(group, text string) error {
	return c.Send(protocol.Record{Type: protocol.KindGroupMessage, GroupName: group, Message: text})
}

// SendRTCOffer forwards an SDP offer. sdp may be a string or any JSON value;
// the server relays it untouched.
func (c *Client) SendRTCOffer(to string, sdp any) error {
	return c.sendSignal(protocol.KindRTCOffer, to, sdp, nil)
}

// SendRTCAnswer forwards an SDP answer.
func (c *Client) SendRTCAnswer(to string, sdp any) error {
	return c.sendSignal(protocol.KindRTCAnswer, to, sdp, nil)
}

// SendRTCIce forwards an ICE candidate.
func (c *Client) SendRTCIce(to string, candidate any) error {
	return c.sendSignal(protocol.KindRTCIce, to, nil, candidate)
}

// SendRTCEnd tells the peer the call is over.
func (c *Client) SendRTCEnd(to string) error {
	return c.sendSignal(protocol.KindRTCEnd, to, nil, nil)
}

func (c *Client) sendSignal(kind protocol.Kind, to string, sdp, candidate any) error {
	rec := protocol.Record{Type: kind, To: to}
	var err error
	if sdp != nil {
		if rec.SDP, err = rawJSON(sdp); err != nil {
			return fmt.Errorf("client: encode sdp: %w", err)
		}
	}
	if candidate != nil {
		if rec.Candidate, err = rawJSON(candidate); err != nil {
			return fmt.Errorf("client: encode candidate: %w", err)
		}
	}
	return c.Send(rec)
}

func rawJSON(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Username returns the name confirmed by the last LOGIN_OK.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// DisplayName returns the display name confirmed by the last LOGIN_OK.
func (c *Client) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Users returns the most recent presence list.
func (c *Client) Users() []model.Presence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Presence(nil), c.users...)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the receive loop stopped; nil for a clean close. Valid
// once Done is closed.
func (c *Client) Err() error {
	return c.err
}

// DecodeFile returns the contents carried by a FILE record.
func DecodeFile(f protocol.File) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("client: decode %s: %w", f.Filename, err)
	}
	return data, nil
}

// SaveFile decodes f into dir under its base name and returns the path.
// An existing file is not overwritten; a numeric suffix is added instead.
func SaveFile(dir string, f protocol.File) (string, error) {
	data, err := DecodeFile(f)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("client: create %s: %w", dir, err)
	}

	name := filepath.Base(filepath.Clean("/" + f.Filename))
	if name == "/" || name == "." {
		name = "download"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	path := filepath.Join(dir, name)
	for i := 1; ; i++ {
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec // confined to dir
		if errors.Is(err, os.ErrExist) {
			path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("client: save %s: %w", name, err)
		}
		if _, err := out.Write(data); err != nil {
			_ = out.Close()
			return "", fmt.Errorf("client: save %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return "", fmt.Errorf("client: save %s: %w", name, err)
		}
		return path, nil
	}
}
