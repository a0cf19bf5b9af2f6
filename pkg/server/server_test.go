package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.AcceptTimeout = 50 * time.Millisecond
	cfg.MetricsLogInterval = 0
	for _, m := range mutate {
		m(&cfg)
	}

	srv := New(cfg, Dependencies{Logger: discardLogger()})
	ln, err := srv.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

type testClient struct {
	conn net.Conn
	dec  *json.Decoder
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, dec: json.NewDecoder(conn)}
}

func (c *testClient) send(t *testing.T, raw string) {
	t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(t, err)
}

func (c *testClient) next(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m map[string]any
	require.NoError(t, c.dec.Decode(&m))
	return m
}

// nextOf skips records of other types, typically presence updates.
func (c *testClient) nextOf(t *testing.T, kind string) map[string]any {
	t.Helper()
	for {
		m := c.next(t)
		if m["type"] == kind {
			return m
		}
	}
}

// waitUsers reads presence updates until one lists exactly want.
func (c *testClient) waitUsers(t *testing.T, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	for {
		got := usernames(t, c.nextOf(t, "USERS"))
		if assert.ObjectsAreEqual(want, got) {
			return
		}
	}
}

func (c *testClient) login(t *testing.T, username, display string) {
	t.Helper()
	c.send(t, `{"type":"LOGIN","username":"`+username+`","display_name":"`+display+`"}`)
	ok := c.nextOf(t, "LOGIN_OK")
	require.Equal(t, username, ok["username"])
}

// expectQuiet asserts that nothing arrives within d.
func (c *testClient) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(d)))
	var m map[string]any
	err := c.dec.Decode(&m)
	require.Error(t, err, "unexpected record %v", m)
	var ne net.Error
	assert.True(t, errors.As(err, &ne) && ne.Timeout(), "read failed: %v", err)
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 4096)
	for {
		_, err := c.conn.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection still open: %v", err)
		}
		return
	}
}

func TestServerRelaysAcrossConnections(t *testing.T) {
	ts := startServer(t)
	alice, bob := dial(t, ts.addr), dial(t, ts.addr)
	alice.login(t, "alice", "Alice")
	bob.login(t, "bob", "Bob")

	// A record split across writes, then two records in one write.
	alice.send(t, `{"type":"MESSAGE","to":"bo`)
	time.Sleep(20 * time.Millisecond)
	alice.send(t, `b","message":"hi"}`)
	alice.send(t, `{"type":"MESSAGE","to":"bob","message":"one"}{"type":"BROADCAST","message":"two"}`)

	got := bob.nextOf(t, "MESSAGE")
	assert.Equal(t, "hi", got["message"])
	assert.Equal(t, "Alice", got["from"])
	assert.Equal(t, "one", bob.nextOf(t, "MESSAGE")["message"])
	assert.Equal(t, "two", bob.nextOf(t, "BROADCAST")["message"])

	bob.send(t, `{"type":"GET_USERS"}`)
	users := bob.nextOf(t, "USERS")
	assert.Equal(t, []string{"alice"}, usernames(t, users))
}

func TestServerGroupsAndSignaling(t *testing.T) {
	ts := startServer(t)
	alice, bob := dial(t, ts.addr), dial(t, ts.addr)
	alice.login(t, "alice", "Alice")
	bob.login(t, "bob", "Bob")

	alice.send(t, `{"type":"CREATE_GROUP","group_name":"dev","members":["bob"]}`)
	bob.waitUsers(t, "alice", "dev")

	alice.send(t, `{"type":"GROUP_MESSAGE","group_name":"dev","message":"standup"}`)
	gm := bob.nextOf(t, "GROUP_MESSAGE")
	assert.Equal(t, "dev", gm["group_name"])
	assert.Equal(t, "alice", gm["from_username"])

	alice.send(t, `{"type":"RTC_OFFER","to":"bob","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`)
	offer := bob.nextOf(t, "RTC_OFFER")
	assert.Equal(t, "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n", offer["sdp"])
	assert.Equal(t, "alice", offer["from"])
}

func TestServerRejectsMalformedAndKeepsConnection(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)

	c.send(t, `garbage{"type":"GET_USERS"}`)
	assert.Equal(t, "ERROR", c.next(t)["type"])
	notLoggedIn := c.next(t)
	assert.Equal(t, "ERROR", notLoggedIn["type"])
	assert.Equal(t, "not logged in", notLoggedIn["message"])

	c.send(t, `{"type":"SHOUT"}{"username":"x"}{"type":"MESSAGE"}`)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "ERROR", c.next(t)["type"])
	}

	c.login(t, "alice", "Alice")
	assert.EqualValues(t, 4, ts.Metrics().MalformedRecords.Load())
}

func TestServerDisconnectReleasesUser(t *testing.T) {
	ts := startServer(t)
	alice, bob := dial(t, ts.addr), dial(t, ts.addr)
	alice.login(t, "alice", "Alice")
	bob.login(t, "bob", "Bob")
	alice.waitUsers(t, "bob")

	require.NoError(t, bob.conn.Close())

	alice.waitUsers(t)
	require.Eventually(t, func() bool { return ts.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerDisconnectSendsOnePresenceToEachSurvivor(t *testing.T) {
	ts := startServer(t)
	alice, bob, carol := dial(t, ts.addr), dial(t, ts.addr), dial(t, ts.addr)
	alice.login(t, "alice", "Alice")
	bob.login(t, "bob", "Bob")
	alice.waitUsers(t, "bob")
	bob.waitUsers(t, "alice")
	carol.login(t, "carol", "Carol")
	alice.waitUsers(t, "bob", "carol")
	bob.waitUsers(t, "alice", "carol")
	carol.waitUsers(t, "alice", "bob")

	require.NoError(t, bob.conn.Close())

	assert.Equal(t, []string{"carol"}, usernames(t, alice.next(t)))
	assert.Equal(t, []string{"alice"}, usernames(t, carol.next(t)))
	alice.expectQuiet(t, 300*time.Millisecond)
	carol.expectQuiet(t, 300*time.Millisecond)
}

func TestServerDuplicateLoginEvicts(t *testing.T) {
	ts := startServer(t)
	first, second := dial(t, ts.addr), dial(t, ts.addr)
	first.login(t, "alice", "Alice")
	second.login(t, "alice", "Alice")

	first.expectClosed(t)

	// Cleanup of the evicted connection leaves the new session registered.
	time.Sleep(50 * time.Millisecond)
	sess, ok := ts.Registry().Lookup("alice")
	require.True(t, ok)
	assert.NotNil(t, sess)
	assert.Equal(t, 1, ts.Registry().Count())
}

func TestServerClosesOnOversizeRecord(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.MaxRecordSize = 1024 })
	c := dial(t, ts.addr)
	c.login(t, "alice", "Alice")

	c.send(t, `{"type":"BROADCAST","message":"`+strings.Repeat("x", 4096))
	c.expectClosed(t)
	require.Eventually(t, func() bool { return ts.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)
	c.login(t, "alice", "Alice")

	ts.cancel()
	c.expectClosed(t)

	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_, err := net.DialTimeout("tcp", ts.addr, time.Second)
	assert.Error(t, err, "listener closed")
}

func TestServerWebSocketTransport(t *testing.T) {
	ts := startServer(t)
	hs := httptest.NewServer(ts.WebSocketHandler())
	t.Cleanup(hs.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	tcp := dial(t, ts.addr)
	tcp.login(t, "bob", "Bob")

	// Two records in one WebSocket message, as a byte stream would allow.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"LOGIN","username":"alice"}{"type":"MESSAGE","to":"bob","message":"from ws"}`)))

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var ok map[string]any
	require.NoError(t, json.Unmarshal(data, &ok))
	assert.Equal(t, "LOGIN_OK", ok["type"])

	assert.Equal(t, "from ws", tcp.nextOf(t, "MESSAGE")["message"])

	tcp.send(t, `{"type":"MESSAGE","to":"alice","message":"from tcp"}`)
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == "MESSAGE" {
			assert.Equal(t, "from tcp", m["message"])
			break
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)
	c.login(t, "alice", "Alice")
	require.NoError(t, ts.Registry().CreateGroup("dev", []string{"alice"}))

	h := ts.MetricsHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_logins_total 1\n")
	assert.Contains(t, rec.Body.String(), "relay_users_online 1\n")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence", nil))
	var doc presenceDoc
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	require.Len(t, doc.Users, 1)
	assert.Equal(t, "alice", doc.Users[0].Username)
	assert.NotEmpty(t, doc.Users[0].Conn)
	assert.Equal(t, []string{"alice"}, doc.Groups["dev"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups.yaml", nil))
	assert.Contains(t, rec.Body.String(), "name: dev")
}

func TestConnSendQueueFullClosesSlowConsumer(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.SendQueueSize = 1
	metrics := NewMetrics()
	c := newConn(server, cfg, metrics, discardLogger())

	// No writer goroutine: the queue fills after one record.
	assert.True(t, c.Send([]byte(`{"type":"INFO","message":"a"}`)))
	assert.False(t, c.Send([]byte(`{"type":"INFO","message":"b"}`)))
	assert.EqualValues(t, 1, metrics.SlowConsumers.Load())

	select {
	case <-c.Done():
	default:
		t.Fatal("slow consumer not closed")
	}
	assert.False(t, c.Send([]byte(`{}`)))

	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// flakyListener fails the first Accept calls with EMFILE.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	return l.Listener.Accept()
}

func TestServeSurvivesTransientAcceptErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.AcceptTimeout = 50 * time.Millisecond
	cfg.MetricsLogInterval = 0
	srv := New(cfg, Dependencies{Logger: discardLogger()})

	inner, err := srv.Listen()
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	alice, bob := dial(t, inner.Addr().String()), dial(t, inner.Addr().String())
	alice.login(t, "alice", "Alice")
	bob.login(t, "bob", "Bob")
	alice.waitUsers(t, "bob")

	select {
	case err := <-done:
		t.Fatalf("Serve stopped after accept errors: %v", err)
	default:
	}
	assert.Less(t, ln.failures.Load(), int32(0), "accept errors were not hit")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNextAcceptBackoff(t *testing.T) {
	var got []time.Duration
	var d time.Duration
	for i := 0; i < 10; i++ {
		d = nextAcceptBackoff(d)
		got = append(got, d)
	}
	assert.Equal(t, 5*time.Millisecond, got[0])
	assert.Equal(t, 10*time.Millisecond, got[1])
	assert.Equal(t, 640*time.Millisecond, got[7])
	assert.Equal(t, time.Second, got[8])
	assert.Equal(t, time.Second, got[9])
}

// panicHandler panics when a record with message msg is logged.
type panicHandler struct {
	slog.Handler
	msg string
}

func (h panicHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.msg {
		panic("log handler failed on " + h.msg)
	}
	return h.Handler.Handle(ctx, r)
}

func (h panicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return panicHandler{Handler: h.Handler.WithAttrs(attrs), msg: h.msg}
}

func (h panicHandler) WithGroup(name string) slog.Handler {
	return panicHandler{Handler: h.Handler.WithGroup(name), msg: h.msg}
}

func TestServerReleasesSessionAfterLoginPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsLogInterval = 0
	logger := slog.New(panicHandler{Handler: slog.NewTextHandler(io.Discard, nil), msg: "user logged in"})
	srv := New(cfg, Dependencies{Logger: logger})

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serveConn(server)
	}()

	// The router registers alice, then panics before replying.
	_, err := client.Write([]byte(`{"type":"LOGIN","username":"alice"}`))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection handler did not finish")
	}
	assert.Equal(t, 0, srv.Registry().Count())
	_, ok := srv.Registry().Lookup("alice")
	assert.False(t, ok)
}
