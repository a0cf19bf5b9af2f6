package server

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/presencerelay/pkg/netutil"
	"github.com/NicolasHaas/presencerelay/pkg/protocol"
)

const readBufferSize = 32 * 1024

// wire is the transport under a Conn: a TCP or TLS socket, or a WebSocket
// adapted to a byte stream.
type wire interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Conn is one client connection. Outbound records go through a bounded
// queue drained by a single writer goroutine, so records to one destination
// are written whole and in order and senders never block on the socket.
type Conn struct {
	id           string
	wire         wire
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	metrics      *Metrics
	log          *slog.Logger
}

func newConn(w wire, cfg Config, metrics *Metrics, log *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		wire:         w,
		send:         make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		metrics:      metrics,
		log:          log.With("conn", id, "remote", w.RemoteAddr().String()),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Send queues an encoded record. It never blocks: a closed connection drops
// the record, and a full queue marks the destination as a slow consumer and
// closes it.
func (c *Conn) Send(record []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- record:
		return true
	case <-c.done:
		return false
	default:
		c.metrics.SlowConsumers.Add(1)
		c.log.Warn("send queue full, closing slow consumer", "queued", len(c.send))
		_ = c.Close()
		return false
	}
}

// Close shuts the connection down. Safe to call more than once and from
// any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.wire.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// writeLoop drains the send queue until the connection closes. A failed
// write closes the connection, which also ends the read loop.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case record := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.wire.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			n, err := c.wire.Write(record)
			c.metrics.BytesOut.Add(int64(n))
			if err != nil {
				if !netutil.IsClosedErr(err) {
					c.log.Warn("write failed", "err", err)
				}
				_ = c.Close()
				return
			}
		}
	}
}

// serveConn runs one connection to completion: it reads and frames the
// byte stream, dispatches each record, and on exit releases the session and
// broadcasts presence exactly once.
func (s *Server) serveConn(w wire) {
	c := newConn(w, s.cfg, s.metrics, s.log)
	if !s.track(c) {
		_ = c.Close()
		return
	}
	defer s.untrack(c)

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	c.log.Info("client connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()

	s.readLoop(c)

	// Release by connection so a LOGIN that panicked after registering cannot
	// leave its session behind.
	if left := s.registry.ReleasePeer(c); len(left) > 0 {
		c.log.Info("user left", "users", left)
		s.router.BroadcastPresence()
	}
	_ = c.Close()
	s.metrics.TotalDisconnects.Add(1)
	c.log.Info("client disconnected")
}

// readLoop handles records until EOF, a transport error, an oversize record
// or a handler panic.
func (s *Server) readLoop(c *Conn) {
	var sess *Session
	log := c.log
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panic", "panic", r)
		}
	}()

	framer := protocol.NewFramer(s.cfg.MaxRecordSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.wire.Read(buf)
		if n > 0 {
			s.metrics.BytesIn.Add(int64(n))
			frames, ferr := framer.Feed(buf[:n])
			for _, frame := range frames {
				next := s.handleFrame(c, log, sess, frame)
				if next != sess && next != nil {
					log = c.log.With("user", next.Username)
				}
				sess = next
			}
			if ferr != nil {
				log.Warn("closing connection", "err", ferr, "buffered", framer.Buffered())
				return
			}
		}
		if err != nil {
			if netutil.IsClosedErr(err) {
				log.Debug("connection closed", "err", err)
			} else {
				log.Warn("read failed", "err", err)
			}
			return
		}
	}
}

func (s *Server) handleFrame(c *Conn, log *slog.Logger, sess *Session, frame []byte) *Session {
	s.metrics.RecordsIn.Add(1)
	req, err := protocol.Decode(frame)
	if err != nil {
		s.metrics.MalformedRecords.Add(1)
		log.Warn("rejected record", "err", err, "bytes", len(frame))
		s.router.fail(c, "%v", err)
		return sess
	}
	return s.router.Dispatch(c, sess, req)
}
