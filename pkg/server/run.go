package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/presencerelay/pkg/netutil"
)

// deadliner is implemented by listeners whose Accept can time out.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// tlsListener keeps the accept deadline of the TCP listener under a TLS
// wrapper.
type tlsListener struct {
	net.Listener
	tcp *net.TCPListener
}

func (l *tlsListener) SetDeadline(t time.Time) error { return l.tcp.SetDeadline(t) }

// Listen binds the TCP listener, wrapped in TLS when configured.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	if !s.cfg.TLS {
		return ln, nil
	}

	tcfg, err := tlsConfig(s.cfg, s.log)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("server: tls: %w", err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		return tls.NewListener(ln, tcfg), nil
	}
	return &tlsListener{Listener: tls.NewListener(tcp, tcfg), tcp: tcp}, nil
}

// Run loads configured groups, binds every listener and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	if s.cfg.GroupsFile != "" {
		if err := LoadGroupsFromYAML(s.cfg.GroupsFile, s.registry, s.log); err != nil {
			s.log.Error("failed to load groups config", "err", err)
		}
	}

	ln, err := s.Listen()
	if err != nil {
		return err
	}

	if s.cfg.WebSocketAddr != "" {
		if err := s.startWebSocket(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.StartMetricsHTTP(ctx)
	s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsLogInterval, ctx.Done())

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed,
// then closes every live connection and the listener and waits for all
// handlers to finish. The accept loop wakes every AcceptTimeout to observe
// ctx. Other accept errors are logged and retried with a capped backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("relay listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS)

	dl, ok := ln.(deadliner)
	if !ok {
		stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
		defer stop()
	}

	var (
		serveErr error
		backoff  time.Duration
	)
	for ctx.Err() == nil {
		if dl != nil {
			_ = dl.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			if netutil.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("server: accept: %w", err)
				break
			}

			// Transient failure such as EMFILE: keep serving existing
			// connections and retry.
			backoff = nextAcceptBackoff(backoff)
			s.log.Error("accept error", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		go s.serveConn(conn)
	}

	s.log.Info("shutting down", "connections", s.metrics.ActiveConnections.Load())
	s.closeAll()
	_ = ln.Close()
	s.wg.Wait()
	s.log.Info("relay stopped")
	return serveErr
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: readBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketHandler upgrades requests to WebSocket connections carrying the
// same record stream as the TCP listener.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		s.serveConn(netutil.NewWebSocketConn(ws))
	})
}

func (s *Server) startWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.WebSocketHandler())

	ln, err := net.Listen("tcp", s.cfg.WebSocketAddr)
	if err != nil {
		return fmt.Errorf("server: listen websocket: %w", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.log.Info("websocket listening", "addr", ln.Addr().String(), "path", "/ws")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket HTTP error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return nil
}
