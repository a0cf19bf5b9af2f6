// Package server implements the presence-aware relay: it accepts client
// connections, tracks who is online and which groups exist, and forwards
// direct, broadcast, group, file and WebRTC signaling records between them.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/NicolasHaas/presencerelay/pkg/netutil"
	"github.com/NicolasHaas/presencerelay/pkg/protocol"
)

// Config holds server configuration. Field tags match the YAML config file.
type Config struct {
	Host          string `yaml:"host"`           // bind host; empty = LAN-facing address
	Port          int    `yaml:"port"`           // TCP port (0 = any, for tests)
	WebSocketAddr string `yaml:"websocket_addr"` // HTTP bind address for /ws (empty = disabled)
	MetricsAddr   string `yaml:"metrics_addr"`   // HTTP bind address for /metrics (empty = disabled)

	TLS      bool   `yaml:"tls"`       // serve the TCP listener over TLS
	CertFile string `yaml:"cert_file"` // TLS certificate path (generated if missing)
	KeyFile  string `yaml:"key_file"`  // TLS private key path (generated if missing)
	DataDir  string `yaml:"data_dir"`  // directory for generated files

	GroupsFile string `yaml:"groups_file"` // YAML file defining groups to create on startup

	MaxRecordSize      int           `yaml:"max_record_size"`      // max buffered bytes of one incomplete record
	SendQueueSize      int           `yaml:"send_queue_size"`      // outbound records queued per connection
	WriteTimeout       time.Duration `yaml:"write_timeout"`        // per-record socket write deadline
	AcceptTimeout      time.Duration `yaml:"accept_timeout"`       // accept poll interval for shutdown checks
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"` // 0 disables periodic metrics logging
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:               protocol.DefaultPort,
		DataDir:            ".",
		MaxRecordSize:      protocol.MaxRecordSize,
		SendQueueSize:      256,
		WriteTimeout:       10 * time.Second,
		AcceptTimeout:      time.Second,
		MetricsLogInterval: time.Minute,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("config: port %d out of range", c.Port)
	case c.MaxRecordSize <= 0:
		return errors.New("config: max_record_size must be positive")
	case c.SendQueueSize <= 0:
		return errors.New("config: send_queue_size must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("config: write_timeout must be positive")
	case c.AcceptTimeout <= 0:
		return errors.New("config: accept_timeout must be positive")
	}
	return nil
}

// Addr returns the TCP bind address, resolving an empty host to the
// LAN-facing interface address.
func (c Config) Addr() string {
	host := c.Host
	if host == "" {
		host = netutil.LANAddress()
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Dependencies holds optional collaborators. Zero values are replaced with
// defaults.
type Dependencies struct {
	Logger   *slog.Logger
	Registry *Registry
}

// Server is the relay server. One Server owns one Registry; independent
// servers share nothing.
type Server struct {
	cfg      Config
	registry *Registry
	router   *Router
	metrics  *Metrics
	log      *slog.Logger

	mu      sync.Mutex
	conns   map[string]*Conn // every live connection, logged in or not
	closing bool
	wg      sync.WaitGroup
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := deps.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	metrics := NewMetrics()

	return &Server{
		cfg:      cfg,
		registry: reg,
		router:   NewRouter(reg, metrics, logger),
		metrics:  metrics,
		log:      logger,
		conns:    make(map[string]*Conn),
	}
}

// Registry returns the presence registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// track records a new connection and counts it in the shutdown wait group.
// It refuses once shutdown has begun.
func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.ID()] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.wg.Done()
}

// closeAll marks the server as closing and closes every live connection.
// Handlers run their own cleanup as their reads fail.
func (s *Server) closeAll() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
