package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format, plus /healthz, /presence and
// /groups.yaml. It runs in the background and shuts down when ctx is
// cancelled. Disabled when Config.MetricsAddr is empty.
func (s *Server) StartMetricsHTTP(ctx context.Context) {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.log.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

// MetricsHandler returns the mux served on Config.MetricsAddr.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/groups.yaml", s.handleGroupsExport)
	return mux
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP relay_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE relay_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "relay_uptime_seconds %f\n", uptime)

	write("relay_connections_active", "Current open connections.", "gauge",
		m.ActiveConnections.Load())
	write("relay_users_online", "Usernames currently registered.", "gauge",
		int64(s.registry.Count()))
	write("relay_groups", "Groups known to the server.", "gauge",
		int64(s.registry.GroupCount()))
	write("relay_connections_total", "Lifetime connections accepted.", "counter",
		m.TotalConnections.Load())
	write("relay_disconnects_total", "Connections closed.", "counter",
		m.TotalDisconnects.Load())
	write("relay_logins_total", "Successful logins.", "counter",
		m.Logins.Load())
	write("relay_evictions_total", "Sessions replaced by a newer login.", "counter",
		m.Evictions.Load())

	write("relay_records_in_total", "Records read from clients.", "counter",
		m.RecordsIn.Load())
	write("relay_records_malformed_total", "Records that failed to decode.", "counter",
		m.MalformedRecords.Load())
	write("relay_routing_errors_total", "ERROR replies sent to clients.", "counter",
		m.RoutingErrors.Load())
	write("relay_bytes_in_total", "Bytes read from clients.", "counter",
		m.BytesIn.Load())
	write("relay_bytes_out_total", "Bytes written to clients.", "counter",
		m.BytesOut.Load())

	write("relay_messages_total", "Direct messages delivered.", "counter",
		m.MessagesRelayed.Load())
	write("relay_broadcasts_total", "Broadcast deliveries.", "counter",
		m.BroadcastsRelayed.Load())
	write("relay_files_total", "Files delivered.", "counter",
		m.FilesRelayed.Load())
	write("relay_group_messages_total", "Group message deliveries.", "counter",
		m.GroupMessagesRelayed.Load())
	write("relay_signals_total", "WebRTC signaling records delivered.", "counter",
		m.SignalsRelayed.Load())
	write("relay_presence_broadcasts_total", "Presence fan-outs.", "counter",
		m.PresenceBroadcasts.Load())

	write("relay_groups_created_total", "Groups created.", "counter",
		m.GroupsCreated.Load())
	write("relay_group_joins_total", "Group joins.", "counter",
		m.GroupJoins.Load())

	write("relay_sends_dropped_total", "Outbound records dropped.", "counter",
		m.DroppedSends.Load())
	write("relay_slow_consumers_total", "Connections closed for a full send queue.", "counter",
		m.SlowConsumers.Load())
}

type presenceDoc struct {
	Users  []presenceUser      `json:"users"`
	Groups map[string][]string `json:"groups"`
}

type presenceUser struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Conn        string `json:"conn"`
}

// handlePresence dumps the registry as JSON for operators.
func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	doc := presenceDoc{Groups: s.registry.Groups()}
	for _, u := range s.registry.SnapshotUsers("") {
		entry := presenceUser{Username: u.Username, DisplayName: u.DisplayName}
		if sess, ok := s.registry.Lookup(u.Username); ok {
			entry.Conn = sess.Peer.ID()
		}
		doc.Users = append(doc.Users, entry)
	}
	if doc.Users == nil {
		doc.Users = []presenceUser{}
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
}

func (s *Server) handleGroupsExport(w http.ResponseWriter, _ *http.Request) {
	data, err := ExportGroupsYAML(s.registry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}
