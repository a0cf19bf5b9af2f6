package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted (TCP and WebSocket)
	ActiveConnections atomic.Int64 // current open connections
	TotalDisconnects  atomic.Int64 // connections closed for any reason
	Logins            atomic.Int64 // successful LOGIN records
	Evictions         atomic.Int64 // sessions replaced by a LOGIN from another connection

	// Record counters
	RecordsIn        atomic.Int64 // frames read from clients
	MalformedRecords atomic.Int64 // frames that failed to decode
	RoutingErrors    atomic.Int64 // ERROR replies sent
	BytesIn          atomic.Int64
	BytesOut         atomic.Int64

	// Relay counters
	MessagesRelayed      atomic.Int64 // MESSAGE deliveries
	BroadcastsRelayed    atomic.Int64 // BROADCAST deliveries (one per recipient)
	FilesRelayed         atomic.Int64 // FILE deliveries
	GroupMessagesRelayed atomic.Int64 // GROUP_MESSAGE deliveries (one per recipient)
	SignalsRelayed       atomic.Int64 // RTC_* deliveries
	PresenceBroadcasts   atomic.Int64 // presence fan-outs

	// Group counters
	GroupsCreated atomic.Int64
	GroupJoins    atomic.Int64

	// Backpressure
	DroppedSends  atomic.Int64 // records not queued because the destination was closed or full
	SlowConsumers atomic.Int64 // connections closed for a full send queue
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	Logins            int64 `json:"logins"`
	Evictions         int64 `json:"evictions"`

	RecordsIn        int64 `json:"records_in"`
	MalformedRecords int64 `json:"malformed_records"`
	RoutingErrors    int64 `json:"routing_errors"`
	BytesIn          int64 `json:"bytes_in"`
	BytesOut         int64 `json:"bytes_out"`

	MessagesRelayed      int64 `json:"messages_relayed"`
	BroadcastsRelayed    int64 `json:"broadcasts_relayed"`
	FilesRelayed         int64 `json:"files_relayed"`
	GroupMessagesRelayed int64 `json:"group_messages_relayed"`
	SignalsRelayed       int64 `json:"signals_relayed"`
	PresenceBroadcasts   int64 `json:"presence_broadcasts"`

	GroupsCreated int64 `json:"groups_created"`
	GroupJoins    int64 `json:"group_joins"`

	DroppedSends  int64 `json:"dropped_sends"`
	SlowConsumers int64 `json:"slow_consumers"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:               uptime.Truncate(time.Second).String(),
		UptimeSeconds:        int64(uptime.Seconds()),
		ActiveConnections:    m.ActiveConnections.Load(),
		TotalConnections:     m.TotalConnections.Load(),
		TotalDisconnects:     m.TotalDisconnects.Load(),
		Logins:               m.Logins.Load(),
		Evictions:            m.Evictions.Load(),
		RecordsIn:            m.RecordsIn.Load(),
		MalformedRecords:     m.MalformedRecords.Load(),
		RoutingErrors:        m.RoutingErrors.Load(),
		BytesIn:              m.BytesIn.Load(),
		BytesOut:             m.BytesOut.Load(),
		MessagesRelayed:      m.MessagesRelayed.Load(),
		BroadcastsRelayed:    m.BroadcastsRelayed.Load(),
		FilesRelayed:         m.FilesRelayed.Load(),
		GroupMessagesRelayed: m.GroupMessagesRelayed.Load(),
		SignalsRelayed:       m.SignalsRelayed.Load(),
		PresenceBroadcasts:   m.PresenceBroadcasts.Load(),
		GroupsCreated:        m.GroupsCreated.Load(),
		GroupJoins:           m.GroupJoins.Load(),
		DroppedSends:         m.DroppedSends.Load(),
		SlowConsumers:        m.SlowConsumers.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary(log *slog.Logger) {
	s := m.Snapshot()
	log.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"records_in", s.RecordsIn,
		"malformed", s.MalformedRecords,
		"messages", s.MessagesRelayed+s.BroadcastsRelayed+s.GroupMessagesRelayed,
		"files", s.FilesRelayed,
		"signals", s.SignalsRelayed,
		"dropped", s.DroppedSends,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(log *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(log)
			}
		}
	}()
}
