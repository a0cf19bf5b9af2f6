package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePeer records every record queued to it.
type fakePeer struct {
	id string

	mu      sync.Mutex
	records [][]byte
	closed  bool
	full    bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(record []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.full {
		return false
	}
	p.records = append(p.records, append([]byte(nil), record...))
	return true
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// received decodes and clears everything queued so far.
func (p *fakePeer) received(t *testing.T) []map[string]any {
	t.Helper()
	p.mu.Lock()
	records := p.records
	p.records = nil
	p.mu.Unlock()

	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		var m map[string]any
		require.NoError(t, json.Unmarshal(r, &m), "record %s", r)
		out = append(out, m)
	}
	return out
}

// only asserts exactly one record was queued and returns it.
func (p *fakePeer) only(t *testing.T) map[string]any {
	t.Helper()
	got := p.received(t)
	require.Len(t, got, 1, "peer %s records: %v", p.id, got)
	return got[0]
}

// gatedPeer blocks inside its first Send until release is closed.
type gatedPeer struct {
	*fakePeer
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedPeer(id string) *gatedPeer {
	return &gatedPeer{
		fakePeer: newFakePeer(id),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (p *gatedPeer) Send(record []byte) bool {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.fakePeer.Send(record)
}

func kinds(records []map[string]any) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		s, _ := r["type"].(string)
		out = append(out, s)
	}
	return out
}

// usernames lists the "username" of every USERS entry in a record.
func usernames(t *testing.T, rec map[string]any) []string {
	t.Helper()
	require.Equal(t, "USERS", rec["type"])
	users, ok := rec["users"].([]any)
	require.True(t, ok, "users must be an array: %v", rec)
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.(map[string]any)["username"].(string))
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
