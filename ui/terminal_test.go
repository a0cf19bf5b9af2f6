package ui

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/presencerelay/pkg/model"
	"github.com/NicolasHaas/presencerelay/pkg/protocol"
)

func init() {
	color.NoColor = true
}

// fakeSender records every request as a short string.
type fakeSender struct {
	mu    sync.Mutex
	calls []string
	users []model.Presence
	err   error
}

func (f *fakeSender) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeSender) RequestUsers() error                { return f.record("users") }
func (f *fakeSender) SendMessage(to, text string) error  { return f.record("msg %s %s", to, text) }
func (f *fakeSender) Broadcast(text string) error        { return f.record("all %s", text) }
func (f *fakeSender) SendFile(to, path string) error     { return f.record("file %s %s", to, path) }
func (f *fakeSender) JoinGroup(name string) error        { return f.record("join %s", name) }
func (f *fakeSender) SendRTCEnd(to string) error         { return f.record("end %s", to) }
func (f *fakeSender) Users() []model.Presence            { return f.users }
func (f *fakeSender) SendGroupMessage(g, t string) error { return f.record("say %s %s", g, t) }
func (f *fakeSender) CreateGroup(name string, members ...string) error {
	return f.record("create %s %s", name, strings.Join(members, ","))
}

func (f *fakeSender) taken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func newTestTerminal(t *testing.T) (*Terminal, *fakeSender, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	sender := &fakeSender{}
	term := New(out, sender, t.TempDir())
	term.now = func() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }
	return term, sender, out
}

func TestExecuteCommands(t *testing.T) {
	term, sender, _ := newTestTerminal(t)

	lines := []string{
		"hello everyone",
		"/msg bob  hi there",
		"still to bob",
		"/all back to all",
		"plain",
		"/group create dev bob carol",
		"/group join #ops",
		"/group say dev standup in 5",
		"later",
		"/file bob /tmp/notes.txt",
		"/hangup bob",
		"   ",
	}
	for _, line := range lines {
		require.NoError(t, term.Execute(line), line)
	}

	assert.Equal(t, []string{
		"all hello everyone",
		"msg bob hi there",
		"msg bob still to bob",
		"all back to all",
		"all plain",
		"create dev bob,carol",
		"join ops",
		"say dev standup in 5",
		"say dev later",
		"file bob /tmp/notes.txt",
		"end bob",
	}, sender.taken())
}

func TestExecuteUsage(t *testing.T) {
	term, sender, _ := newTestTerminal(t)

	for _, line := range []string{
		"/msg bob",
		"/all",
		"/file bob",
		"/group create",
		"/group join",
		"/group say dev",
		"/group leave dev",
		"/hangup",
		"/dance",
	} {
		assert.Error(t, term.Execute(line), line)
	}
	assert.Empty(t, sender.taken())

	assert.ErrorIs(t, term.Execute("/quit"), ErrQuit)
}

func TestExecuteUsersPrintsCachedList(t *testing.T) {
	term, sender, out := newTestTerminal(t)
	sender.users = []model.Presence{
		{Username: "bob", DisplayName: "Bob"},
		{Username: "carol", DisplayName: "carol"},
		model.GroupPresence("dev"),
	}

	require.NoError(t, term.Execute("/users"))
	assert.Equal(t, []string{"users"}, sender.taken())
	assert.Equal(t, "15:04:05 online: Bob (bob), carol, #dev\n", out.String())
}

func TestHandlerRendersEvents(t *testing.T) {
	term, _, out := newTestTerminal(t)
	h := term.Handler()

	h.OnLogin("alice", "Alice")
	h.OnUsers(nil)
	h.OnMessage(protocol.Chat{From: "Bob", Message: "hi"})
	h.OnBroadcast(protocol.Chat{From: "Bob", Message: "all"})
	h.OnGroupMessage(protocol.GroupChat{GroupName: "dev", From: "Bob", Message: "standup"})
	h.OnRTCOffer(protocol.SignalEvent{From: "bob", DisplayName: "Bob"})
	h.OnRTCIce(protocol.SignalEvent{From: "bob"})
	h.OnRTCEnd(protocol.SignalEvent{From: "bob"})
	h.OnError("User ghost not online")
	h.OnInfo("Already a member of dev")

	got := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"15:04:05 logged in as Alice (alice)",
		"15:04:05 online: nobody else",
		"15:04:05 [dm] Bob: hi",
		"15:04:05 [all] Bob: all",
		"15:04:05 [#dev] Bob: standup",
		"15:04:05 [call] Bob is calling; voice is not supported here, /hangup bob to decline",
		"15:04:05 [call] bob hung up",
		"15:04:05 error: User ghost not online",
		"15:04:05 info: Already a member of dev",
	}, got)
}

func TestHandlerSavesFiles(t *testing.T) {
	term, _, out := newTestTerminal(t)
	h := term.Handler()

	h.OnFile(protocol.File{From: "Bob", Filename: "notes.txt", Data: "aGVsbG8="})
	data, err := os.ReadFile(filepath.Join(term.downloadDir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Contains(t, out.String(), "saved to")

	h.OnFile(protocol.File{From: "Bob", Filename: "bad.bin", Data: "!!"})
	assert.Contains(t, out.String(), "could not be saved")
}

func TestRunStopsOnQuit(t *testing.T) {
	term, sender, _ := newTestTerminal(t)
	in := strings.NewReader("hi\n/quit\nnever\n")

	require.NoError(t, term.Run(context.Background(), in, nil))
	assert.Equal(t, []string{"all hi"}, sender.taken())
}

func TestRunReportsCommandErrors(t *testing.T) {
	term, _, out := newTestTerminal(t)

	require.NoError(t, term.Run(context.Background(), strings.NewReader("/dance\n"), nil))
	assert.Contains(t, out.String(), "unknown command /dance")
}

func TestRunStopsWhenConnectionLost(t *testing.T) {
	term, _, _ := newTestTerminal(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan struct{})
	close(done)
	err := term.Run(context.Background(), pr, done)
	assert.EqualError(t, err, "connection to relay lost")
}

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "relay.lan", want: "relay.lan:4105"},
		{in: "relay.lan:5000", want: "relay.lan:5000"},
		{in: " 10.0.0.2 ", want: "10.0.0.2:4105"},
		{in: "::1", want: "[::1]:4105"},
		{in: "[::1]:9000", want: "[::1]:9000"},
		{in: "ws://relay:8080/ws", want: "ws://relay:8080/ws"},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeAddr(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
