// Package ui renders relay events in a terminal and turns slash commands
// typed by the user into client requests.
package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/NicolasHaas/presencerelay/pkg/client"
	"github.com/NicolasHaas/presencerelay/pkg/model"
	"github.com/NicolasHaas/presencerelay/pkg/protocol"
)

// Sender is the part of *client.Client the terminal drives.
type Sender interface {
	RequestUsers() error
	SendMessage(to, text string) error
	Broadcast(text string) error
	SendFile(to, path string) error
	CreateGroup(name string, members ...string) error
	JoinGroup(name string) error
	SendGroupMessage(group, text string) error
	SendRTCEnd(to string) error
	Users() []model.Presence
}

// ErrQuit is returned by Execute for /quit.
var ErrQuit = errors.New("quit")

const helpText = `commands:
  /users                         list who is online
  /msg <user> <text>             direct message (plain lines then go to <user>)
  /all <text>                    broadcast to everyone (plain lines then broadcast)
  /file <user> <path>            send a file
  /group create <name> [users]   create a group with you and the listed users
  /group join <name>             join a group
  /group say <name> <text>       message a group (plain lines then go to it)
  /hangup <user>                 end or decline a call
  /help                          show this help
  /quit                          disconnect`

// Terminal renders events and executes commands. Output from the receive
// goroutine and the input loop is serialized.
type Terminal struct {
	mu          sync.Mutex
	out         io.Writer
	sender      Sender
	downloadDir string
	now         func() time.Time

	target      string // last /msg recipient or "#group"; empty = broadcast
	targetGroup bool

	stamp, self, direct, group, notice, fail *color.Color
}

// New creates a terminal writing to out. Received files are saved under
// downloadDir.
func New(out io.Writer, sender Sender, downloadDir string) *Terminal {
	return &Terminal{
		out:         out,
		sender:      sender,
		downloadDir: downloadDir,
		now:         time.Now,
		stamp:       color.New(color.FgHiBlack),
		self:        color.New(color.Bold),
		direct:      color.New(color.FgHiCyan),
		group:       color.New(color.FgHiMagenta),
		notice:      color.New(color.FgYellow),
		fail:        color.New(color.FgHiRed, color.Bold),
	}
}

// Handler returns client callbacks that render each inbound event.
func (t *Terminal) Handler() client.Handler {
	return client.Handler{
		OnLogin: func(username, displayName string) {
			t.printf(t.self, "logged in as %s (%s)", displayName, username)
		},
		OnUsers: func(users []model.Presence) {
			t.printf(t.notice, "online: %s", formatUsers(users))
		},
		OnMessage: func(m protocol.Chat) {
			t.printf(t.direct, "[dm] %s: %s", m.From, m.Message)
		},
		OnBroadcast: func(m protocol.Chat) {
			t.printf(nil, "[all] %s: %s", m.From, m.Message)
		},
		OnGroupMessage: func(m protocol.GroupChat) {
			t.printf(t.group, "[%s%s] %s: %s", model.GroupPrefix, m.GroupName, m.From, m.Message)
		},
		OnFile: t.saveFile,
		OnRTCOffer: func(s protocol.SignalEvent) {
			t.printf(t.notice, "[call] %s is calling; voice is not supported here, /hangup %s to decline",
				nameOf(s), s.From)
		},
		OnRTCAnswer: func(s protocol.SignalEvent) {
			t.printf(t.notice, "[call] %s answered", nameOf(s))
		},
		OnRTCIce: func(protocol.SignalEvent) {},
		OnRTCEnd: func(s protocol.SignalEvent) {
			t.printf(t.notice, "[call] %s hung up", s.From)
		},
		OnError: func(msg string) {
			t.printf(t.fail, "error: %s", msg)
		},
		OnInfo: func(msg string) {
			t.printf(t.notice, "info: %s", msg)
		},
	}
}

func (t *Terminal) saveFile(f protocol.File) {
	path, err := client.SaveFile(t.downloadDir, f)
	if err != nil {
		t.printf(t.fail, "[file] %s sent %s but it could not be saved: %v", f.From, f.Filename, err)
		return
	}
	t.printf(t.direct, "[file] %s sent %s, saved to %s", f.From, f.Filename, path)
}

// Run reads commands from in until /quit, EOF, ctx cancellation, or done
// being closed (connection lost).
func (t *Terminal) Run(ctx context.Context, in io.Reader, done <-chan struct{}) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	t.printf(t.notice, "type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return errors.New("connection to relay lost")
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := t.Execute(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				t.printf(t.fail, "%v", err)
			}
		}
	}
}

// Execute runs one input line. Lines without a leading slash go to the
// current target.
func (t *Terminal) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return t.say(line)
	}

	cmd, rest := cutWord(line[1:])
	switch cmd {
	case "quit", "q", "exit":
		return ErrQuit
	case "help", "h", "?":
		t.printf(nil, "%s", helpText)
		return nil
	case "users", "who":
		t.printf(t.notice, "online: %s", formatUsers(t.sender.Users()))
		return t.sender.RequestUsers()
	case "msg", "m":
		to, text := cutWord(rest)
		if to == "" || text == "" {
			return errors.New("usage: /msg <user> <text>")
		}
		t.setTarget(to, false)
		return t.sender.SendMessage(to, text)
	case "all":
		if rest == "" {
			return errors.New("usage: /all <text>")
		}
		t.setTarget("", false)
		return t.sender.Broadcast(rest)
	case "file":
		to, path := cutWord(rest)
		if to == "" || path == "" {
			return errors.New("usage: /file <user> <path>")
		}
		if err := t.sender.SendFile(to, path); err != nil {
			return err
		}
		t.printf(t.stamp, "sent %s to %s", path, to)
		return nil
	case "group", "g":
		return t.groupCommand(rest)
	case "hangup":
		if rest == "" {
			return errors.New("usage: /hangup <user>")
		}
		return t.sender.SendRTCEnd(rest)
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}

func (t *Terminal) groupCommand(args string) error {
	sub, rest := cutWord(args)
	switch sub {
	case "create":
		name, members := cutWord(rest)
		if name == "" {
			return errors.New("usage: /group create <name> [users...]")
		}
		return t.sender.CreateGroup(strings.TrimPrefix(name, model.GroupPrefix), strings.Fields(members)...)
	case "join":
		if rest == "" {
			return errors.New("usage: /group join <name>")
		}
		return t.sender.JoinGroup(strings.TrimPrefix(rest, model.GroupPrefix))
	case "say":
		name, text := cutWord(rest)
		if name == "" || text == "" {
			return errors.New("usage: /group say <name> <text>")
		}
		name = strings.TrimPrefix(name, model.GroupPrefix)
		t.setTarget(name, true)
		return t.sender.SendGroupMessage(name, text)
	default:
		return errors.New("usage: /group create|join|say ...")
	}
}

func (t *Terminal) say(text string) error {
	t.mu.Lock()
	target, isGroup := t.target, t.targetGroup
	t.mu.Unlock()

	switch {
	case target == "":
		return t.sender.Broadcast(text)
	case isGroup:
		return t.sender.SendGroupMessage(target, text)
	default:
		return t.sender.SendMessage(target, text)
	}
}

func (t *Terminal) setTarget(target string, isGroup bool) {
	t.mu.Lock()
	t.target, t.targetGroup = target, isGroup
	t.mu.Unlock()
}

func (t *Terminal) printf(c *color.Color, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.stamp.Fprint(t.out, t.now().Format("15:04:05")+" ")
	if c == nil {
		_, _ = fmt.Fprintf(t.out, format, args...)
	} else {
		_, _ = c.Fprintf(t.out, format, args...)
	}
	_, _ = fmt.Fprintln(t.out)
}

func formatUsers(users []model.Presence) string {
	if len(users) == 0 {
		return "nobody else"
	}
	parts := make([]string, 0, len(users))
	for _, u := range users {
		switch {
		case u.IsGroup:
			parts = append(parts, u.DisplayName)
		case u.DisplayName != "" && u.DisplayName != u.Username:
			parts = append(parts, fmt.Sprintf("%s (%s)", u.DisplayName, u.Username))
		default:
			parts = append(parts, u.Username)
		}
	}
	return strings.Join(parts, ", ")
}

func nameOf(s protocol.SignalEvent) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.From
}

// cutWord splits off the first whitespace-separated word.
func cutWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

// NormalizeAddr fills in the default port for a bare host. WebSocket URLs
// are returned unchanged.
func NormalizeAddr(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("address is required")
	}
	if strings.HasPrefix(input, "ws://") || strings.HasPrefix(input, "wss://") {
		return input, nil
	}

	if host, port, err := net.SplitHostPort(input); err == nil {
		return net.JoinHostPort(host, port), nil
	}
	defaultPort := strconv.Itoa(protocol.DefaultPort)
	if strings.Count(input, ":") > 1 {
		return net.JoinHostPort(strings.Trim(input, "[]"), defaultPort), nil
	}
	return net.JoinHostPort(input, defaultPort), nil
}
