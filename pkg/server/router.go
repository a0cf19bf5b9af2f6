package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/NicolasHaas/presencerelay/pkg/model"
	"github.com/NicolasHaas/presencerelay/pkg/protocol"
)

// Router implements the behavior of each record type against the Registry.
// It never writes to a socket itself: every outbound record goes through
// Peer.Send, which queues without blocking.
type Router struct {
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger

	// presenceMu orders presence fan-outs so a recipient never receives an
	// older snapshot after a newer one.
	presenceMu sync.Mutex
}

// NewRouter creates a router over reg.
func NewRouter(reg *Registry, metrics *Metrics, log *slog.Logger) *Router {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{registry: reg, metrics: metrics, log: log}
}

// Dispatch handles one decoded request from peer. sess is the connection's
// current session (nil before LOGIN); the returned session replaces it.
func (rt *Router) Dispatch(peer Peer, sess *Session, req protocol.Request) *Session {
	if login, ok := req.(protocol.Login); ok {
		return rt.login(peer, sess, login)
	}
	if sess == nil {
		rt.fail(peer, "not logged in")
		return nil
	}

	switch r := req.(type) {
	case protocol.GetUsers:
		rt.send(peer, protocol.NewUserList(rt.registry.Presence(sess.Username)))
	case protocol.DirectMessage:
		rt.directMessage(sess, r)
	case protocol.Broadcast:
		rt.broadcast(sess, r)
	case protocol.FileTransfer:
		rt.file(sess, r)
	case protocol.CreateGroup:
		rt.createGroup(sess, r)
	case protocol.JoinGroup:
		rt.joinGroup(sess, r)
	case protocol.GroupMessage:
		rt.groupMessage(sess, r)
	case protocol.Signal:
		rt.signal(sess, r)
	default:
		rt.log.Warn("unhandled request", "type", req.Kind(), "user", sess.Username)
	}
	return sess
}

func (rt *Router) login(peer Peer, prev *Session, req protocol.Login) *Session {
	if err := model.ValidateUsername(req.Username); err != nil {
		rt.fail(peer, "invalid username: %v", err)
		return prev
	}
	display := model.NormalizeDisplayName(req.DisplayName, req.Username)

	if prev != nil && prev.Username != req.Username {
		rt.registry.Release(prev)
		rt.log.Info("user renamed", "old", prev.Username, "new", req.Username, "conn", peer.ID())
	}

	sess, replaced := rt.registry.Register(req.Username, display, peer)
	if replaced != nil && replaced.Peer != peer {
		rt.metrics.Evictions.Add(1)
		rt.log.Warn("evicting previous session",
			"user", req.Username, "old_conn", replaced.Peer.ID(), "new_conn", peer.ID())
		_ = replaced.Peer.Close()
	}

	rt.metrics.Logins.Add(1)
	rt.log.Info("user logged in", "user", sess.Username, "display_name", sess.DisplayName, "conn", peer.ID())

	rt.send(peer, protocol.NewLoginOK(sess.Username, sess.DisplayName))
	rt.BroadcastPresence()
	return sess
}

func (rt *Router) directMessage(sess *Session, req protocol.DirectMessage) {
	target, ok := rt.registry.Lookup(req.To)
	if !ok {
		rt.fail(sess.Peer, "User %s not online", req.To)
		return
	}
	rt.deliver(sess, target, protocol.Chat{
		Type:         protocol.KindMessage,
		From:         sess.DisplayName,
		FromUsername: sess.Username,
		Message:      req.Message,
	}, &rt.metrics.MessagesRelayed)
}

func (rt *Router) broadcast(sess *Session, req protocol.Broadcast) {
	data, ok := rt.encode(protocol.Chat{
		Type:         protocol.KindBroadcast,
		From:         sess.DisplayName,
		FromUsername: sess.Username,
		Message:      req.Message,
	})
	if !ok {
		return
	}
	for _, s := range rt.registry.Sessions() {
		if s.Username == sess.Username {
			continue
		}
		if rt.sendRaw(s.Peer, data) {
			rt.metrics.BroadcastsRelayed.Add(1)
		}
	}
}

func (rt *Router) file(sess *Session, req protocol.FileTransfer) {
	if req.To == sess.Username {
		rt.fail(sess.Peer, "Cannot send a file to yourself")
		return
	}
	target, ok := rt.registry.Lookup(req.To)
	if !ok {
		rt.fail(sess.Peer, "User %s not online", req.To)
		return
	}
	rt.log.Debug("relaying file", "from", sess.Username, "to", req.To,
		"filename", req.Filename, "bytes", len(req.Data))
	rt.deliver(sess, target, protocol.File{
		Type:         protocol.KindFile,
		From:         sess.DisplayName,
		FromUsername: sess.Username,
		Filename:     req.Filename,
		Data:         req.Data,
	}, &rt.metrics.FilesRelayed)
}

func (rt *Router) createGroup(sess *Session, req protocol.CreateGroup) {
	if err := model.ValidateGroupName(req.Name); err != nil {
		rt.fail(sess.Peer, "invalid group name: %v", err)
		return
	}

	members := make([]string, 0, len(req.Members)+1)
	members = append(members, sess.Username)
	for _, m := range req.Members {
		if model.ValidateUsername(m) == nil {
			members = append(members, m)
		}
	}

	if err := rt.registry.CreateGroup(req.Name, members); err != nil {
		if errors.Is(err, ErrGroupExists) {
			rt.fail(sess.Peer, "Group %s exists", req.Name)
			return
		}
		rt.fail(sess.Peer, "create group %s: %v", req.Name, err)
		return
	}

	rt.metrics.GroupsCreated.Add(1)
	rt.log.Info("group created", "group", req.Name, "by", sess.Username, "members", len(members))
	rt.BroadcastPresence()
}

func (rt *Router) joinGroup(sess *Session, req protocol.JoinGroup) {
	switch rt.registry.JoinGroup(req.Name, sess.Username) {
	case GroupNotFound:
		rt.fail(sess.Peer, "Group %s not found", req.Name)
	case AlreadyMember:
		rt.send(sess.Peer, protocol.Infof("Already a member of %s", req.Name))
	case Joined:
		rt.metrics.GroupJoins.Add(1)
		rt.log.Info("group joined", "group", req.Name, "user", sess.Username)
		rt.BroadcastPresence()
	}
}

func (rt *Router) groupMessage(sess *Session, req protocol.GroupMessage) {
	recipients, err := rt.registry.GroupRecipients(req.Name, sess.Username)
	if err != nil {
		rt.log.Debug("group message to unknown group dropped", "group", req.Name, "from", sess.Username)
		return
	}
	data, ok := rt.encode(protocol.GroupChat{
		Type:         protocol.KindGroupMessage,
		From:         sess.DisplayName,
		FromUsername: sess.Username,
		GroupName:    req.Name,
		Message:      req.Message,
	})
	if !ok {
		return
	}
	for _, s := range recipients {
		if rt.sendRaw(s.Peer, data) {
			rt.metrics.GroupMessagesRelayed.Add(1)
		}
	}
}

func (rt *Router) signal(sess *Session, req protocol.Signal) {
	if req.To == sess.Username {
		rt.fail(sess.Peer, "Cannot signal yourself")
		return
	}
	target, ok := rt.registry.Lookup(req.To)
	if !ok {
		rt.fail(sess.Peer, "User %s not online", req.To)
		return
	}
	rt.log.Debug("relaying signal", "type", req.Type, "from", sess.Username, "to", req.To)
	rt.deliver(sess, target, protocol.ForwardSignal(req, sess.Username, sess.DisplayName), &rt.metrics.SignalsRelayed)
}

// BroadcastPresence sends every online session its own USERS view. All views
// come from one registry snapshot, queued after the registry lock is
// released. Concurrent broadcasts are queued one after the other.
func (rt *Router) BroadcastPresence() {
	rt.presenceMu.Lock()
	defer rt.presenceMu.Unlock()

	views := rt.registry.PresenceViews()
	for _, v := range views {
		rt.send(v.Session.Peer, protocol.NewUserList(v.Users))
	}
	rt.metrics.PresenceBroadcasts.Add(1)
}

// deliver sends v to target on behalf of sess. A target that closed or was
// dropped after the lookup is reported to the sender as offline.
func (rt *Router) deliver(sess, target *Session, v any, counter *atomic.Int64) {
	if !rt.send(target.Peer, v) {
		rt.fail(sess.Peer, "User %s not online", target.Username)
		return
	}
	counter.Add(1)
}

func (rt *Router) fail(peer Peer, format string, args ...any) {
	rt.metrics.RoutingErrors.Add(1)
	rt.send(peer, protocol.Errorf(format, args...))
}

func (rt *Router) send(peer Peer, v any) bool {
	data, ok := rt.encode(v)
	if !ok {
		return false
	}
	return rt.sendRaw(peer, data)
}

func (rt *Router) sendRaw(peer Peer, data []byte) bool {
	if peer.Send(data) {
		return true
	}
	rt.metrics.DroppedSends.Add(1)
	return false
}

func (rt *Router) encode(v any) ([]byte, bool) {
	data, err := protocol.Encode(v)
	if err != nil {
		rt.log.Error("encode record", "err", err)
		return nil, false
	}
	return data, true
}
