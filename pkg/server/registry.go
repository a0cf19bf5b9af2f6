package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/NicolasHaas/presencerelay/pkg/model"
)

var (
	ErrGroupExists   = errors.New("group already exists")
	ErrGroupNotFound = errors.New("group not found")
)

// Peer is the outbound side of a connection as seen by the registry and
// router. Send must not block.
type Peer interface {
	ID() string
	Send(record []byte) bool
	Close() error
}

// Session binds a username to a live connection. Sessions are immutable
// once registered; a new LOGIN creates a new Session.
type Session struct {
	Username    string
	DisplayName string
	Peer        Peer
}

// JoinResult is the outcome of Registry.JoinGroup.
type JoinResult int

const (
	Joined JoinResult = iota
	AlreadyMember
	GroupNotFound
)

func (r JoinResult) String() string {
	switch r {
	case Joined:
		return "joined"
	case AlreadyMember:
		return "already_member"
	case GroupNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// PresenceView is the USERS payload computed for one recipient.
type PresenceView struct {
	Session *Session
	Users   []model.Presence
}

// Registry is the single source of truth for who is online and which groups
// exist. One mutex guards both maps so multi-key reads never observe a
// half-applied mutation. It performs no I/O.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]*Session            // username -> session
	groups map[string]map[string]struct{} // group name -> member usernames
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]*Session),
		groups: make(map[string]map[string]struct{}),
	}
}

// Register inserts or replaces the session for username and returns the new
// session together with the one it replaced, if any.
func (r *Registry) Register(username, displayName string, peer Peer) (sess, replaced *Session) {
	sess = &Session{Username: username, DisplayName: displayName, Peer: peer}

	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.users[username]
	r.users[username] = sess
	return sess, replaced
}

// Unregister removes the session for username. No-op if absent.
func (r *Registry) Unregister(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; !ok {
		return false
	}
	delete(r.users, username)
	return true
}

// Release removes sess only if it is still the current session for its
// username, so a connection evicted by a newer LOGIN cannot remove its
// successor. It reports whether anything was removed.
func (r *Registry) Release(sess *Session) bool {
	if sess == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users[sess.Username] != sess {
		return false
	}
	delete(r.users, sess.Username)
	return true
}

// ReleasePeer removes every session still bound to peer and returns the
// usernames removed. Sessions that a newer LOGIN moved to another peer are
// left alone.
func (r *Registry) ReleasePeer(peer Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, s := range r.users {
		if s.Peer == peer {
			delete(r.users, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// Lookup returns the current session for username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.users[username]
	return s, ok
}

// Sessions returns all sessions (snapshot).
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.users))
	for _, s := range r.users {
		result = append(result, s)
	}
	return result
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// SnapshotUsers returns every online user except the given one, sorted by
// username.
func (r *Registry) SnapshotUsers(excluding string) []model.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usersLocked(excluding)
}

// Presence returns the presence list as seen by username: every other
// online user followed by every group username belongs to.
func (r *Registry) Presence(username string) []model.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(r.usersLocked(username), r.groupsOfLocked(username)...)
}

// PresenceViews computes the presence list for every online session under
// a single read lock.
func (r *Registry) PresenceViews() []PresenceView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]PresenceView, 0, len(r.users))
	for name, s := range r.users {
		views = append(views, PresenceView{
			Session: s,
			Users:   append(r.usersLocked(name), r.groupsOfLocked(name)...),
		})
	}
	return views
}

// CreateGroup inserts a group with the given members. Empty and duplicate
// member names are dropped. Fails with ErrGroupExists if the name is taken.
func (r *Registry) CreateGroup(name string, members []string) error {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m != "" {
			set[m] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[name]; ok {
		return ErrGroupExists
	}
	r.groups[name] = set
	return nil
}

// JoinGroup adds username to the group.
func (r *Registry) JoinGroup(name, username string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[name]
	if !ok {
		return GroupNotFound
	}
	if _, ok := members[username]; ok {
		return AlreadyMember
	}
	members[username] = struct{}{}
	return Joined
}

// GroupMembers returns the sorted member usernames of a group.
func (r *Registry) GroupMembers(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.groups[name]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return sortedKeys(members), nil
}

// GroupRecipients resolves the online sessions of a group's members,
// excluding one username (the sender). Offline members are skipped.
func (r *Registry) GroupRecipients(name, exclude string) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.groups[name]
	if !ok {
		return nil, ErrGroupNotFound
	}
	result := make([]*Session, 0, len(members))
	for m := range members {
		if m == exclude {
			continue
		}
		if s, ok := r.users[m]; ok {
			result = append(result, s)
		}
	}
	return result, nil
}

// Groups returns a copy of every group and its sorted members.
func (r *Registry) Groups() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string][]string, len(r.groups))
	for name, members := range r.groups {
		result[name] = sortedKeys(members)
	}
	return result
}

// GroupCount returns the number of groups.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

func (r *Registry) usersLocked(excluding string) []model.Presence {
	users := make([]model.Presence, 0, len(r.users))
	for name, s := range r.users {
		if name == excluding {
			continue
		}
		users = append(users, model.Presence{Username: s.Username, DisplayName: s.DisplayName})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

func (r *Registry) groupsOfLocked(username string) []model.Presence {
	var names []string
	for name, members := range r.groups {
		if _, ok := members[username]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	groups := make([]model.Presence, 0, len(names))
	for _, name := range names {
		groups = append(groups, model.GroupPresence(name))
	}
	return groups
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
