// Package broadcast fans out state-change events to connected observers,
// scoped by channel so a connection only receives events for the boards and
// sessions it is watching.
package broadcast

import (
	"log/slog"
	"strings"
	"sync"
)

// Channel id namespaces. Board channels occupy a connection's single
// "active board" slot; session channels are additive.
const (
	boardPrefix   = "board:"
	sessionPrefix = "session:"
)

// BoardChannel returns the channel id for a repo's board.
func BoardChannel(repoID string) string { return boardPrefix + repoID }

// SessionChannel returns the channel id for a single session.
func SessionChannel(sessionID string) string { return sessionPrefix + sessionID }

// IsBoardChannel reports whether id is in the board namespace.
func IsBoardChannel(id string) bool { return strings.HasPrefix(id, boardPrefix) }

// Event is a single state-change notification. Channels is the set of
// channel ids the event belongs to; it is routing metadata, not payload.
type Event struct {
	Type     string   `json:"type"`
	EntityID string   `json:"entityID,omitempty"`
	Channels []string `json:"-"`
	Payload  any      `json:"payload,omitempty"`
}

// Event type names follow "<entity>.<verb>".
const (
	EventSessionCreated     = "session.created"
	EventSessionUpdated     = "session.updated"
	EventTaskCreated        = "task.created"
	EventTaskUpdated        = "task.updated"
	EventMessageCreated     = "message.created"
	EventWorktreeCreated    = "worktree.created"
	EventWorktreeRemoved    = "worktree.removed"
	EventPermissionCreated  = "permission.created"
	EventPermissionResolved = "permission.resolved"
)

// connBuffer is the per-connection event buffer size. A connection that
// falls this far behind starts losing events and must re-sync from
// persisted state.
const connBuffer = 64

type connection struct {
	id          string
	events      chan Event
	activeBoard string
}

// Router is the channel-scoped pub/sub registry. Membership updates and
// delivery share one mutex: sends are non-blocking, so holding the lock
// through fan-out cannot stall the publisher, and it keeps Disconnect from
// closing a stream mid-send.
type Router struct {
	mu      sync.Mutex
	conns   map[string]*connection
	members map[string]map[string]*connection // channel id -> conn id -> conn
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		conns:   make(map[string]*connection),
		members: make(map[string]map[string]*connection),
	}
}

// Connect registers a connection and returns its event stream. Events are
// delivered in publish order per channel while the connection keeps up.
func (r *Router) Connect(connID string) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[connID]; ok {
		return existing.events
	}
	c := &connection{id: connID, events: make(chan Event, connBuffer)}
	r.conns[connID] = c
	return c.events
}

// Disconnect drops the connection from every channel and closes its stream.
func (r *Router) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	for channelID, set := range r.members {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.members, channelID)
		}
	}
	close(c.events)
}

// Join subscribes a connection to a channel. Joining a board channel
// implicitly leaves the previously active board: each connection watches at
// most one board at a time.
func (r *Router) Join(connID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false
	}

	if IsBoardChannel(channelID) {
		if c.activeBoard != "" && c.activeBoard != channelID {
			r.removeMember(c.activeBoard, connID)
		}
		c.activeBoard = channelID
	}

	set := r.members[channelID]
	if set == nil {
		set = make(map[string]*connection)
		r.members[channelID] = set
	}
	set[connID] = c
	return true
}

// Leave unsubscribes a connection from a channel.
func (r *Router) Leave(connID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	if c.activeBoard == channelID {
		c.activeBoard = ""
	}
	r.removeMember(channelID, connID)
}

func (r *Router) removeMember(channelID, connID string) {
	set := r.members[channelID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, channelID)
	}
}

// Channels returns the channel ids a connection is currently joined to.
func (r *Router) Channels(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var channels []string
	for channelID, set := range r.members {
		if _, ok := set[connID]; ok {
			channels = append(channels, channelID)
		}
	}
	return channels
}

// Publish fans the event out to every connection joined to at least one of
// its channels. Delivery is best-effort: a full buffer drops the event for
// that connection rather than blocking the publisher. Fan-out happens under
// the membership lock so a concurrent Disconnect can never close a stream
// between membership lookup and send.
func (r *Router) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := make(map[string]bool)
	for _, channelID := range ev.Channels {
		for connID, c := range r.members[channelID] {
			if delivered[connID] {
				continue
			}
			delivered[connID] = true
			select {
			case c.events <- ev:
			default:
				slog.Warn("dropping event for slow observer", "conn", c.id, "type", ev.Type)
			}
		}
	}
}
