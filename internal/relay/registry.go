package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Channel names the two session-scoped socket kinds.
type Channel string

const (
	// ChannelWhiteboard carries binary ink updates.
	ChannelWhiteboard Channel = "whiteboard"
	// ChannelTutor carries small JSON control messages.
	ChannelTutor Channel = "tutor"

	defaultSendBuffer = 64
)

var (
	// ErrRegistryClosed indicates a Register call after Close.
	ErrRegistryClosed = errors.New("relay: registry closed")
	// ErrSlowConsumer is the close cause of a connection whose send queue overflowed.
	ErrSlowConsumer = errors.New("relay: send queue full")
	// ErrShuttingDown is the close cause of connections torn down by Registry.Close.
	ErrShuttingDown = errors.New("relay: shutting down")
)

// Frame is one outbound WebSocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Connection is the relay-side handle of one attached socket.
// The transport drains Send until Done is closed.
type Connection struct {
	id        string
	sessionID string
	channel   Channel
	subject   string
	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	cause     error
}

// ID returns the unique connection identifier.
func (c *Connection) ID() string { return c.id }

// SessionID returns the session the connection is attached to.
func (c *Connection) SessionID() string { return c.sessionID }

// Channel returns the socket kind.
func (c *Connection) Channel() Channel { return c.channel }

// Subject returns the authenticated principal behind the socket.
func (c *Connection) Subject() string { return c.subject }

// Send exposes queued frames to the transport writer.
func (c *Connection) Send() <-chan Frame { return c.send }

// Done is closed once the connection must stop.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the connection was closed by the relay, if it was.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close stops the connection with a cause; only the first cause is kept.
func (c *Connection) Close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.done)
	})
}

// enqueue hands a frame to the writer without blocking.
// A full queue closes the connection instead of silently dropping the frame.
func (c *Connection) enqueue(frame Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Close(ErrSlowConsumer)
		return false
	}
}

type sessionKey struct {
	channel   Channel
	sessionID string
}

// RegistryConfig sizes per-connection send queues.
type RegistryConfig struct {
	SendBuffer int
}

// Registry tracks the live connections of every session and channel.
// Instances are independent; construct one per process and Close it on shutdown.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[sessionKey]map[string]*Connection
	sendBuffer int
	closed     bool
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Registry{
		sessions:   make(map[sessionKey]map[string]*Connection),
		sendBuffer: sendBuffer,
	}
}

// Register attaches a new connection to a session channel.
func (r *Registry) Register(channel Channel, sessionID, subject string) (*Connection, error) {
	connection := &Connection{
		id:        uuid.NewString(),
		sessionID: sessionID,
		channel:   channel,
		subject:   subject,
		send:      make(chan Frame, r.sendBuffer),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	key := sessionKey{channel: channel, sessionID: sessionID}
	if _, ok := r.sessions[key]; !ok {
		r.sessions[key] = make(map[string]*Connection)
	}
	r.sessions[key][connection.id] = connection
	return connection, nil
}

// Unregister detaches a connection and reports whether its session channel is now empty.
func (r *Registry) Unregister(connection *Connection) bool {
	if connection == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{channel: connection.channel, sessionID: connection.sessionID}
	connections := r.sessions[key]
	if connections == nil {
		return false
	}
	if _, ok := connections[connection.id]; !ok {
		return false
	}
	delete(connections, connection.id)
	if len(connections) == 0 {
		delete(r.sessions, key)
		return true
	}
	return false
}

// Lookup finds one connection of a session channel.
func (r *Registry) Lookup(channel Channel, sessionID, connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connection, ok := r.sessions[sessionKey{channel: channel, sessionID: sessionID}][connectionID]
	return connection, ok
}

// Peers lists the connections of a session channel except excludeID, ordered by id.
func (r *Registry) Peers(channel Channel, sessionID, excludeID string) []*Connection {
	r.mu.RLock()
	connections := r.sessions[sessionKey{channel: channel, sessionID: sessionID}]
	peers := make([]*Connection, 0, len(connections))
	for id, connection := range connections {
		if id == excludeID {
			continue
		}
		peers = append(peers, connection)
	}
	r.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].id < peers[j].id
	})
	return peers
}

// Count returns the number of connections on a session channel.
func (r *Registry) Count(channel Channel, sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionKey{channel: channel, sessionID: sessionID}])
}

// Sessions lists the sessions with at least one connection on a channel.
func (r *Registry) Sessions(channel Channel) []string {
	r.mu.RLock()
	sessions := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		if key.channel == channel {
			sessions = append(sessions, key.sessionID)
		}
	}
	r.mu.RUnlock()
	sort.Strings(sessions)
	return sessions
}

// Close refuses further registrations and stops every live connection.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	live := make([]*Connection, 0)
	for _, connections := range r.sessions {
		for _, connection := range connections {
			live = append(live, connection)
		}
	}
	r.sessions = make(map[sessionKey]map[string]*Connection)
	r.mu.Unlock()

	for _, connection := range live {
		connection.Close(ErrShuttingDown)
	}
}
