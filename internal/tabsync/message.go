package tabsync

import (
	"sync"
	"time"
)

type MessageKind string

const (
	KindHeartbeat      MessageKind = "heartbeat"
	KindLeave          MessageKind = "leave"
	KindTokens         MessageKind = "tokens"
	KindRefreshRequest MessageKind = "refresh-request"
)

// TokenMaterial is what the leader fans out after a successful refresh so
// followers update without racing to refresh themselves.
type TokenMaterial struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	CSRFToken       string
}

// Message is the unit of coordination between tabs of one device. Tabs
// share no memory; everything they know about each other arrives here.
type Message struct {
	Kind   MessageKind
	TabID  string
	Seq    uint64 // monotonically increasing per sender
	SentAt time.Time
	// OpenedAt is the sender's channel-open time: the election key.
	OpenedAt time.Time
	Leader   bool
	Tokens   *TokenMaterial
}

// Channel is the shared same-device broadcast transport. The protocol is
// transport-agnostic; Hub provides the in-process implementation.
type Channel interface {
	Send(msg Message)
	Recv() <-chan Message
	Close()
}

// Hub is an in-process broadcast channel: every message sent by one member
// is delivered to all members, sender included. Delivery drops rather than
// blocks when a member's buffer is full, mirroring a lossy browser
// broadcast channel.
type Hub struct {
	mu      sync.Mutex
	members map[*hubMember]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{members: make(map[*hubMember]struct{})}
}

type hubMember struct {
	hub *Hub
	in  chan Message
}

// Join attaches a new member to the hub.
func (h *Hub) Join() Channel {
	m := &hubMember{hub: h, in: make(chan Message, 64)}
	h.mu.Lock()
	if !h.closed {
		h.members[m] = struct{}{}
	}
	h.mu.Unlock()
	return m
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range h.members {
		select {
		case m.in <- msg:
		default:
		}
	}
}

func (m *hubMember) Send(msg Message)      { m.hub.broadcast(msg) }
func (m *hubMember) Recv() <-chan Message { return m.in }

func (m *hubMember) Close() {
	m.hub.mu.Lock()
	delete(m.hub.members, m)
	m.hub.mu.Unlock()
}
