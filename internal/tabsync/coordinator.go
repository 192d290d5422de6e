package tabsync

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RefreshFunc is invoked by the leader tab only. It maps onto the token
// refresh endpoint on the server side.
type RefreshFunc func(ctx context.Context) (TokenMaterial, error)

// Config tunes the heartbeat protocol. The dead-peer threshold is always
// twice the heartbeat interval.
type Config struct {
	HeartbeatInterval time.Duration
}

func (c Config) interval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 5 * time.Second
	}
	return c.HeartbeatInterval
}

type peerState struct {
	openedAt time.Time
	lastSeen time.Time
}

// Coordinator is one tab's view of the leader election. It runs as a
// single-goroutine message-driven actor: no locks, no shared state with
// its peers, only timestamped broadcasts and timeout-based failure
// detection.
//
// Election rule: among tabs heard from within 2x the heartbeat interval,
// the one with the lowest channel-open time leads; ties break on lexical
// tab id. Every tab evaluates the same rule independently, so the outcome
// is deterministic without a central coordinator.
type Coordinator struct {
	id       string
	openedAt time.Time
	ch       Channel
	refresh  RefreshFunc
	onTokens func(TokenMaterial)
	cfg      Config
	log      zerolog.Logger

	peers    map[string]peerState
	seq      uint64
	isLeader atomic.Bool
	requests chan struct{}
}

func NewCoordinator(ch Channel, cfg Config, refresh RefreshFunc, onTokens func(TokenMaterial), log zerolog.Logger) *Coordinator {
	id := uuid.NewString()
	return &Coordinator{
		id:       id,
		openedAt: time.Now(),
		ch:       ch,
		refresh:  refresh,
		onTokens: onTokens,
		cfg:      cfg,
		log:      log.With().Str("tab_id", id).Logger(),
		peers:    make(map[string]peerState),
		requests: make(chan struct{}, 1),
	}
}

func (c *Coordinator) ID() string { return c.id }

// Leader reports this tab's current self-assessment.
func (c *Coordinator) Leader() bool { return c.isLeader.Load() }

// RequestRefresh asks for a token refresh. Any tab may call it (typically
// after an expired-token response); the request is broadcast and only the
// leader acts on it.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// Run drives the actor until ctx is cancelled. On exit the tab announces
// its departure and stops heartbeating; no acknowledgment is expected.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.beat()

	for {
		select {
		case <-ctx.Done():
			c.ch.Send(c.message(KindLeave))
			c.ch.Close()
			return ctx.Err()

		case <-ticker.C:
			c.pruneDead(2 * interval)
			c.elect()
			c.beat()

		case <-c.requests:
			c.ch.Send(c.message(KindRefreshRequest))
			if c.isLeader.Load() {
				c.doRefresh(ctx)
			}

		case msg, ok := <-c.ch.Recv():
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg Message) {
	if msg.TabID == c.id {
		return
	}

	switch msg.Kind {
	case KindHeartbeat:
		c.peers[msg.TabID] = peerState{openedAt: msg.OpenedAt, lastSeen: time.Now()}
		c.elect()

	case KindLeave:
		delete(c.peers, msg.TabID)
		c.elect()

	case KindRefreshRequest:
		c.peers[msg.TabID] = peerState{openedAt: msg.OpenedAt, lastSeen: time.Now()}
		if c.isLeader.Load() {
			c.doRefresh(ctx)
		}

	case KindTokens:
		if msg.Tokens != nil && c.onTokens != nil {
			c.onTokens(*msg.Tokens)
		}
	}
}

func (c *Coordinator) beat() {
	c.seq++
	c.ch.Send(c.message(KindHeartbeat))
}

func (c *Coordinator) message(kind MessageKind) Message {
	return Message{
		Kind:     kind,
		TabID:    c.id,
		Seq:      c.seq,
		SentAt:   time.Now(),
		OpenedAt: c.openedAt,
		Leader:   c.isLeader.Load(),
	}
}

func (c *Coordinator) pruneDead(deadAfter time.Duration) {
	cutoff := time.Now().Add(-deadAfter)
	for id, peer := range c.peers {
		if peer.lastSeen.Before(cutoff) {
			delete(c.peers, id)
		}
	}
}

// elect re-evaluates leadership from the current live view. Candidates
// are sorted by (openedAt, id); self leads when it sorts first.
func (c *Coordinator) elect() {
	type candidate struct {
		id       string
		openedAt time.Time
	}

	candidates := make([]candidate, 0, len(c.peers)+1)
	candidates = append(candidates, candidate{id: c.id, openedAt: c.openedAt})
	for id, peer := range c.peers {
		candidates = append(candidates, candidate{id: id, openedAt: peer.openedAt})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].openedAt.Equal(candidates[j].openedAt) {
			return candidates[i].openedAt.Before(candidates[j].openedAt)
		}
		return candidates[i].id < candidates[j].id
	})

	wasLeader := c.isLeader.Load()
	leads := candidates[0].id == c.id
	c.isLeader.Store(leads)

	if leads && !wasLeader {
		c.log.Debug().Int("tabs", len(candidates)).Msg("assumed refresh leadership")
	} else if !leads && wasLeader {
		c.log.Debug().Str("leader", candidates[0].id).Msg("ceded refresh leadership")
	}
}

// doRefresh runs the refresh and fans the result out. Failures are left to
// the next request; followers keep their current tokens.
func (c *Coordinator) doRefresh(ctx context.Context) {
	material, err := c.refresh(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("leader refresh failed")
		return
	}

	if c.onTokens != nil {
		c.onTokens(material)
	}

	msg := c.message(KindTokens)
	msg.Tokens = &material
	c.ch.Send(msg)
}
