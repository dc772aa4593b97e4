package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
)

// Frame types on the wire.
const (
	FrameConnection = "connection"
	FrameEvent      = "event"
	FrameIncident   = "incident"
	FrameSubscribed = "subscribed"
	FramePong       = "pong"
	FrameError      = "error"
)

// Frame is one message pushed to a subscriber.
type Frame struct {
	Type      string    `json:"type"`
	Action    string    `json:"action,omitempty"`
	Data      any       `json:"data,omitempty"`
	Channels  []string  `json:"channels,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlMessage is one message received from a subscriber.
type ControlMessage struct {
	Type      string   `json:"type"`
	Channels  []string `json:"channels,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// Hub fans incident and event frames out to attached sessions. Per-session
// ordering follows publish order; slow sessions are reaped, never waited on.
type Hub struct {
	logger       *slog.Logger
	pingInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New constructs a Hub with the given heartbeat interval (30s when zero).
func New(logger *slog.Logger, pingInterval time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		logger:       logger,
		pingInterval: pingInterval,
		sessions:     make(map[string]*Session),
	}
}

// Attach registers a sink as a new session subscribed to all channels and
// sends the greeting frame.
func (h *Hub) Attach(sink Sink) *Session {
	session := &Session{
		ID:       "sub_" + uuid.NewString(),
		hub:      h,
		sink:     sink,
		out:      make(chan Frame, outBufferSize),
		channels: map[string]struct{}{ChannelAll: {}},
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[session.ID] = session
	count := len(h.sessions)
	h.mu.Unlock()
	metrics.SetBroadcastSessions(count)

	go session.writeLoop()

	session.offer(Frame{
		Type:      FrameConnection,
		Message:   "connected to mirador-pulse event stream",
		Timestamp: time.Now().UTC(),
	})

	h.logger.Debug("session attached", slog.String("session_id", session.ID), slog.Int("sessions", count))
	return session
}

// Detach removes and closes a session.
func (h *Hub) Detach(session *Session) {
	if session == nil {
		return
	}
	h.mu.Lock()
	_, present := h.sessions[session.ID]
	delete(h.sessions, session.ID)
	count := len(h.sessions)
	h.mu.Unlock()

	session.close()
	if present {
		metrics.SetBroadcastSessions(count)
		h.logger.Debug("session detached", slog.String("session_id", session.ID), slog.Int("sessions", count))
	}
}

// Sessions returns the number of attached sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Subscribe replaces the session's channel set; an empty list subscribes
// to everything. The session receives a confirmation frame.
func (h *Hub) Subscribe(session *Session, channels []string) {
	applied := session.setChannels(channels)
	h.deliver(session, Frame{
		Type:      FrameSubscribed,
		Channels:  applied,
		Timestamp: time.Now().UTC(),
	})
}

// Pause suppresses event frames for the session. Incident and control
// frames still deliver.
func (h *Hub) Pause(session *Session, at time.Time) {
	session.mu.Lock()
	session.paused = true
	session.pausedAt = at
	session.mu.Unlock()
}

// Resume lifts event suppression.
func (h *Hub) Resume(session *Session) {
	session.mu.Lock()
	session.paused = false
	session.pausedAt = time.Time{}
	session.mu.Unlock()
}

// PublishEvent fans an event frame out to matching, unpaused sessions.
func (h *Hub) PublishEvent(event models.Event) {
	frame := Frame{
		Type:      FrameEvent,
		Data:      event,
		Timestamp: time.Now().UTC(),
	}

	for _, session := range h.snapshot() {
		if session.Paused() || !session.wantsService(event.Service) {
			continue
		}
		h.deliver(session, frame)
	}
}

// PublishIncident fans an incident frame out to every session, paused or
// not, regardless of channel subscriptions.
func (h *Hub) PublishIncident(incident models.Incident, action string) {
	frame := Frame{
		Type:      FrameIncident,
		Action:    action,
		Data:      incident,
		Timestamp: time.Now().UTC(),
	}

	for _, session := range h.snapshot() {
		h.deliver(session, frame)
	}
}

// HandleControl processes one raw client message for the session.
func (h *Hub) HandleControl(session *Session, raw []byte) {
	session.Touch()

	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.deliver(session, Frame{
			Type:      FrameError,
			Message:   "malformed control message",
			Timestamp: time.Now().UTC(),
		})
		return
	}

	switch msg.Type {
	case "subscribe":
		h.Subscribe(session, msg.Channels)
	case "ping":
		h.deliver(session, Frame{Type: FramePong, Timestamp: time.Now().UTC()})
	case "pause":
		at := time.Now().UTC()
		if msg.Timestamp > 0 {
			at = time.UnixMilli(msg.Timestamp).UTC()
		}
		h.Pause(session, at)
	case "resume":
		h.Resume(session)
	default:
		h.deliver(session, Frame{
			Type:      FrameError,
			Message:   "unknown message type: " + msg.Type,
			Timestamp: time.Now().UTC(),
		})
	}
}

// Run drives the heartbeat reaper until ctx is cancelled. The transport
// refreshes liveness via Session.Touch on pong and control traffic; any
// session silent for two full cycles (it missed a whole cycle's ping) is
// terminated.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

func (h *Hub) reapStale() {
	cutoff := time.Now().Add(-2 * h.pingInterval)
	for _, session := range h.snapshot() {
		session.mu.Lock()
		stale := session.lastSeen.Before(cutoff)
		session.mu.Unlock()
		if stale {
			h.logger.Info("reaping unresponsive session", slog.String("session_id", session.ID))
			h.Detach(session)
		}
	}
}

func (h *Hub) closeAll() {
	for _, session := range h.snapshot() {
		h.Detach(session)
	}
}

// deliver offers a frame to one session, reaping it on overflow.
func (h *Hub) deliver(session *Session, frame Frame) {
	if session.offer(frame) {
		return
	}
	metrics.ObserveDroppedFrame()
	h.logger.Warn("session outbound buffer overflow, closing",
		slog.String("session_id", session.ID))
	h.Detach(session)
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		out = append(out, session)
	}
	return out
}
