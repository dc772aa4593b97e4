package hub

import (
	"sync"
	"time"
)

// ChannelAll is the sentinel channel matching every service.
const ChannelAll = "all"

// outBufferSize bounds each session's outbound frame channel. A session
// that falls this far behind is closed rather than allowed to block
// publishers.
const outBufferSize = 256

// Sink is the transport half of a session: an ordered frame writer.
type Sink interface {
	WriteFrame(frame Frame) error
	Close() error
}

// Session is one attached subscriber. Frames flow through a bounded
// channel drained by a dedicated writer goroutine, so publishers never
// block on a slow sink.
type Session struct {
	ID string

	hub  *Hub
	sink Sink
	out  chan Frame

	mu       sync.Mutex
	channels map[string]struct{}
	paused   bool
	pausedAt time.Time
	lastSeen time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// Channels returns the current subscription set.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// Paused reports whether event frames are currently suppressed.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Touch refreshes the liveness timestamp. The transport calls this on any
// inbound traffic, including pong responses.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// setChannels replaces the subscription set; empty means all.
func (s *Session) setChannels(channels []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]struct{})
	if len(channels) == 0 {
		s.channels[ChannelAll] = struct{}{}
	} else {
		for _, ch := range channels {
			if ch != "" {
				s.channels[ch] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// wantsService reports whether the session subscribed to the service's
// channel or the all sentinel.
func (s *Session) wantsService(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ChannelAll]; ok {
		return true
	}
	_, ok := s.channels[service]
	return ok
}

// offer enqueues a frame without blocking. A full buffer means the session
// cannot keep up; the caller closes it.
func (s *Session) offer(frame Frame) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// writeLoop pumps the outbound channel into the sink in order.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			if err := s.sink.WriteFrame(frame); err != nil {
				s.hub.Detach(s)
				return
			}
		}
	}
}

// close tears the session down once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.sink.Close()
	})
}
