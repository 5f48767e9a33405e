// Package transport exposes the orchestration core over HTTP and WebSocket:
// turn submission, live event streaming with ack-based reconnect replay, and
// cooperative run cancellation.
package transport

import (
	"sync"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

// bufferLimit caps the unacked event backlog per conversation. A client that
// never acks loses the oldest events first; the durable archive still has
// every turn.
const bufferLimit = 256

// Hub hands out one Stream per conversation.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func NewHub() *Hub {
	return &Hub{streams: make(map[string]*Stream)}
}

func (h *Hub) Stream(conversationID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[conversationID]
	if !ok {
		s = &Stream{}
		h.streams[conversationID] = s
	}
	return s
}

// Release drops the conversation's stream once it is idle: no attached
// subscriber and nothing left unacked. A stream that still holds backlog or a
// live attachment stays so a reconnect can replay.
func (h *Hub) Release(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[conversationID]
	if !ok {
		return
	}
	s.mu.Lock()
	idle := len(s.buffer) == 0 && s.sub == nil
	s.mu.Unlock()
	if idle {
		delete(h.streams, conversationID)
	}
}

// Stream orders events for one conversation and keeps them buffered until the
// client acks. At most one WebSocket is attached at a time; a reconnect
// supersedes the previous attachment and replays everything unacked.
type Stream struct {
	mu     sync.Mutex
	seq    int64
	buffer []contractx.Event
	sub    chan contractx.Event
}

// Emit implements runtime.Emitter. Events get a per-conversation sequence
// number, join the unacked buffer, and are forwarded to the live attachment
// if one exists. Emit never blocks the run.
func (s *Stream) Emit(ev contractx.Event) error {
	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq
	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > bufferLimit {
		dropped := len(s.buffer) - bufferLimit
		s.buffer = s.buffer[dropped:]
		log.Warn().Int("dropped", dropped).Msg("stream backlog overflow, oldest events dropped")
	}
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		select {
		case sub <- ev:
		default:
			// Slow reader. The event stays in the buffer for replay.
		}
	}
	return nil
}

// Ack discards buffered events up to and including seq.
func (s *Stream) Ack(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := 0
	for idx < len(s.buffer) && s.buffer[idx].Seq <= seq {
		idx++
	}
	s.buffer = s.buffer[idx:]
}

// Attach registers a live subscriber and returns the unacked backlog to
// replay first. Any previous attachment is closed.
func (s *Stream) Attach() (replay []contractx.Event, events <-chan contractx.Event) {
	ch := make(chan contractx.Event, bufferLimit)
	s.mu.Lock()
	if s.sub != nil {
		close(s.sub)
	}
	s.sub = ch
	replay = make([]contractx.Event, len(s.buffer))
	copy(replay, s.buffer)
	s.mu.Unlock()
	return replay, ch
}

// Detach removes the subscriber if it is still the current one. Called when
// the WebSocket closes; a newer attachment is left alone.
func (s *Stream) Detach(events <-chan contractx.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil && (<-chan contractx.Event)(s.sub) == events {
		close(s.sub)
		s.sub = nil
	}
}

// Pending reports the unacked backlog size, used by the health endpoint.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
