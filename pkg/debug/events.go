package debug

import (
	"sync"
	"time"
)

// EventType names a frame on a session's event stream.
type EventType string

const (
	EventSessionUpdate   EventType = "session_update"
	EventAnalysisResult  EventType = "analysis_result"
	EventPatchSolution   EventType = "patch_solution"
	EventPatchApplied    EventType = "patch_applied"
	EventBatchSummary    EventType = "batch_summary"
	EventPatchRollback   EventType = "patch_rollback"
	EventSessionExported EventType = "session_exported"
	EventSessionSummary  EventType = "session_summary"
	EventCommandHistory  EventType = "command_history"
	EventClassification  EventType = "ml_classification"
	EventTrainingResult  EventType = "ml_training_result"
	EventModelInfo       EventType = "ml_model_info"
	EventError           EventType = "error"
)

// Event is one server frame. Error frames carry Message; every other type
// carries Data.
type Event struct {
	Type    EventType `json:"type"`
	Data    any       `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"timestamp"`
}

// Stream fans a session's events out to its subscribers. Each subscriber
// receives events in publish order at most once: a subscriber whose buffer
// is full loses the event instead of blocking the session. After Close all
// subscriber channels are closed and further publishes are discarded.
type Stream struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe attaches a consumer with the given buffer size and returns its
// channel plus a cancel function. Subscribing to a closed stream yields an
// already closed channel.
func (st *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	ch := make(chan Event, buffer)
	if st.closed {
		close(ch)
		return ch, func() {}
	}
	id := st.nextID
	st.nextID++
	st.subs[id] = ch
	return ch, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if sub, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an event to every subscriber that has buffer room.
func (st *Stream) Publish(ev Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	for _, ch := range st.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream. Idempotent.
func (st *Stream) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
}
