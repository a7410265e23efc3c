package debug

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// eventBuffer is the per-connection event queue. A client that cannot
	// drain this many events loses the overflow rather than stalling the
	// session.
	eventBuffer = 64
	// maxFrameBytes bounds a single inbound frame. Logs arrive in the open
	// frame and can be large.
	maxFrameBytes = 16 << 20
)

// openFrame is the first client frame on a new connection.
type openFrame struct {
	PipelineID string `json:"pipeline_id"`
	LogContent string `json:"log_content"`
}

// Handler serves the websocket debugging channel. Each connection owns one
// session: the client opens with a pipeline id and raw log, receives a
// session_update carrying the extracted errors, and then issues commands
// that are answered as events on the same connection.
type Handler struct {
	manager  *Manager
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the channel handler around a session manager.
func NewHandler(manager *Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger.With().Str("component", "debug_channel").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced at the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	var open openFrame
	if err := conn.ReadJSON(&open); err != nil {
		h.logger.Warn().Err(err).Msg("malformed open frame")
		return
	}

	sess, err := h.manager.Create(open.PipelineID)
	if err != nil {
		_ = conn.WriteJSON(Event{Type: EventError, Message: err.Error(), At: h.manager.clock.Now()})
		return
	}
	defer h.manager.Remove(sess.ID())

	events, cancel := sess.Subscribe(eventBuffer)
	defer cancel()

	// One writer goroutine owns the connection's write side; gorilla
	// connections allow a single concurrent writer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	if _, err := sess.Start(r.Context(), open.LogContent); err != nil {
		h.logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("session start failed")
		<-done
		return
	}

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			// Disconnect without exit aborts the session.
			sess.Abort()
			break
		}
		if err := sess.Execute(r.Context(), cmd); err != nil {
			// Execute only fails once the session went terminal, which
			// closes the stream and stops the pump. Wait it out so this
			// direct write is the connection's sole writer.
			<-done
			_ = conn.WriteJSON(Event{Type: EventError, Message: err.Error(), At: h.manager.clock.Now()})
			break
		}
		if sess.Status().Terminal() {
			break
		}
	}
	<-done
}
