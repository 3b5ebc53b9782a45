package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/advisor"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/Kocoro-lab/advisor/internal/workflow"
)

const (
	wsWriteWait    = 10 * time.Second
	wsRequestWait  = 30 * time.Second
	wsEventBacklog = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// WSRequest is the single message a websocket client sends
type WSRequest struct {
	Mode      state.Mode `json:"mode"`
	Prompt    string     `json:"prompt"`
	SessionID string     `json:"session_id,omitempty"`
}

// WSMessage is every frame the server sends. Type is "node", "result" or "error".
type WSMessage struct {
	Type  string              `json:"type"`
	Event *workflow.NodeEvent `json:"event,omitempty"`
	Data  interface{}         `json:"data,omitempty"`
	Error string              `json:"error,omitempty"`
}

// handleWS runs one advise request and streams node events while it runs.
// GET /api/v1/ws/advise
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(MaxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	var req WSRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.writeWS(conn, WSMessage{Type: "error", Error: "invalid JSON"})
		return
	}
	if req.Mode == "" {
		req.Mode = state.ModeRecommend
	}
	if req.Mode != state.ModeRecommend && req.Mode != state.ModeCompare {
		h.writeWS(conn, WSMessage{Type: "error", Error: "mode must be recommend or compare"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// a closed client cancels the run
	go func() {
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	events := make(chan workflow.NodeEvent, wsEventBacklog)
	obs := workflow.ObserverFunc(func(_ context.Context, ev workflow.NodeEvent) {
		select {
		case events <- ev:
		default:
			// slow client; progress is best effort
		}
	})

	type outcome struct {
		st  *state.RequestState
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		st, err := h.svc.Run(ctx, req.Mode, req.Prompt, req.SessionID, obs)
		done <- outcome{st, err}
	}()

	for {
		select {
		case ev := <-events:
			if !h.writeWS(conn, WSMessage{Type: "node", Event: &ev}) {
				cancel()
				<-done
				return
			}
		case out := <-done:
			// flush events emitted before the run returned
			for len(events) > 0 {
				ev := <-events
				if !h.writeWS(conn, WSMessage{Type: "node", Event: &ev}) {
					return
				}
			}
			if out.err != nil {
				_, msg := statusFor(out.err)
				h.writeWS(conn, WSMessage{Type: "error", Error: msg})
				return
			}
			var data interface{}
			if req.Mode == state.ModeCompare {
				data = advisor.NewCompareResponse(out.st)
			} else {
				data = advisor.NewRecommendResponse(out.st)
			}
			h.writeWS(conn, WSMessage{Type: "result", Data: data})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (h *Handler) writeWS(conn *websocket.Conn, msg WSMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("Websocket write failed", zap.Error(err))
		return false
	}
	return true
}
