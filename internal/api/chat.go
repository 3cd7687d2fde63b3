package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/inference"
)

type chatRequest struct {
	Prompt   string `json:"prompt"`
	ClientID string `json:"client_id,omitempty"`
}

type chatEvent struct {
	Type  string `json:"type"` // "token" | "done" | "error"
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// chat implements `GET /chat` upgraded to a WebSocket: one prompt per connection,
// a token stream back, closed on completion or cancellation. Overloaded
// admission surfaces as a single error frame, not a dropped connection.
func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		h.deps.Log.Warn("chat: accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req chatRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "malformed chat request")
		return
	}

	infReq := inference.Request{
		Kind:    inference.KindChat,
		UserID:  sess.Username,
		Prompt:  req.Prompt,
		Context: req.ClientID,
		Deadline: time.Now().Add(5 * time.Minute),
	}

	_, err = h.deps.Inference.Infer(ctx, infReq, func(token string) error {
		return wsjson.Write(ctx, conn, chatEvent{Type: "token", Token: token})
	})
	if err != nil {
		_ = wsjson.Write(ctx, conn, chatEvent{Type: "error", Error: err.Error()})
		_ = conn.Close(websocket.StatusInternalError, "inference failed")
		return
	}

	_ = wsjson.Write(ctx, conn, chatEvent{Type: "done"})
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
