package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/mitaka8/boombox/internal/infra/auth"
)

// WSHandler terminates the persistent websocket connections for both
// operator consoles and display clients.
type WSHandler struct {
	gw     *Gateway
	logger zerolog.Logger
}

// NewWSHandler creates the websocket transport for a gateway.
func NewWSHandler(gw *Gateway, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		gw:     gw,
		logger: logger.With().Str("component", "gateway_ws").Logger(),
	}
}

// authMessage is the mandatory first frame on any connection.
type authMessage struct {
	Type   string    `json:"type"` // must be "auth"
	Token  string    `json:"token"`
	Role   auth.Role `json:"role"`
	Tenant string    `json:"tenant,omitempty"`
}

type authOK struct {
	Type              string `json:"type"` // "auth_ok"
	SessionID         string `json:"session_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_sec"`
}

// displayNotice is an inbound frame from a display client.
type displayNotice struct {
	Type      string         `json:"type"` // applied_state, track_ended, heartbeat
	CommandID string         `json:"command_id,omitempty"`
	State     map[string]any `json:"state,omitempty"`
}

// wsConn serializes writes; nhooyr.io/websocket permits only one
// concurrent writer.
type wsConn struct {
	conn *ws.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, ws.MessageText, data)
}

// SendInstruction implements DisplaySink over the websocket.
func (c *wsConn) SendInstruction(inst Instruction) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.writeJSON(ctx, inst)
}

// handshake reads and verifies the auth frame, registers the session,
// and confirms. Returns nil after closing the connection on failure.
func (h *WSHandler) handshake(ctx context.Context, wc *wsConn, want auth.Role) *Session {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := wc.conn.Read(readCtx)
	if err != nil {
		wc.conn.Close(ws.StatusPolicyViolation, "auth frame required")
		return nil
	}

	var msg authMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" {
		wc.conn.Close(ws.StatusPolicyViolation, "auth frame required")
		return nil
	}
	if msg.Role != want {
		wc.conn.Close(ws.StatusPolicyViolation, "wrong role for endpoint")
		return nil
	}

	session, err := h.gw.Authenticate(msg.Token, msg.Role, msg.Tenant)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket authentication rejected")
		_ = wc.writeJSON(ctx, nack("", errAuthentication("authentication failed")))
		wc.conn.Close(ws.StatusPolicyViolation, "authentication failed")
		return nil
	}

	h.gw.SetCloser(session.ID, func() {
		wc.conn.Close(ws.StatusPolicyViolation, "heartbeat timeout")
	})

	okMsg := authOK{
		Type:              "auth_ok",
		SessionID:         session.ID,
		HeartbeatInterval: int(h.gw.cfg.HeartbeatInterval.Seconds()),
	}
	if err := wc.writeJSON(ctx, okMsg); err != nil {
		h.gw.Disconnect(session.ID)
		wc.conn.Close(ws.StatusInternalError, "write failed")
		return nil
	}
	return session
}

// HandleControl serves operator connections: every subsequent frame is
// a command envelope, answered with an ACK or NACK.
func (h *WSHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	wc := &wsConn{conn: conn}
	defer conn.Close(ws.StatusInternalError, "server error")

	ctx := r.Context()
	session := h.handshake(ctx, wc, auth.RoleOperator)
	if session == nil {
		return
	}
	defer h.gw.Disconnect(session.ID)

	h.logger.Debug().Str("session", session.ID).Msg("operator connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) == ws.StatusNormalClosure {
				conn.Close(ws.StatusNormalClosure, "bye")
				return
			}
			h.logger.Debug().Err(err).Str("session", session.ID).Msg("websocket read error")
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = wc.writeJSON(ctx, nack("", errValidation("envelope", "malformed JSON")))
			continue
		}

		// Submit blocks for queue drain and display acknowledgment, so
		// each command gets its own goroutine; ordering of effects is
		// still the worker's dequeue order.
		go func(env Envelope) {
			resp := h.gw.Submit(ctx, session.ID, env)
			if err := wc.writeJSON(ctx, resp); err != nil {
				h.logger.Debug().Err(err).Str("session", session.ID).Msg("response write failed")
			}
		}(env)
	}
}

// HandleDisplay serves display connections: the gateway pushes
// instructions out, the display pushes applied-state and track-ended
// notices back.
func (h *WSHandler) HandleDisplay(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	wc := &wsConn{conn: conn}
	defer conn.Close(ws.StatusInternalError, "server error")

	ctx := r.Context()
	session := h.handshake(ctx, wc, auth.RoleDisplay)
	if session == nil {
		return
	}
	defer h.gw.Disconnect(session.ID)

	if err := h.gw.AttachDisplay(session, wc); err != nil {
		h.logger.Error().Err(err).Msg("display attach failed")
		conn.Close(ws.StatusPolicyViolation, "attach failed")
		return
	}

	h.logger.Debug().Str("session", session.ID).Str("tenant", session.Tenant).
		Msg("display connected")

	// A display that just connected needs the current state.
	h.gw.SendCurrentState(session.Tenant, wc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) == ws.StatusNormalClosure {
				conn.Close(ws.StatusNormalClosure, "bye")
				return
			}
			h.logger.Debug().Err(err).Str("session", session.ID).Msg("websocket read error")
			return
		}

		var notice displayNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			h.logger.Warn().Str("session", session.ID).Msg("malformed display notice")
			continue
		}

		switch notice.Type {
		case "applied_state":
			h.gw.HandleDisplayAck(session.ID, notice.CommandID, notice.State)
		case "track_ended":
			h.gw.HandleTrackEnded(ctx, session.ID)
		case "heartbeat":
			session.Touch()
		default:
			h.logger.Warn().Str("session", session.ID).Str("type", notice.Type).
				Msg("unknown display notice")
		}
	}
}
