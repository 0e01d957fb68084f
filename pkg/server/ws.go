package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dotsetgreg/roleplay/pkg/logger"
)

const wsWriteTimeout = 10 * time.Second

type wsRequest struct {
	Message string `json:"message"`
}

type wsFrame struct {
	Type string `json:"type"` // reply | error
	chatResponse
}

// handleWebSocket runs a conversation over one connection. Each text frame
// carries {"message": "..."}; each answer is a JSON frame. The connection is
// closed once the conversation ends.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCF("server", "WebSocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	role := c.Query("role")
	sessionID := c.Query("session_id")
	ctx := c.Request.Context()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugCF("server", "WebSocket read failed", map[string]any{"error": err.Error()})
			}
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			if !s.writeFrame(conn, wsFrame{Type: "error", chatResponse: chatResponse{SessionID: sessionID, Error: "message is required"}}) {
				return
			}
			continue
		}

		reply, err := s.convs.Chat(ctx, sessionID, role, req.Message)
		if reply.SessionID != "" {
			sessionID = reply.SessionID
		}
		if err != nil {
			frame := wsFrame{Type: "error", chatResponse: chatResponse{SessionID: sessionID, Role: reply.Persona, Error: err.Error()}}
			if !s.writeFrame(conn, frame) {
				return
			}
			continue
		}

		if !s.writeFrame(conn, wsFrame{Type: "reply", chatResponse: toChatResponse(reply)}) {
			return
		}
		if reply.Ended {
			closeConn(conn)
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame wsFrame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		logger.DebugCF("server", "WebSocket write failed", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation ended")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
