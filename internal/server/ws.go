package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"crewhub/internal/session"
	"crewhub/internal/store"
)

// closeConversationNotFound is sent when the websocket targets a conversation
// that does not exist.
const closeConversationNotFound = 4004

// handleWebSocket upgrades the connection and hands it to a Session: replay
// first, then the inbound read loop until disconnect.
func (s *Server) handleWebSocket(c *gin.Context) {
	conversationID := c.Param("id")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Writes come from the session's run goroutine and the read loop, so
	// they are serialized here.
	var writeMu sync.Mutex
	send := func(out session.Outbound) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(out); err != nil {
			s.logger.Debug("websocket write failed: %v", err)
		}
	}

	if _, err := s.store.GetConversation(c.Request.Context(), conversationID); err != nil {
		if err == store.ErrNotFound {
			send(session.Outbound{Type: session.OutError, Message: "Conversation not found", Timestamp: time.Now().UTC()})
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeConversationNotFound, "conversation not found"))
			writeMu.Unlock()
			return
		}
		s.logger.Error("load conversation %s: %v", conversationID, err)
		return
	}

	sess := session.New(conversationID, send, s.deps)
	defer sess.Close()

	if err := sess.Replay(c.Request.Context()); err != nil {
		s.logger.Warn("replay for %s failed: %v", conversationID, err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed: %v", err)
			}
			return
		}
		sess.HandleInbound(c.Request.Context(), raw)
	}
}
