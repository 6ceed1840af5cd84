package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteDeadline = 30 * time.Second

// handleChatStream runs one completion per websocket connection: the client
// sends a single chat request, deltas come back as JSON frames, the final
// frame carries done=true.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.wsError(conn, models.WrapError(models.ErrValidation, "invalid chat request", err))
		return
	}
	if len(req.Messages) == 0 {
		s.wsError(conn, models.NewError(models.ErrValidation, "messages are required"))
		return
	}

	err = s.deps.LLM.Stream(r.Context(), req.toCompletion(), func(delta models.StreamDelta) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		return conn.WriteJSON(delta)
	})
	if err != nil {
		s.wsError(conn, err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) wsError(conn *websocket.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	conn.WriteJSON(errorResponse{Error: err.Error(), Kind: string(models.KindOf(err))})
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
}
