package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"garame-service/internal/middleware"
	"garame-service/internal/notify"
	"garame-service/internal/service/game"
	"garame-service/internal/service/session"
	pkgAuth "garame-service/pkg/auth"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/logger"
	"garame-service/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	hub      *notify.Hub
	sessions *session.Coordinator
}

func NewHandler(hub *notify.Hub, sessions *session.Coordinator) *Handler {
	return &Handler{hub: hub, sessions: sessions}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

func (h *Handler) HandleSessionWS(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("sessionId"))
	if sessionID == "" {
		response.Error(c, http.StatusBadRequest, "invalid session id")
		return
	}

	token, err := getTokenFromRequest(c)
	if err != nil {
		response.Fail(c, err)
		return
	}
	claims, err := pkgAuth.ParseUserToken(token)
	if err != nil {
		response.Fail(c, fmt.Errorf("%w: invalid token", appErr.ErrUnauthenticated))
		return
	}
	userID := claims.SubjectID

	if !h.sessions.IsParticipant(c.Request.Context(), sessionID, userID) {
		response.Fail(c, fmt.Errorf("%w: session access denied", appErr.ErrUnauthorized))
		return
	}
	snapshot, err := h.sessions.GetSnapshot(c.Request.Context(), sessionID)
	if err != nil {
		response.Fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	logger.Log.Info("New WebSocket connection",
		zap.String("sessionID", sessionID),
		zap.Int64("userID", userID),
	)

	client := newClient(conn, userID, sessionID, h)
	// the hub replays its latest event; recovered sessions have none yet
	client.replies <- outgoing{Type: string(notify.EventState), Data: snapshot.ViewFor(userID)}
	client.run()
}

// getTokenFromRequest accepts ?token= since browsers cannot set headers on a websocket upgrade.
func getTokenFromRequest(c *gin.Context) (string, error) {
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token, nil
	}
	return middleware.BearerToken(c.GetHeader("Authorization"))
}

const moveTimeout = 10 * time.Second

type outgoing struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// incomingMove is what a client sends to play.
type incomingMove struct {
	Type           game.MoveType `json:"type"`
	CardID         string        `json:"cardId"`
	Timestamp      int64         `json:"timestamp"`
	ReactionTimeMs int64         `json:"reactionTimeMs"`
}

type client struct {
	conn      *websocket.Conn
	userID    int64
	sessionID string
	h         *Handler
	outbound  chan notify.Event
	replies   chan outgoing
	done      chan struct{}
	pingEvery time.Duration
}

func newClient(conn *websocket.Conn, userID int64, sessionID string, h *Handler) *client {
	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	return &client{
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		h:         h,
		outbound:  h.hub.Subscribe(sessionID, userID),
		replies:   make(chan outgoing, 8),
		done:      make(chan struct{}),
		pingEvery: 25 * time.Second,
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		close(c.done)
		c.h.hub.Unsubscribe(c.sessionID, c.userID, c.outbound)
		c.conn.Close()
	}()

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			logger.Log.Info("WS read error", zap.Error(err), zap.Int64("userID", c.userID), zap.String("sessionID", c.sessionID))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var in incomingMove
		// AUTO_FORFEIT is reserved for server turn timers
		if err := json.Unmarshal(message, &in); err != nil || (in.Type != game.MovePlayCard && in.Type != game.MoveFold) {
			c.reply(outgoing{Type: "error", Data: gin.H{"code": appErr.CodeInvalidAction, "message": "invalid payload"}})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), moveTimeout)
		_, err = c.h.sessions.ApplyMove(ctx, c.sessionID, c.userID, session.MoveRequest{
			Type:         in.Type,
			CardID:       in.CardID,
			Timestamp:    in.Timestamp,
			ReactionTime: time.Duration(in.ReactionTimeMs) * time.Millisecond,
		})
		cancel()
		if err != nil {
			c.reply(outgoing{Type: "error", Data: gin.H{
				"kind":    appErr.KindOf(err),
				"code":    appErr.CodeOf(err),
				"message": err.Error(),
			}})
		}
	}
}

func (c *client) reply(msg outgoing) {
	select {
	case c.replies <- msg:
	default:
		logger.Log.Warn("WS reply dropped", zap.Int64("userID", c.userID), zap.String("sessionID", c.sessionID))
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Log.Info("WS write error", zap.Error(err), zap.Int64("userID", c.userID), zap.String("sessionID", c.sessionID))
				return
			}
			if ev.Terminal() {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)),
					time.Now().Add(time.Second))
				return
			}
		case msg := <-c.replies:
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Log.Info("WS write error", zap.Error(err), zap.Int64("userID", c.userID), zap.String("sessionID", c.sessionID))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
