package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"garame-service/internal/middleware"
	"garame-service/internal/service"
	"garame-service/internal/service/game"
	"garame-service/internal/service/session"
	walletsvc "garame-service/internal/service/wallet"
	"garame-service/internal/ws"
	"garame-service/pkg/response"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	services *service.Container
}

func RegisterRoutes(r *gin.Engine, services *service.Container) {
	handler := &Handler{services: services}
	wsHandler := ws.NewHandler(services.Hub, services.Session)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})

	v1 := r.Group("/garame/v1")
	v1.Use(middleware.AuthRequired())
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handler.StartSession)
			sessions.GET("/:id", handler.GetSession)
			sessions.POST("/:id/moves", handler.ApplyMove)
			sessions.POST("/:id/cancel", handler.WithdrawSession)
		}

		v1.GET("/wallet", handler.GetWallet)
		v1.GET("/wallet/billing", handler.ListBilling)
	}

	adminGroup := r.Group("/admin")
	adminGroup.Use(middleware.AdminAuthRequired())
	{
		adminGroup.PUT("/users/:id/wallet", handler.AdminSetUserWallet)
		adminGroup.GET("/users/:id/throttle", handler.AdminGetThrottle)
		adminGroup.DELETE("/users/:id/throttle", handler.AdminResetThrottle)

		adminGroup.GET("/sessions", handler.AdminListSessions)
		adminGroup.POST("/sessions/sweep", handler.AdminSweepSessions)
		adminGroup.POST("/sessions/:id/cancel", handler.AdminCancelSession)
		adminGroup.GET("/sessions/:id/incidents", handler.AdminListIncidents)
	}

	r.GET("/ws/session/:sessionId", wsHandler.HandleSessionWS)
}

type startSessionBody struct {
	SessionID      string   `json:"sessionId"`
	RoomID         string   `json:"roomId"`
	GameType       string   `json:"gameType"`
	BetAmount      int64    `json:"betAmount" binding:"required,min=1"`
	ParticipantIDs []int64  `json:"participantIds" binding:"required,min=2"`
	CommissionPct  *float64 `json:"commissionPct" binding:"omitempty,gte=0,lt=100"`
}

type moveBody struct {
	Type           game.MoveType `json:"type" binding:"required,oneof=PLAY_CARD FOLD"`
	CardID         string        `json:"cardId"`
	Timestamp      int64         `json:"timestamp" binding:"required"`
	ReactionTimeMs int64         `json:"reactionTimeMs" binding:"min=0"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

type sweepBody struct {
	MaxIdleSeconds int `json:"maxIdleSeconds" binding:"min=0"`
}

type adminSetWalletBody struct {
	BalanceAvailable *int64 `json:"balanceAvailable"`
	Reason           string `json:"reason"`
}

func (h *Handler) StartSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body startSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	if !slices.Contains(body.ParticipantIDs, userID) {
		response.Error(c, http.StatusForbidden, "requester must be a participant")
		return
	}

	res, err := h.services.Session.StartSession(c.Request.Context(), session.StartRequest{
		SessionID:      strings.TrimSpace(body.SessionID),
		RoomID:         strings.TrimSpace(body.RoomID),
		GameType:       strings.ToLower(strings.TrimSpace(body.GameType)),
		BetAmount:      body.BetAmount,
		ParticipantIDs: body.ParticipantIDs,
		CommissionPct:  body.CommissionPct,
		RequestedBy:    userID,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"state":      res.State.ViewFor(userID),
		"lock":       res.Lock,
		"settlement": res.Settlement,
	})
}

func (h *Handler) GetSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	state, err := h.services.Session.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	if state.Player(userID) == nil {
		response.Error(c, http.StatusForbidden, "session access denied")
		return
	}
	data := gin.H{"state": state.ViewFor(userID)}
	if deadline, ok := h.services.Session.TurnDeadline(state.SessionID); ok {
		data["turnDeadline"] = deadline
	}
	response.Success(c, data)
}

func (h *Handler) ApplyMove(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body moveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.services.Session.ApplyMove(c.Request.Context(), c.Param("id"), userID, session.MoveRequest{
		Type:         body.Type,
		CardID:       body.CardID,
		Timestamp:    body.Timestamp,
		ReactionTime: time.Duration(body.ReactionTimeMs) * time.Millisecond,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"state": state.ViewFor(userID)})
}

func (h *Handler) WithdrawSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body cancelBody
	_ = c.ShouldBindJSON(&body)

	summary, err := h.services.Session.Withdraw(c.Request.Context(), c.Param("id"), userID, strings.TrimSpace(body.Reason))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"refund": summary})
}

func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	wallet, err := h.services.Wallet.GetWallet(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"wallet": wallet})
}

func (h *Handler) ListBilling(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, err := parsePositiveIntQuery(c, "limit", 50)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.services.Wallet.ListBilling(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"logs": logs})
}

func (h *Handler) AdminSetUserWallet(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		response.Error(c, http.StatusBadRequest, "invalid user id")
		return
	}

	var body adminSetWalletBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	wallet, err := h.services.Wallet.AdminSetWallet(c.Request.Context(), userID, walletsvc.AdminSetWalletRequest{
		BalanceAvailable: body.BalanceAvailable,
		Reason:           strings.TrimSpace(body.Reason),
	})
	if err != nil {
		response.Fail(c, err)
		return
	}

	response.Success(c, gin.H{"wallet": wallet})
}

func (h *Handler) AdminGetThrottle(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		response.Error(c, http.StatusBadRequest, "invalid user id")
		return
	}
	data := gin.H{"patterns": h.services.Throttle.Patterns(userID)}
	if until := h.services.Throttle.SuspendedUntil(userID); !until.IsZero() {
		data["suspendedUntil"] = until
	}
	response.Success(c, data)
}

func (h *Handler) AdminResetThrottle(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		response.Error(c, http.StatusBadRequest, "invalid user id")
		return
	}
	h.services.Throttle.Reset(userID)
	response.SuccessWithMsg(c, gin.H{}, "throttle reset")
}

func (h *Handler) AdminListSessions(c *gin.Context) {
	ids := h.services.Session.ActiveSessions()
	response.Success(c, gin.H{"sessions": ids, "total": len(ids)})
}

func (h *Handler) AdminSweepSessions(c *gin.Context) {
	var body sweepBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	maxIdle := time.Duration(body.MaxIdleSeconds) * time.Second
	if maxIdle <= 0 {
		maxIdle = h.services.Session.IdleTimeout()
	}
	swept := h.services.Session.SweepIdleSessions(c.Request.Context(), maxIdle)
	response.Success(c, gin.H{"swept": swept})
}

func (h *Handler) AdminCancelSession(c *gin.Context) {
	var body cancelBody
	_ = c.ShouldBindJSON(&body)
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "operator_cancel"
	}
	summary, err := h.services.Session.CancelSession(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"refund": summary})
}

func (h *Handler) AdminListIncidents(c *gin.Context) {
	incidents, err := h.services.Session.Store().Incidents(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"incidents": incidents})
}

func parsePositiveIntQuery(c *gin.Context, key string, defaultVal int) (int, error) {
	val := c.Query(key)
	if val == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return parsed, nil
}
