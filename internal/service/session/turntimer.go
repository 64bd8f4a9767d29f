package session

import (
	"context"
	"errors"
	"time"

	"garame-service/internal/service/game"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/logger"

	"go.uber.org/zap"
)

// armTurnTimerLocked schedules an auto-forfeit for the player on turn. Caller holds sess.mu.
func (c *Coordinator) armTurnTimerLocked(sess *Session) {
	sess.stopTurnTimer()
	if c.cfg.TurnTimeout <= 0 || sess.state.Finished() {
		return
	}
	id := sess.txCtx.SessionID
	player, version := sess.state.CurrentPlayerID, sess.state.Version
	sess.turnDeadline = c.now().Add(c.cfg.TurnTimeout)
	sess.timer = time.AfterFunc(c.cfg.TurnTimeout, func() {
		c.onTurnTimeout(id, player, version)
	})
}

func (s *Session) stopTurnTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.turnDeadline = time.Time{}
}

func (c *Coordinator) onTurnTimeout(sessionID string, playerID, version int64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LockWait+c.cfg.LockTTL)
	defer cancel()

	logger.Log.Warn("turn timeout auto-forfeit",
		zap.String("sessionID", sessionID),
		zap.Int64("userID", playerID),
		zap.Int64("version", version),
	)
	_, err := c.ApplyMove(ctx, sessionID, playerID, MoveRequest{
		Type:            game.MoveAutoForfeit,
		Timestamp:       c.now().UnixMilli(),
		ExpectedVersion: version,
	})
	switch {
	case err == nil:
	case errors.Is(err, appErr.ErrStaleSession), errors.Is(err, appErr.ErrSessionNotFound),
		errors.Is(err, appErr.ErrAlreadyFinalized):
		// the player moved or the session ended first
	default:
		logger.Log.Error("auto-forfeit failed", zap.String("sessionID", sessionID), zap.Error(err))
	}
}

// TurnDeadline reports when the player on turn will be auto-forfeited.
func (c *Coordinator) TurnDeadline(sessionID string) (time.Time, bool) {
	sess, ok := c.lookup(sessionID)
	if !ok {
		return time.Time{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.turnDeadline, !sess.turnDeadline.IsZero()
}
