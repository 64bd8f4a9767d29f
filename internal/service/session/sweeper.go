package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"garame-service/internal/service/ledger"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/logger"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Start reloads sessions whose funds are still locked and launches the idle sweeper.
func (c *Coordinator) Start(ctx context.Context) error {
	var startErr error
	c.startOnce.Do(func() {
		if startErr = c.recover(ctx); startErr != nil {
			return
		}
		if c.cfg.SweepInterval > 0 {
			c.wg.Add(1)
			go c.runSweeper(ctx)
		}
	})
	return startErr
}

// Close stops the sweeper and waits for it. Registered sessions stay locked in the store.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.mu.RLock()
		live := make([]*Session, 0, len(c.sessions))
		for _, sess := range c.sessions {
			live = append(live, sess)
		}
		c.mu.RUnlock()
		for _, sess := range live {
			sess.mu.Lock()
			sess.stopTurnTimer()
			sess.mu.Unlock()
		}
	})
	c.wg.Wait()
}

func (c *Coordinator) recover(ctx context.Context) error {
	rows, err := c.store.LoadLocked(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		sess, err := sessionFromRow(row)
		if errors.Is(err, errNoState) {
			// crashed between lock and deal
			c.refundUndealt(ctx, row.ID)
			continue
		}
		if err != nil {
			return err
		}
		c.register(row.ID, sess)
		sess.mu.Lock()
		c.armTurnTimerLocked(sess)
		sess.mu.Unlock()
	}
	logger.Log.Info("sessions recovered", zap.Int("count", len(rows)))
	return nil
}

func (c *Coordinator) refundUndealt(ctx context.Context, sessionID string) bool {
	txCtx, err := c.deps.Ledger.LoadContext(ctx, sessionID)
	if err == nil {
		_, err = c.deps.Ledger.Refund(ctx, txCtx, ReasonRecoveryNoState)
	}
	if err != nil {
		logger.Log.Error("undealt session refund failed", zap.String("sessionID", sessionID), zap.Error(err))
		return false
	}
	return true
}

func (c *Coordinator) runSweeper(ctx context.Context) {
	defer c.wg.Done()
	logger.Log.Info("idle sweeper started", zap.Duration("interval", c.cfg.SweepInterval))

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("idle sweeper stopped")
			return
		case <-c.stop:
			logger.Log.Info("idle sweeper stopped")
			return
		case <-ticker.C:
			if ids := c.SweepIdleSessions(ctx, c.cfg.IdleTimeout); len(ids) > 0 {
				logger.Log.Info("idle sessions swept", zap.Strings("sessionIDs", ids))
			}
			if c.deps.Throttle != nil {
				c.deps.Throttle.Prune(c.now())
			}
		}
	}
}

// SweepIdleSessions force-cancels sessions whose stored activity is older than maxIdle and returns their ids.
// Candidates come from the store, so sessions driven by another process are judged by their real activity.
// A session that already finished but failed to settle is settled instead of refunded.
func (c *Coordinator) SweepIdleSessions(ctx context.Context, maxIdle time.Duration) []string {
	now := c.now()
	c.mu.RLock()
	registered := make(map[string]*Session, len(c.sessions))
	for id, sess := range c.sessions {
		registered[id] = sess
	}
	c.mu.RUnlock()

	rows, err := c.store.LoadLocked(ctx)
	if err != nil {
		logger.Log.Error("idle sweep could not load sessions", zap.Error(err))
		return nil
	}
	locked := make(map[string]struct{}, len(rows))
	var idle []string
	for _, row := range rows {
		locked[row.ID] = struct{}{}
		if now.Sub(row.LastActivityAt) > maxIdle {
			idle = append(idle, row.ID)
		}
	}
	// registered before the load and no longer locked: finalized elsewhere
	for id, sess := range registered {
		if _, ok := locked[id]; !ok {
			c.forget(id, sess)
		}
	}

	workers := c.cfg.SweepWorkers
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	var (
		mu    sync.Mutex
		swept []string
	)
	for _, id := range idle {
		p.Go(func() {
			if c.sweepOne(ctx, id, maxIdle) {
				mu.Lock()
				swept = append(swept, id)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	sort.Strings(swept)
	return swept
}

func (c *Coordinator) sweepOne(ctx context.Context, id string, maxIdle time.Duration) bool {
	lease, err := c.acquire(ctx, id)
	if err != nil {
		logger.Log.Warn("sweeper could not lock session", zap.String("sessionID", id), zap.Error(err))
		return false
	}
	defer release(ctx, lease)

	sess, err := c.loadLocked(ctx, id)
	switch {
	case errors.Is(err, errNoState):
		return c.refundUndealt(ctx, id)
	case errors.Is(err, appErr.ErrAlreadyFinalized):
		return false
	case err != nil:
		logger.Log.Warn("sweeper could not load session", zap.String("sessionID", id), zap.Error(err))
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if c.now().Sub(sess.lastActivity) <= maxIdle {
		return false
	}

	if sess.state.Finished() {
		_, err := c.settleLocked(ctx, sess)
		return err == nil
	}
	summary, err := c.cancelLocked(ctx, sess, ReasonIdleTimeout)
	if err != nil {
		logger.Log.Error("idle cancel failed", zap.String("sessionID", id), zap.Error(err))
		return false
	}
	return summary.Status == ledger.RefundStatusRefunded
}
