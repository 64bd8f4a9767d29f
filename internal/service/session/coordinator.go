package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"garame-service/internal/config"
	"garame-service/internal/lock"
	"garame-service/internal/model"
	"garame-service/internal/notify"
	"garame-service/internal/service/game"
	"garame-service/internal/service/ledger"
	"garame-service/internal/service/throttle"
	"garame-service/internal/service/validator"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/logger"
	"garame-service/pkg/utils/random"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ReasonIdleTimeout        = "idle_timeout"
	ReasonIntegrityViolation = "integrity_violation"
	ReasonDealFailed         = "deal_failed"
	ReasonRecoveryNoState    = "recovery_no_state"
)

// errNoState marks a locked session whose deal never reached the store.
var errNoState = fmt.Errorf("%w: no dealt state", appErr.ErrSessionNotFound)

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Ledger    *ledger.Service
	Engines   game.Registry
	Validator *validator.Validator
	Throttle  *throttle.Throttle
	Locker    lock.Locker
	Sink      notify.Sink
}

// Dealer returns a full deck for engine, in dealing order.
type Dealer func(engine game.Engine) []game.Card

func RandomDealer(r *rand.Rand) Dealer {
	var mu sync.Mutex
	return func(engine game.Engine) []game.Card {
		mu.Lock()
		defer mu.Unlock()
		return game.ShuffledDeck(r)
	}
}

// Session is one registered, funds-locked session.
type Session struct {
	mu           sync.Mutex
	txCtx        ledger.TransactionContext
	state        *game.GameState
	lastActivity time.Time
	seq          int64
	timer        *time.Timer
	turnDeadline time.Time
}

func sessionFromRow(row model.GameSession) (*Session, error) {
	txCtx, err := ledger.ContextFromModel(row)
	if err != nil {
		return nil, err
	}
	state, err := DecodeState(row)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errNoState
	}
	state.Version = row.Version
	return &Session{txCtx: txCtx, state: state, lastActivity: row.LastActivityAt}, nil
}

// snapshotAt returns a copy of the cached state if it is still at version.
func (s *Session) snapshotAt(version int64) *game.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Version != version {
		return nil
	}
	return s.state.Clone()
}

func (s *Session) nextSeq() int64 {
	s.seq++
	return s.seq
}

type StartRequest struct {
	SessionID      string
	RoomID         string
	GameType       string
	BetAmount      int64
	ParticipantIDs []int64
	// CommissionPct nil means the configured default.
	CommissionPct *float64
	RequestedBy   int64
}

type StartResult struct {
	State      *game.GameState
	Lock       *ledger.LockResult
	Settlement *ledger.SettlementSummary
	Errors     []error
}

type MoveRequest struct {
	Type         game.MoveType
	CardID       string
	Timestamp    int64
	ReactionTime time.Duration
	// ExpectedVersion, when set, rejects the move if the state has moved on.
	ExpectedVersion int64
}

// Coordinator owns the registry of active sessions and sequences every operation on them.
type Coordinator struct {
	deps     Deps
	cfg      config.SessionConfig
	settle   config.SettlementConfig
	store    *Store
	dealer   Dealer
	now      func() time.Time
	mu       sync.RWMutex
	sessions map[string]*Session

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(db *gorm.DB, deps Deps, cfg config.SessionConfig, settle config.SettlementConfig) *Coordinator {
	if deps.Sink == nil {
		deps.Sink = notify.Nop{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker(cfg.LockWait)
	}
	return &Coordinator{
		deps:     deps,
		cfg:      cfg,
		settle:   settle,
		store:    NewStore(db),
		dealer:   RandomDealer(random.New()),
		now:      time.Now,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

func (c *Coordinator) SetDealer(d Dealer) { c.dealer = d }

func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) Store() *Store { return c.store }

func (c *Coordinator) IdleTimeout() time.Duration { return c.cfg.IdleTimeout }

func (c *Coordinator) acquire(ctx context.Context, sessionID string) (lock.Lease, error) {
	return c.deps.Locker.Acquire(ctx, lock.SessionKey(sessionID), c.cfg.LockTTL)
}

func release(ctx context.Context, lease lock.Lease) {
	if err := lease.Release(ctx); err != nil {
		logger.Log.Warn("session lock release failed", zap.String("key", lease.Key()), zap.Error(err))
	}
}

func (c *Coordinator) lookup(sessionID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

func (c *Coordinator) register(sessionID string, s *Session) {
	c.mu.Lock()
	c.sessions[sessionID] = s
	c.mu.Unlock()
}

// unregister drops the session and its turn timer. Caller holds the session's mu.
func (c *Coordinator) unregister(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if ok {
		s.stopTurnTimer()
	}
}

// forget drops sess from the registry if it is still the registered entry for sessionID.
func (c *Coordinator) forget(sessionID string, sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	c.mu.Lock()
	current, ok := c.sessions[sessionID]
	if ok && current == sess {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	if ok && current == sess {
		sess.stopTurnTimer()
	}
}

// loadLocked returns the registered session for sessionID, brought in line with its stored row.
// Another process holding the same lock may have moved the game on or finalized it; the row wins.
// Caller holds the session lease.
func (c *Coordinator) loadLocked(ctx context.Context, sessionID string) (*Session, error) {
	row, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, registered := c.lookup(sessionID)
	if row.FundStatus != model.FundLocked {
		if registered {
			c.forget(sessionID, sess)
		}
		return nil, fmt.Errorf("%w: session %s is %s", appErr.ErrAlreadyFinalized, sessionID, row.FundStatus)
	}
	if !registered {
		sess, err = sessionFromRow(*row)
		if err != nil {
			return nil, err
		}
		c.register(sessionID, sess)
		sess.mu.Lock()
		c.armTurnTimerLocked(sess)
		sess.mu.Unlock()
		return sess, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state.Version == row.Version {
		return sess, nil
	}
	fresh, err := sessionFromRow(*row)
	if err != nil {
		return nil, err
	}
	logger.Log.Debug("session reloaded from store",
		zap.String("sessionID", sessionID),
		zap.Int64("cached", sess.state.Version),
		zap.Int64("stored", row.Version),
	)
	sess.state = fresh.state
	sess.lastActivity = fresh.lastActivity
	c.armTurnTimerLocked(sess)
	return sess, nil
}

func (c *Coordinator) publish(s *Session, ev notify.Event) {
	ev.SessionID = s.txCtx.SessionID
	ev.Seq = s.nextSeq()
	ev.At = c.now()
	c.deps.Sink.Notify(ev.SessionID, ev)
}

func (c *Coordinator) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.GameType == "" {
		req.GameType = game.GameTypeGarame
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	engine, err := c.deps.Engines.Lookup(req.GameType)
	if err != nil {
		return nil, err
	}
	if n := len(req.ParticipantIDs); n < game.MinPlayers || (c.cfg.MaxPlayers > 0 && n > c.cfg.MaxPlayers) {
		return nil, fmt.Errorf("%w: %d participants", appErr.ErrInvalidSessionParams, n)
	}
	pct := c.settle.DefaultCommissionPct
	if req.CommissionPct != nil {
		pct = *req.CommissionPct
	}
	txCtx, err := ledger.NewTransactionContext(req.SessionID, req.RoomID, req.GameType, req.BetAmount, req.ParticipantIDs, pct)
	if err != nil {
		return nil, err
	}

	if req.RequestedBy != 0 && c.deps.Throttle != nil {
		res := c.deps.Throttle.Check(req.RequestedBy, throttle.ActionCreateSession, c.now(), throttle.Meta{})
		if err := res.Err(); err != nil {
			return nil, err
		}
	}

	lease, err := c.acquire(ctx, txCtx.SessionID)
	if err != nil {
		return nil, err
	}
	defer release(ctx, lease)

	if _, ok := c.lookup(txCtx.SessionID); ok {
		return nil, fmt.Errorf("%w: %s", appErr.ErrSessionExists, txCtx.SessionID)
	}

	lockRes, err := c.deps.Ledger.LockFunds(ctx, txCtx)
	if err != nil {
		if lockRes != nil {
			return &StartResult{Lock: lockRes, Errors: lockRes.Errors}, err
		}
		return nil, err
	}

	now := c.now()
	seats := make([]game.Seat, 0, len(txCtx.ParticipantIDs))
	for i, id := range txCtx.ParticipantIDs {
		seats = append(seats, game.Seat{PlayerID: id, Position: i + 1})
	}
	state, err := engine.NewGame(txCtx.SessionID, seats, c.dealer(engine), now)
	if err == nil {
		state.Pot = txCtx.TotalPot
		err = c.store.SaveState(ctx, state, 0, now)
	}
	if err != nil {
		_, refundErr := c.deps.Ledger.Refund(ctx, txCtx, ReasonDealFailed)
		return &StartResult{Lock: lockRes}, multierr.Append(err, refundErr)
	}

	sess := &Session{txCtx: txCtx, state: state, lastActivity: now}
	c.register(txCtx.SessionID, sess)
	logger.Log.Info("session started",
		zap.String("sessionID", txCtx.SessionID),
		zap.String("gameType", txCtx.GameType),
		zap.Int64("pot", txCtx.TotalPot),
		zap.Int64s("participants", txCtx.ParticipantIDs),
	)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	c.publish(sess, notify.Event{Type: notify.EventSessionStarted, State: state})
	result := &StartResult{State: state.Clone(), Lock: lockRes}

	if state.Finished() {
		summary, err := c.settleLocked(ctx, sess)
		if err != nil {
			return result, err
		}
		result.Settlement = summary
		return result, nil
	}
	c.armTurnTimerLocked(sess)
	return result, nil
}

func throttleKind(t game.MoveType) throttle.ActionKind {
	if t == game.MovePlayCard {
		return throttle.ActionPlayCard
	}
	return throttle.ActionFold
}

// ApplyMove runs throttle, validator and rules engine in that order, then persists and settles.
func (c *Coordinator) ApplyMove(ctx context.Context, sessionID string, playerID int64, req MoveRequest) (*game.GameState, error) {
	now := c.now()

	// forfeits come from a server-side turn timer, not from the client
	if req.Type != game.MoveAutoForfeit && c.deps.Throttle != nil {
		res := c.deps.Throttle.Check(playerID, throttleKind(req.Type), now, throttle.Meta{ReactionTime: req.ReactionTime})
		if err := res.Err(); err != nil {
			logger.Log.Warn("move throttled",
				zap.String("sessionID", sessionID),
				zap.Int64("userID", playerID),
				zap.Error(err),
			)
			return nil, err
		}
	}

	lease, err := c.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release(ctx, lease)

	sess, err := c.loadLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	current := sess.state
	if req.ExpectedVersion != 0 && req.ExpectedVersion != current.Version {
		return nil, appErr.Concurrency(appErr.CodeStaleVersion,
			fmt.Sprintf("session %s is at version %d, not %d", sessionID, current.Version, req.ExpectedVersion))
	}
	engine, err := c.deps.Engines.Lookup(current.GameType)
	if err != nil {
		return nil, err
	}
	move := game.Move{
		PlayerID:  playerID,
		Type:      req.Type,
		CardID:    req.CardID,
		Timestamp: req.Timestamp,
		At:        now,
	}

	if err := c.deps.Validator.Validate(current, playerID, move, now); err != nil {
		if appErr.KindOf(err) == appErr.KindIntegrity {
			return nil, c.forceCancelLocked(ctx, sess, err)
		}
		logger.Log.Info("move rejected",
			zap.String("sessionID", sessionID),
			zap.Int64("userID", playerID),
			zap.String("code", string(appErr.CodeOf(err))),
		)
		return nil, err
	}

	next, err := engine.Apply(current, move)
	if err != nil {
		return nil, err
	}
	if err := validator.CheckIntegrity(next, engine.DeckSize()); err != nil {
		return nil, c.forceCancelLocked(ctx, sess, err)
	}
	if err := c.store.SaveState(ctx, next, current.Version, now); err != nil {
		return nil, err
	}
	sess.state = next
	sess.lastActivity = now

	if next.Finished() {
		if _, err := c.settleLocked(ctx, sess); err != nil {
			return next.Clone(), err
		}
		return next.Clone(), nil
	}
	c.armTurnTimerLocked(sess)
	c.publish(sess, notify.Event{Type: notify.EventState, State: next})
	return next.Clone(), nil
}

// settleLocked pays out a finished session. Caller holds the session lease and sess.mu.
func (c *Coordinator) settleLocked(ctx context.Context, sess *Session) (*ledger.SettlementSummary, error) {
	id := sess.txCtx.SessionID
	summary, err := c.deps.Ledger.Settle(ctx, sess.txCtx, sess.state)
	if errors.Is(err, appErr.ErrAlreadyFinalized) {
		c.unregister(id)
		return nil, err
	}
	if err != nil {
		// the session stays registered; the sweeper retries the settlement
		logger.Log.Error("settlement failed", zap.String("sessionID", id), zap.Error(err))
		return nil, err
	}
	c.unregister(id)
	c.publish(sess, notify.Event{Type: notify.EventSessionSettled, State: sess.state, Settlement: summary})
	return summary, nil
}

// forceCancelLocked refunds a corrupted session and records an incident. It returns cause.
func (c *Coordinator) forceCancelLocked(ctx context.Context, sess *Session, cause error) error {
	id := sess.txCtx.SessionID
	logger.Log.Error("integrity violation, cancelling session",
		zap.String("sessionID", id),
		zap.Error(cause),
	)
	summary, refundErr := c.deps.Ledger.Refund(ctx, sess.txCtx, ReasonIntegrityViolation)
	incidentErr := c.store.RecordIncident(ctx, id, cause, map[string]interface{}{
		"turn":    sess.state.Turn,
		"version": sess.state.Version,
	})
	if err := multierr.Combine(refundErr, incidentErr); err != nil {
		logger.Log.Error("forced cancellation incomplete", zap.String("sessionID", id), zap.Error(err))
		return multierr.Append(cause, err)
	}
	c.unregister(id)
	c.publish(sess, notify.Event{Type: notify.EventSessionCancelled, Refund: summary, Reason: ReasonIntegrityViolation})
	return cause
}

// CancelSession refunds a session regardless of its phase. Calling it again reports ALREADY_FINALIZED.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID, reason string) (*ledger.RefundSummary, error) {
	lease, err := c.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release(ctx, lease)

	sess, err := c.loadLocked(ctx, sessionID)
	if err == nil {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return c.cancelLocked(ctx, sess, reason)
	}
	if !errors.Is(err, appErr.ErrAlreadyFinalized) && !errors.Is(err, errNoState) {
		return nil, err
	}

	// the ledger reports ALREADY_FINALIZED, or refunds a session that was never dealt
	txCtx, err := c.deps.Ledger.LoadContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.deps.Ledger.Refund(ctx, txCtx, reason)
}

// Withdraw lets a participant call a session off before any move has been applied.
func (c *Coordinator) Withdraw(ctx context.Context, sessionID string, userID int64, reason string) (*ledger.RefundSummary, error) {
	lease, err := c.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release(ctx, lease)

	sess, err := c.loadLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.txCtx.HasParticipant(userID) {
		return nil, appErr.ErrUnauthorized
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state.Turn > 0 {
		return nil, fmt.Errorf("%w: turn %d", appErr.ErrSessionInPlay, sess.state.Turn)
	}
	if reason == "" {
		reason = fmt.Sprintf("withdrawn_by_%d", userID)
	}
	return c.cancelLocked(ctx, sess, reason)
}

func (c *Coordinator) cancelLocked(ctx context.Context, sess *Session, reason string) (*ledger.RefundSummary, error) {
	summary, err := c.deps.Ledger.Refund(ctx, sess.txCtx, reason)
	if err != nil {
		return nil, err
	}
	c.unregister(sess.txCtx.SessionID)
	if summary.Status == ledger.RefundStatusRefunded {
		c.publish(sess, notify.Event{Type: notify.EventSessionCancelled, Refund: summary, Reason: reason})
	}
	return summary, nil
}

// GetSnapshot returns a copy of the stored state, served from the registry while it is current.
// Settled and cancelled sessions return their terminal state.
func (c *Coordinator) GetSnapshot(ctx context.Context, sessionID string) (*game.GameState, error) {
	row, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess, ok := c.lookup(sessionID); ok && row.FundStatus == model.FundLocked {
		if state := sess.snapshotAt(row.Version); state != nil {
			return state, nil
		}
	}
	state, err := DecodeState(*row)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, appErr.ErrSessionNotFound
	}
	state.Version = row.Version
	return state, nil
}

// ActiveSessions lists registered session ids in sorted order.
func (c *Coordinator) ActiveSessions() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IsParticipant reports whether userID is seated in the session, registered here or not.
func (c *Coordinator) IsParticipant(ctx context.Context, sessionID string, userID int64) bool {
	if sess, ok := c.lookup(sessionID); ok {
		return sess.txCtx.HasParticipant(userID)
	}
	txCtx, err := c.deps.Ledger.LoadContext(ctx, sessionID)
	if err != nil {
		return false
	}
	return txCtx.HasParticipant(userID)
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
