package throttle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"garame-service/internal/config"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/logger"

	"go.uber.org/zap"
)

type ActionKind string

const (
	ActionPlayCard      ActionKind = "play_card"
	ActionFold          ActionKind = "fold"
	ActionCreateSession ActionKind = "create_session"
	ActionJoinSession   ActionKind = "join_session"
	ActionChatMessage   ActionKind = "chat_message"
	ActionWalletOp      ActionKind = "wallet_op"
)

type PatternKind string

const (
	PatternRapidFire       PatternKind = "RAPID_FIRE"
	PatternIdenticalTiming PatternKind = "IDENTICAL_TIMING"
	PatternImpossibleSpeed PatternKind = "IMPOSSIBLE_SPEED"
	PatternBotRegularity   PatternKind = "BOT_REGULARITY"
)

type Severity int

const (
	SeverityLow    Severity = 1
	SeverityMedium Severity = 2
	SeverityHigh   Severity = 3
)

type SuspiciousPattern struct {
	Kind      PatternKind `json:"kind"`
	Severity  Severity    `json:"severity"`
	Timestamp time.Time   `json:"timestamp"`
	Details   string      `json:"details"`
}

// RateLimitEntry is the quota counter for one (user, action kind).
type RateLimitEntry struct {
	Count           int
	WindowResetTime time.Time
	SuspiciousFlag  bool
}

// Meta carries optional client-side measurements.
type Meta struct {
	ReactionTime time.Duration
}

type Result struct {
	Allowed        bool
	Remaining      int
	ResetAt        time.Time
	Suspicious     bool
	Patterns       []SuspiciousPattern
	SuspendedUntil time.Time
}

// Err converts a rejected result into a SuspensionError.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	if !r.SuspendedUntil.IsZero() {
		return &appErr.SuspensionError{Code: appErr.CodeSuspended, Until: r.SuspendedUntil}
	}
	return &appErr.SuspensionError{Code: appErr.CodeRateLimited, Until: r.ResetAt}
}

// HasPattern reports whether kind was detected on this call.
func (r Result) HasPattern(kind PatternKind) bool {
	for _, p := range r.Patterns {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

type entryKey struct {
	userID int64
	kind   ActionKind
}

type userState struct {
	history        []time.Time
	strikes        []time.Time
	recent         []SuspiciousPattern
	suspendedUntil time.Time
}

// Throttle is an in-memory rate limiter and timing-pattern detector.
// Its state is advisory and lost on restart.
type Throttle struct {
	mu      sync.Mutex
	cfg     config.ThrottleConfig
	entries map[entryKey]*RateLimitEntry
	users   map[int64]*userState
	now     func() time.Time
}

func New(cfg config.ThrottleConfig) *Throttle {
	return &Throttle{
		cfg:     cfg,
		entries: make(map[entryKey]*RateLimitEntry),
		users:   make(map[int64]*userState),
		now:     time.Now,
	}
}

// SetClock replaces the clock used when Check is given a zero timestamp.
func (t *Throttle) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Throttle) Check(userID int64, kind ActionKind, ts time.Time, meta Meta) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts.IsZero() {
		ts = t.now()
	}
	limit := t.cfg.Limits[string(kind)]
	u := t.user(userID)

	u.history = append(u.history, ts)
	if size := t.historySize(); len(u.history) > size {
		u.history = u.history[len(u.history)-size:]
	}
	patterns := t.detect(u, limit, ts, meta)
	t.recordStrikes(userID, u, patterns, ts)

	res := Result{Patterns: patterns, Suspicious: len(patterns) > 0}

	if ts.Before(u.suspendedUntil) {
		res.SuspendedUntil = u.suspendedUntil
		res.ResetAt = u.suspendedUntil
		return res
	}

	if limit.Max <= 0 || limit.Window <= 0 {
		res.Allowed = true
		res.Remaining = -1
		return res
	}

	key := entryKey{userID: userID, kind: kind}
	e, ok := t.entries[key]
	if !ok || !ts.Before(e.WindowResetTime) {
		e = &RateLimitEntry{WindowResetTime: ts.Add(limit.Window)}
		t.entries[key] = e
	}
	if res.Suspicious {
		e.SuspiciousFlag = true
	}
	res.ResetAt = e.WindowResetTime
	if e.Count >= limit.Max {
		return res
	}
	e.Count++
	res.Allowed = true
	res.Remaining = limit.Max - e.Count
	return res
}

func (t *Throttle) historySize() int {
	if t.cfg.HistorySize > 0 {
		return t.cfg.HistorySize
	}
	return 32
}

func (t *Throttle) user(id int64) *userState {
	u, ok := t.users[id]
	if !ok {
		u = &userState{}
		t.users[id] = u
	}
	return u
}

func (t *Throttle) detect(u *userState, limit config.ActionLimit, ts time.Time, meta Meta) []SuspiciousPattern {
	var found []SuspiciousPattern
	add := func(kind PatternKind, sev Severity, format string, args ...interface{}) {
		found = append(found, SuspiciousPattern{
			Kind:      kind,
			Severity:  sev,
			Timestamp: ts,
			Details:   fmt.Sprintf(format, args...),
		})
	}

	if t.cfg.RapidFireCount > 0 && t.cfg.RapidFireWindow > 0 {
		n := 0
		for _, h := range u.history {
			if ts.Sub(h) < t.cfg.RapidFireWindow && !h.After(ts) {
				n++
			}
		}
		if n > t.cfg.RapidFireCount {
			add(PatternRapidFire, SeverityMedium, "%d actions within %s", n, t.cfg.RapidFireWindow)
		}
	}

	if limit.MinReaction > 0 && meta.ReactionTime > 0 && meta.ReactionTime < limit.MinReaction {
		add(PatternImpossibleSpeed, SeverityHigh, "reaction %s below %s", meta.ReactionTime, limit.MinReaction)
	}

	if n := t.cfg.IdenticalSamples; n > 0 {
		if iv := intervals(u.history, n); iv != nil {
			lo, hi := iv[0], iv[0]
			for _, d := range iv[1:] {
				lo = min(lo, d)
				hi = max(hi, d)
			}
			if hi-lo <= t.cfg.IdenticalTolerance {
				add(PatternIdenticalTiming, SeverityMedium, "%d intervals within %s", n, hi-lo)
			}
		}
	}

	if n := t.cfg.RegularitySamples; n > 1 && t.cfg.RegularityThreshold > 0 {
		if iv := intervals(u.history, n); iv != nil {
			if score, ok := regularity(iv); ok && score >= t.cfg.RegularityThreshold {
				add(PatternBotRegularity, SeverityHigh, "regularity %.3f over %d intervals", score, n)
			}
		}
	}
	return found
}

// intervals returns the last n gaps between consecutive actions, or nil if there are not enough.
func intervals(history []time.Time, n int) []time.Duration {
	if len(history) < n+1 {
		return nil
	}
	tail := history[len(history)-n-1:]
	out := make([]time.Duration, n)
	for i := 1; i < len(tail); i++ {
		out[i-1] = tail[i].Sub(tail[i-1])
	}
	return out
}

// regularity is 1 minus the coefficient of variation of the intervals.
func regularity(iv []time.Duration) (float64, bool) {
	var sum float64
	for _, d := range iv {
		sum += float64(d)
	}
	mean := sum / float64(len(iv))
	if mean <= 0 {
		return 0, false
	}
	var sq float64
	for _, d := range iv {
		diff := float64(d) - mean
		sq += diff * diff
	}
	cv := math.Sqrt(sq/float64(len(iv))) / mean
	return 1 - cv, true
}

func (t *Throttle) recordStrikes(userID int64, u *userState, patterns []SuspiciousPattern, ts time.Time) {
	for _, p := range patterns {
		u.recent = append(u.recent, p)
		logger.Log.Warn("suspicious action pattern",
			zap.Int64("userID", userID),
			zap.String("pattern", string(p.Kind)),
			zap.Int("severity", int(p.Severity)),
			zap.String("details", p.Details),
		)
		if p.Severity >= SeverityHigh {
			u.strikes = append(u.strikes, ts)
		}
	}
	if size := t.historySize(); len(u.recent) > size {
		u.recent = u.recent[len(u.recent)-size:]
	}

	cutoff := ts.Add(-t.cfg.SuspensionWindow)
	kept := u.strikes[:0]
	for _, s := range u.strikes {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	u.strikes = kept

	if t.cfg.SuspendAfter > 0 && len(u.strikes) >= t.cfg.SuspendAfter && !ts.Before(u.suspendedUntil) {
		u.suspendedUntil = ts.Add(t.cfg.SuspensionCooldown)
		u.strikes = nil
		logger.Log.Warn("user suspended",
			zap.Int64("userID", userID),
			zap.Time("until", u.suspendedUntil),
		)
	}
}

// Patterns returns the most recent detections for a user.
func (t *Throttle) Patterns(userID int64) []SuspiciousPattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		return nil
	}
	return append([]SuspiciousPattern(nil), u.recent...)
}

// Entry returns a copy of the quota counter for (userID, kind).
func (t *Throttle) Entry(userID int64, kind ActionKind) (RateLimitEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[entryKey{userID: userID, kind: kind}]
	if !ok {
		return RateLimitEntry{}, false
	}
	return *e, true
}

func (t *Throttle) SuspendedUntil(userID int64) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[userID]; ok {
		return u.suspendedUntil
	}
	return time.Time{}
}

// Reset forgets everything about a user, including a suspension.
func (t *Throttle) Reset(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, userID)
	for k := range t.entries {
		if k.userID == userID {
			delete(t.entries, k)
		}
	}
}

// Prune drops expired quota windows and idle users. Returns the number of users dropped.
func (t *Throttle) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if !now.Before(e.WindowResetTime) {
			delete(t.entries, k)
		}
	}
	idle := max(t.cfg.SuspensionWindow, t.cfg.RapidFireWindow)
	dropped := 0
	for id, u := range t.users {
		if now.Before(u.suspendedUntil) {
			continue
		}
		if n := len(u.history); n > 0 && now.Sub(u.history[n-1]) < idle {
			continue
		}
		delete(t.users, id)
		dropped++
	}
	return dropped
}
