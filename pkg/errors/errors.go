package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidWalletPayload = errors.New("invalid wallet payload")

	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrInvalidSessionParams = errors.New("invalid session params")
	ErrUnknownGameType      = errors.New("unknown game type")
	ErrSessionNotFinished   = errors.New("session not finished")
	ErrSettlementValidation = errors.New("settlement validation failed")
	ErrSessionInPlay        = errors.New("session already in play")
)

// Kind groups errors for callers that render or retry them.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindFund        Kind = "fund"
	KindIntegrity   Kind = "integrity"
	KindConcurrency Kind = "concurrency"
	KindSuspension  Kind = "suspension"
	KindFinalized   Kind = "finalized"
	KindUnknown     Kind = "unknown"
)

type Code string

const (
	CodeInvalidAction     Code = "INVALID_ACTION"
	CodeStaleAction       Code = "STALE_ACTION"
	CodeSuspiciousTiming  Code = "SUSPICIOUS_TIMING"
	CodePlayerNotFound    Code = "PLAYER_NOT_FOUND"
	CodePlayerFolded      Code = "PLAYER_FOLDED"
	CodeNotPlayerTurn     Code = "NOT_PLAYER_TURN"
	CodeCardNotOwned      Code = "CARD_NOT_OWNED"
	CodeInvalidCardFormat Code = "INVALID_CARD_FORMAT"
	CodeInvalidGameCard   Code = "INVALID_GARAME_CARD"
	CodeMustFollowSuit    Code = "MUST_FOLLOW_SUIT"
	CodeAlreadyFinished   Code = "ALREADY_FINISHED"

	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeLockConflict        Code = "LOCK_CONFLICT"

	CodeCardCountMismatch Code = "CARD_COUNT_MISMATCH"
	CodeDuplicateCards    Code = "DUPLICATE_CARDS"

	CodeLockTimeout  Code = "LOCK_TIMEOUT"
	CodeStaleVersion Code = "STALE_VERSION"
	CodeTxConflict   Code = "TX_CONFLICT"

	CodeSuspended   Code = "SUSPENDED"
	CodeRateLimited Code = "RATE_LIMITED"

	CodeAlreadyFinalized Code = "ALREADY_FINALIZED"
)

// ValidationError rejects a move without touching state.
type ValidationError struct {
	Code   Code
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

// FundError reports a per-participant failure while locking stakes.
type FundError struct {
	Code   Code
	UserID int64
	Detail string
}

func (e *FundError) Error() string {
	msg := fmt.Sprintf("%s (user %d)", e.Code, e.UserID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *FundError) Is(target error) bool {
	t, ok := target.(*FundError)
	return ok && t.Code == e.Code
}

// IntegrityError means the game state is corrupt and the session must be cancelled.
type IntegrityError struct {
	Code   Code
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation %s: %s", e.Code, e.Detail)
}

func (e *IntegrityError) Is(target error) bool {
	t, ok := target.(*IntegrityError)
	return ok && t.Code == e.Code
}

// ConcurrencyError is returned when nothing was mutated and the whole operation may be retried.
type ConcurrencyError struct {
	Code   Code
	Detail string
}

func (e *ConcurrencyError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *ConcurrencyError) Is(target error) bool {
	t, ok := target.(*ConcurrencyError)
	return ok && t.Code == e.Code
}

// SuspensionError carries the abuse throttle decision back to the caller.
type SuspensionError struct {
	Code  Code
	Until time.Time
}

func (e *SuspensionError) Error() string {
	if e.Until.IsZero() {
		return string(e.Code)
	}
	return fmt.Sprintf("%s until %s", e.Code, e.Until.Format(time.RFC3339))
}

func (e *SuspensionError) Is(target error) bool {
	t, ok := target.(*SuspensionError)
	return ok && t.Code == e.Code
}

// Comparison targets for errors.Is.
var (
	ErrInvalidAction     = &ValidationError{Code: CodeInvalidAction}
	ErrStaleAction       = &ValidationError{Code: CodeStaleAction}
	ErrSuspiciousTiming  = &ValidationError{Code: CodeSuspiciousTiming}
	ErrPlayerNotFound    = &ValidationError{Code: CodePlayerNotFound}
	ErrPlayerFolded      = &ValidationError{Code: CodePlayerFolded}
	ErrNotPlayerTurn     = &ValidationError{Code: CodeNotPlayerTurn}
	ErrCardNotOwned      = &ValidationError{Code: CodeCardNotOwned}
	ErrInvalidCardFormat = &ValidationError{Code: CodeInvalidCardFormat}
	ErrInvalidGameCard   = &ValidationError{Code: CodeInvalidGameCard}
	ErrMustFollowSuit    = &ValidationError{Code: CodeMustFollowSuit}
	ErrAlreadyFinished   = &ValidationError{Code: CodeAlreadyFinished}

	ErrInsufficientBalance = &FundError{Code: CodeInsufficientBalance}
	ErrLockConflict        = &FundError{Code: CodeLockConflict}

	ErrCardCountMismatch = &IntegrityError{Code: CodeCardCountMismatch}
	ErrDuplicateCards    = &IntegrityError{Code: CodeDuplicateCards}

	ErrLockTimeout  = &ConcurrencyError{Code: CodeLockTimeout}
	ErrStaleSession = &ConcurrencyError{Code: CodeStaleVersion}
	ErrTxConflict   = &ConcurrencyError{Code: CodeTxConflict}

	ErrSuspended   = &SuspensionError{Code: CodeSuspended}
	ErrRateLimited = &SuspensionError{Code: CodeRateLimited}

	ErrAlreadyFinalized = errors.New(string(CodeAlreadyFinalized))
)

func Validation(code Code, format string, args ...interface{}) error {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Integrity(code Code, format string, args ...interface{}) error {
	return &IntegrityError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Fund(code Code, userID int64, detail string) error {
	return &FundError{Code: code, UserID: userID, Detail: detail}
}

func Concurrency(code Code, detail string) error {
	return &ConcurrencyError{Code: code, Detail: detail}
}

// KindOf classifies err into one of the taxonomy kinds.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		fe *FundError
		ie *IntegrityError
		ce *ConcurrencyError
		se *SuspensionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ie):
		return KindIntegrity
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &fe):
		return KindFund
	case errors.As(err, &ce):
		return KindConcurrency
	case errors.As(err, &se):
		return KindSuspension
	case errors.Is(err, ErrAlreadyFinalized):
		return KindFinalized
	default:
		return KindUnknown
	}
}

// CodeOf returns the taxonomy code carried by err, if any.
func CodeOf(err error) Code {
	var (
		ve *ValidationError
		fe *FundError
		ie *IntegrityError
		ce *ConcurrencyError
		se *SuspensionError
	)
	switch {
	case errors.As(err, &ie):
		return ie.Code
	case errors.As(err, &ve):
		return ve.Code
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, ErrAlreadyFinalized):
		return CodeAlreadyFinalized
	}
	return ""
}
