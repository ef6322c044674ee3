// Package shared holds the error kinds and events used across the ledger's
// domain packages. It has no dependencies outside the standard library.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Every DomainError carries one, so callers can classify
// failures with errors.Is without knowing the concrete sentinel.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidInput  = errors.New("invalid input")
	ErrWriteFailed   = errors.New("write failed")
	ErrPartial       = errors.New("partially applied")
)

// DomainError is a failure of one operation in one part of the ledger.
type DomainError struct {
	Domain  string // ledger, season, mission, achievement
	Op      string
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Domain + "." + e.Op + ": " + e.Message
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the cause, or the kind when there is none.
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches the error's kind, the sentinel it was wrapped from (same
// domain, op and kind) and anything its cause matches.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	var sentinel *DomainError
	if errors.As(target, &sentinel) && sentinel.Err == nil &&
		sentinel.Domain == e.Domain && sentinel.Op == e.Op && sentinel.Kind == e.Kind {
		return true
	}
	return e.Err != nil && errors.Is(e.Err, target)
}

// Wrap returns a copy of e with err as its cause. The sentinel itself is
// left untouched.
func (e *DomainError) Wrap(err error) *DomainError {
	c := *e
	c.Err = err
	return &c
}

// NewDomainError creates a sentinel.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError creates a one-off error with a cause.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

var ErrNoActiveSeason = NewDomainError("season", "Resolve", ErrNotFound, "no active season")

// Ledger.
var (
	ErrLedgerWriteFailed  = NewDomainError("ledger", "InsertTransaction", ErrWriteFailed, "xp transaction insert failed")
	ErrBalanceWriteFailed = NewDomainError("ledger", "UpdateBalance", ErrWriteFailed, "ledger entry written but balance update failed")
	ErrBalanceNotFound    = NewDomainError("ledger", "FindBalance", ErrNotFound, "user level not found")
	ErrInvalidSourceType  = NewDomainError("ledger", "Validate", ErrInvalidInput, "invalid xp source type")
	ErrInvalidUserID      = NewDomainError("ledger", "Validate", ErrInvalidID, "user ID is required")
)

// Missions and achievements.
var (
	ErrMissionNotFound        = NewDomainError("mission", "Find", ErrNotFound, "mission not found")
	ErrInvalidAchievementID   = NewDomainError("achievement", "Validate", ErrInvalidID, "achievement ID is required")
	ErrCompletionGrantFailed  = NewDomainError("achievement", "Complete", ErrWriteFailed, "mission completion xp grant failed")
	ErrReversalPartialFailure = NewDomainError("achievement", "Cancel", ErrPartial, "achievement deleted but xp reversal failed")
)

// IsNotFound reports whether err is of kind ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidID) || errors.Is(err, ErrInvalidInput)
}
