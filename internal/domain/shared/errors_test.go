package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_MatchesSentinelAndKind(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("grant: %w", ErrLedgerWriteFailed.Wrap(cause))

	assert.ErrorIs(t, err, ErrLedgerWriteFailed)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrBalanceWriteFailed)
	assert.Nil(t, ErrLedgerWriteFailed.Err, "Wrap must not mutate the sentinel")
	assert.Equal(t, "ledger.InsertTransaction: xp transaction insert failed: disk full", ErrLedgerWriteFailed.Wrap(cause).Error())
}

func TestDomainError_NestedFlowErrors(t *testing.T) {
	err := ErrReversalPartialFailure.Wrap(ErrNoActiveSeason)

	assert.ErrorIs(t, err, ErrReversalPartialFailure)
	assert.ErrorIs(t, err, ErrNoActiveSeason)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsValidation(err))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(ErrInvalidUserID))
	assert.True(t, IsValidation(ErrInvalidSourceType))
	assert.False(t, IsValidation(ErrBalanceNotFound))
}
