package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/application/command"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
)

type stubReconciler struct {
	res *command.ReconcileResult
	err error
}

func (s stubReconciler) Reconcile(context.Context) (*command.ReconcileResult, error) {
	return s.res, s.err
}

func TestReconcileLedgerJob_Run(t *testing.T) {
	res := &command.ReconcileResult{
		SeasonID: "s1",
		Drifted:  []xp.Drift{{UserID: "u1", SeasonID: "s1", BalanceXP: 10, LedgerXP: 20, HasBalance: true}},
		Repaired: 1,
	}
	job := NewReconcileLedgerJob(stubReconciler{res: res}, nil, 0)

	require.NoError(t, job.Run(context.Background()))
	assert.Same(t, res, job.LastResult())
	assert.Equal(t, "reconcile_ledger", job.Name())
}

func TestReconcileLedgerJob_ReportsIncompleteRepair(t *testing.T) {
	res := &command.ReconcileResult{
		SeasonID: "s1",
		Drifted:  []xp.Drift{{UserID: "u1"}, {UserID: "u2"}},
		Repaired: 1,
		Failed:   map[string]error{"u2": errors.New("locked")},
	}
	job := NewReconcileLedgerJob(stubReconciler{res: res}, nil, 0)

	err := job.Run(context.Background())
	assert.ErrorIs(t, err, ErrRepairIncomplete)
}

func TestReconcileLedgerJob_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	job := NewReconcileLedgerJob(stubReconciler{err: boom}, nil, 0)

	assert.ErrorIs(t, job.Run(context.Background()), boom)
	assert.Nil(t, job.LastResult())
}
