// Package recovery 崩溃恢复, 依据事务日志决议未完成事务
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/txfabric/coordinator/internal/metrics"
	"github.com/txfabric/coordinator/internal/participant"
	"github.com/txfabric/coordinator/internal/twopc"
	"github.com/txfabric/coordinator/internal/txlog"
	pkgerrors "github.com/txfabric/coordinator/pkg/errors"
	"github.com/txfabric/coordinator/pkg/logger"
)

// Manager replays the transaction log after a restart and drives every
// unfinished transaction to its logged outcome. It must run to completion
// before the coordinator accepts new traffic.
type Manager struct {
	store    txlog.Store
	registry *participant.Registry
	coord    *twopc.Coordinator
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func New(store txlog.Store, registry *participant.Registry, coord *twopc.Coordinator, lg *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		coord:    coord,
		logger:   lg,
		metrics:  m,
	}
}

// Result 恢复统计
type Result struct {
	Committed int
	Aborted   int
}

// Run resolves all unfinished transactions. Phase 1 is never re-run: a
// transaction with a logged COMMIT_DECISION is committed, anything else is
// aborted. A corrupted log or an unregistered resource is fatal, operator
// intervention is required before serving traffic.
func (r *Manager) Run(ctx context.Context) (*Result, error) {
	histories, err := r.store.Pending(ctx)
	if err != nil {
		if errors.Is(err, txlog.ErrCorrupted) {
			return nil, pkgerrors.New(pkgerrors.CodeRecoveryAmbiguity, err.Error())
		}
		return nil, fmt.Errorf("read pending transactions: %w", err)
	}

	res := &Result{}
	for _, h := range histories {
		decision, logged, err := r.decide(h)
		if err != nil {
			return nil, err
		}

		txn, err := r.rebuild(h)
		if err != nil {
			return nil, err
		}

		if err := r.coord.Resolve(ctx, txn, decision, logged); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", h.TxID, err)
		}

		if decision == twopc.DecisionCommit {
			res.Committed++
			r.metrics.IncRecoveryResolved("commit")
		} else {
			res.Aborted++
			r.metrics.IncRecoveryResolved("abort")
		}
		r.logger.WithTx(h.TxID).Infof("in-doubt transaction resolved", map[string]interface{}{
			"decision": string(decision),
		})
	}

	if len(histories) > 0 {
		r.logger.Infof("recovery finished", map[string]interface{}{
			"committed": res.Committed,
			"aborted":   res.Aborted,
		})
	}
	return res, nil
}

// decide maps the history to the outcome. No decision record means the crash
// happened before the commit point, the only safe choice is abort.
func (r *Manager) decide(h *txlog.TxHistory) (twopc.Decision, bool, error) {
	phase, ok := h.DecisionPhase()
	if !ok {
		return twopc.DecisionAbort, false, nil
	}
	switch phase {
	case txlog.PhaseCommitDecision:
		return twopc.DecisionCommit, true, nil
	case txlog.PhaseAbortDecision:
		return twopc.DecisionAbort, true, nil
	default:
		return "", false, pkgerrors.Newf(pkgerrors.CodeRecoveryAmbiguity,
			"transaction %s: unexpected decision phase %s", h.TxID, phase)
	}
}

// rebuild reconstructs the transaction from the PREPARE_START participant
// list. Every recorded resource must still be registered.
func (r *Manager) rebuild(h *txlog.TxHistory) (*twopc.Transaction, error) {
	ids, ok := h.Participants()
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeRecoveryAmbiguity,
			"transaction %s: log has no PREPARE_START record", h.TxID)
	}

	var missing []string
	clients := make([]participant.Client, 0, len(ids))
	for _, id := range ids {
		c, found := r.registry.Get(id)
		if !found {
			missing = append(missing, id)
			continue
		}
		clients = append(clients, c)
	}
	if len(missing) > 0 {
		return nil, pkgerrors.Newf(pkgerrors.CodeRecoveryAmbiguity,
			"transaction %s: resources not registered: %s", h.TxID, strings.Join(missing, ","))
	}
	return twopc.RecoveredTransaction(h.TxID, clients), nil
}
