// Package manager 事务管理器门面, 负责事务生命周期与并发控制
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/txfabric/coordinator/internal/metrics"
	"github.com/txfabric/coordinator/internal/participant"
	"github.com/txfabric/coordinator/internal/twopc"
	"github.com/txfabric/coordinator/internal/txlog"
	pkgerrors "github.com/txfabric/coordinator/pkg/errors"
	"github.com/txfabric/coordinator/pkg/health"
	"github.com/txfabric/coordinator/pkg/logger"
)

// Config 管理器运行参数
type Config struct {
	// TxTimeout is the default lifetime of a transaction. Transactions
	// still ACTIVE past their deadline are aborted by the reaper.
	TxTimeout time.Duration
	// CommitAckWait bounds how long Commit blocks for phase 2 acks
	// before returning the in-progress state to the caller.
	CommitAckWait time.Duration
	// MaxConcurrent caps the number of open transactions. 0 means no cap.
	MaxConcurrent int
	// ReaperInterval is how often expired and finished transactions
	// are swept.
	ReaperInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TxTimeout <= 0 {
		c.TxTimeout = 30 * time.Second
	}
	if c.CommitAckWait <= 0 {
		c.CommitAckWait = 5 * time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 10 * time.Second
	}
	return c
}

// Outcome is what a caller gets back from Commit or Rollback. State may be
// non-terminal when phase 2 is still being retried in the background.
type Outcome struct {
	TxID     string         `json:"txId"`
	State    twopc.State    `json:"state"`
	Decision twopc.Decision `json:"decision"`
}

type entry struct {
	mu  sync.Mutex // serializes Commit/Rollback for one transaction
	txn *twopc.Transaction
}

// Manager owns the transaction table and drives the coordinator on behalf
// of API callers.
type Manager struct {
	cfg      Config
	coord    *twopc.Coordinator
	registry *participant.Registry
	store    txlog.Store
	logger   *logger.Logger
	metrics  *metrics.Metrics

	// ReaperMonitor reports reaper loop liveness for the readiness probe.
	ReaperMonitor *health.LoopMonitor

	mu  sync.Mutex
	txs map[string]*entry
}

func New(cfg Config, coord *twopc.Coordinator, registry *participant.Registry, store txlog.Store, lg *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:           cfg.withDefaults(),
		coord:         coord,
		registry:      registry,
		store:         store,
		logger:        lg,
		metrics:       m,
		ReaperMonitor: &health.LoopMonitor{},
		txs:           make(map[string]*entry),
	}
}

// Begin opens a new transaction and returns its ID.
func (mgr *Manager) Begin(ctx context.Context) (string, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cfg.MaxConcurrent > 0 && len(mgr.txs) >= mgr.cfg.MaxConcurrent {
		return "", pkgerrors.ErrTxLimitReached
	}

	txID := uuid.NewString()
	txn := twopc.NewTransaction(txID, time.Now().Add(mgr.cfg.TxTimeout))
	mgr.txs[txID] = &entry{txn: txn}
	mgr.metrics.InFlight.Inc()

	mgr.logger.WithTx(txID).Infof("transaction started", map[string]interface{}{
		"deadline": txn.Deadline,
	})
	return txID, nil
}

// Enlist adds a registered resource manager to the transaction.
func (mgr *Manager) Enlist(ctx context.Context, txID, resourceID string) error {
	ent, err := mgr.lookup(txID)
	if err != nil {
		return err
	}
	client, ok := mgr.registry.Get(resourceID)
	if !ok {
		return pkgerrors.ErrResourceNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if err := ent.txn.Enlist(client); err != nil {
		switch {
		case errors.Is(err, twopc.ErrAlreadyEnlisted):
			return pkgerrors.New(pkgerrors.CodeDuplicateResource, err.Error())
		case errors.Is(err, twopc.ErrInvalidState):
			return pkgerrors.ErrInvalidState
		default:
			return err
		}
	}
	mgr.logger.WithTx(txID).Infof("participant enlisted", map[string]interface{}{
		"resource": resourceID,
	})
	return nil
}

// Commit runs two-phase commit and waits up to CommitAckWait for phase 2
// to finish. A COMMITTING or ABORTING state in the outcome means delivery
// is still being retried but the decision is final.
func (mgr *Manager) Commit(ctx context.Context, txID string) (*Outcome, error) {
	ent, err := mgr.lookup(txID)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	decision, err := mgr.coord.Commit(ctx, ent.txn)
	ent.mu.Unlock()
	if err != nil {
		if errors.Is(err, twopc.ErrInvalidState) {
			return nil, pkgerrors.ErrInvalidState
		}
		return nil, err
	}

	mgr.waitAck(ctx, ent.txn)
	return &Outcome{TxID: txID, State: ent.txn.State(), Decision: decision}, nil
}

// Rollback aborts the transaction.
func (mgr *Manager) Rollback(ctx context.Context, txID string) (*Outcome, error) {
	ent, err := mgr.lookup(txID)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	err = mgr.coord.Rollback(ctx, ent.txn)
	ent.mu.Unlock()
	if err != nil {
		if errors.Is(err, twopc.ErrInvalidState) {
			return nil, pkgerrors.ErrInvalidState
		}
		return nil, err
	}

	mgr.waitAck(ctx, ent.txn)
	return &Outcome{TxID: txID, State: ent.txn.State(), Decision: twopc.DecisionAbort}, nil
}

// Status returns the current snapshot of a transaction.
func (mgr *Manager) Status(txID string) (twopc.Snapshot, error) {
	ent, err := mgr.lookup(txID)
	if err != nil {
		return twopc.Snapshot{}, err
	}
	return ent.txn.Snapshot(), nil
}

func (mgr *Manager) lookup(txID string) (*entry, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	ent, ok := mgr.txs[txID]
	if !ok {
		return nil, pkgerrors.ErrTxNotFound
	}
	return ent, nil
}

// waitAck blocks until phase 2 completes, the ack window elapses, or the
// caller goes away. The decision is already durable either way.
func (mgr *Manager) waitAck(ctx context.Context, txn *twopc.Transaction) {
	timer := time.NewTimer(mgr.cfg.CommitAckWait)
	defer timer.Stop()
	select {
	case <-txn.Done():
	case <-timer.C:
		mgr.logger.WithTx(txn.ID).Warnf("returning before all participants acknowledged", map[string]interface{}{
			"waited": mgr.cfg.CommitAckWait.String(),
		})
	case <-ctx.Done():
	}
}

// RunReaper aborts expired transactions, prunes finished ones and compacts
// the log until ctx is cancelled. Run it in its own goroutine. The first
// sweep runs immediately so the loop monitor reports healthy from startup.
func (mgr *Manager) RunReaper(ctx context.Context) {
	run := func() {
		if ctx.Err() != nil {
			return
		}
		mgr.sweep(ctx)
		mgr.ReaperMonitor.Tick()
	}
	run()

	c := cron.New()
	c.Schedule(cron.Every(mgr.cfg.ReaperInterval), cron.FuncJob(run))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (mgr *Manager) sweep(ctx context.Context) {
	now := time.Now()

	mgr.mu.Lock()
	var expired, finished []*entry
	var finishedIDs []string
	for id, ent := range mgr.txs {
		st := ent.txn.State()
		switch {
		case st.Terminal():
			finished = append(finished, ent)
			finishedIDs = append(finishedIDs, id)
		case st == twopc.StateActive && now.After(ent.txn.Deadline):
			expired = append(expired, ent)
		}
	}
	for _, id := range finishedIDs {
		delete(mgr.txs, id)
	}
	mgr.mu.Unlock()

	mgr.metrics.InFlight.Sub(float64(len(finished)))

	for _, ent := range expired {
		ent.mu.Lock()
		err := mgr.coord.Rollback(ctx, ent.txn)
		ent.mu.Unlock()
		if err != nil && !errors.Is(err, twopc.ErrInvalidState) {
			mgr.logger.WithTx(ent.txn.ID).WithError(err).Error("reaper abort failed")
			mgr.ReaperMonitor.SetError(err)
			continue
		}
		mgr.logger.WithTx(ent.txn.ID).Warn("transaction expired, aborted")
	}

	if len(finished) > 0 {
		n, err := mgr.store.Compact(ctx)
		if err != nil {
			mgr.logger.WithError(err).Error("log compaction failed")
			mgr.ReaperMonitor.SetError(err)
		} else if n > 0 {
			mgr.logger.Infof("log compacted", map[string]interface{}{"records": n})
		}
	}
}
