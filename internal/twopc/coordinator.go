package twopc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/txfabric/coordinator/internal/metrics"
	"github.com/txfabric/coordinator/internal/participant"
	"github.com/txfabric/coordinator/internal/txlog"
	"github.com/txfabric/coordinator/pkg/logger"
	"github.com/txfabric/coordinator/pkg/tracing"
)

var (
	ErrInvalidState    = errors.New("transaction is not in a valid state for this operation")
	ErrAlreadyEnlisted = errors.New("resource already enlisted")
)

// Config 协调器配置
type Config struct {
	// PrepareTimeout bounds each participant's prepare call. A missing vote
	// counts as NO.
	PrepareTimeout time.Duration

	// DeliveryTimeout bounds a single phase-2 call. The call itself is
	// retried without limit.
	DeliveryTimeout time.Duration

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// EscalateAfter is the attempt count after which a stuck participant is
	// reported as an operational signal. Retries continue regardless.
	EscalateAfter int
}

func (c Config) withDefaults() Config {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 5 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 10
	}
	return c
}

// Coordinator drives the two-phase protocol for individual transactions.
// Distinct transactions are fully independent; the coordinator holds no
// cross-transaction lock.
type Coordinator struct {
	log     txlog.Store
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	bg sync.WaitGroup
}

func NewCoordinator(log txlog.Store, cfg Config, lg *logger.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		log:     log,
		cfg:     cfg.withDefaults(),
		logger:  lg,
		metrics: m,
	}
}

// Wait blocks until all background phase-2 deliveries have finished.
// Intended for graceful shutdown and tests.
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// Commit runs phase 1 and makes the decision durable before returning.
// Phase 2 runs in the background; the transaction's Done channel closes when
// every participant has acknowledged. The returned decision is final.
func (c *Coordinator) Commit(ctx context.Context, txn *Transaction) (Decision, error) {
	if !txn.compareAndSetState(StateActive, StatePreparing) {
		return "", ErrInvalidState
	}

	parts := txn.Participants()
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ResourceID)
	}

	if err := c.log.Append(ctx, &txlog.Record{
		TxID:         txn.ID,
		Phase:        txlog.PhasePrepareStart,
		Participants: ids,
	}); err != nil {
		// Nothing was sent to any participant; the transaction stays usable.
		txn.setState(StateActive)
		return "", err
	}

	ctx = logger.ContextWithTxID(ctx, txn.ID)
	spanCtx, span := tracing.StartSpan(ctx, "twopc.prepare")
	span.SetAttributes(attribute.Int("participants", len(parts)))

	start := time.Now()
	allYes := c.preparePhase(spanCtx, txn, parts)
	c.metrics.ObservePrepareLatency(time.Since(start))
	span.End()

	decision, decisionLogged := c.decide(ctx, txn, allYes)

	if decision == DecisionCommit {
		txn.setState(StateCommitting)
	} else {
		txn.setState(StateAborting)
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.completePhase2(context.WithoutCancel(ctx), txn, decision, decisionLogged)
	}()

	return decision, nil
}

// decide turns the vote outcome into a durable decision. The COMMIT decision
// requires its log append to succeed; any failure on that path degrades to
// ABORT, which is recovery-safe even unlogged (no decision record means
// abort).
func (c *Coordinator) decide(ctx context.Context, txn *Transaction, allYes bool) (Decision, bool) {
	log := c.logger.WithTx(txn.ID)

	if allYes {
		if err := c.log.Append(ctx, &txlog.Record{TxID: txn.ID, Phase: txlog.PhaseAllPrepared}); err != nil {
			log.WithError(err).Error("failed to log ALL_PREPARED, aborting")
		} else {
			txn.setState(StatePrepared)
			if err := c.log.Append(ctx, &txlog.Record{TxID: txn.ID, Phase: txlog.PhaseCommitDecision}); err != nil {
				log.WithError(err).Error("failed to log commit decision, aborting")
			} else {
				return DecisionCommit, true
			}
		}
	}

	err := c.log.Append(ctx, &txlog.Record{TxID: txn.ID, Phase: txlog.PhaseAbortDecision})
	if err != nil {
		log.WithError(err).Error("failed to log abort decision")
	}
	return DecisionAbort, err == nil
}

// preparePhase fans prepare out to every participant concurrently and waits
// for all votes. Every participant is contacted before any decision is made.
func (c *Coordinator) preparePhase(ctx context.Context, txn *Transaction, parts []*ParticipantState) bool {
	votes := make(chan bool, len(parts))

	for _, p := range parts {
		go func(p *ParticipantState) {
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
			defer cancel()

			vote, err := p.Client.Prepare(pctx, txn.ID)
			yes := err == nil && vote == participant.VoteYes
			if yes {
				txn.recordVote(p, participant.VoteYes)
			} else {
				txn.recordVote(p, participant.VoteNo)
				c.logger.WithTx(txn.ID).WithError(err).Warnf("participant voted no", map[string]interface{}{
					"resource": p.ResourceID,
					"vote":     string(vote),
				})
			}
			votes <- yes
		}(p)
	}

	allYes := true
	for range parts {
		if !<-votes {
			allYes = false
		}
	}
	return allYes
}

// Rollback aborts the transaction. From ACTIVE this is single-phase: no vote
// was requested and nothing durable is at stake, so participants are told to
// abort directly with one attempt each and the transaction terminates either
// way. From PREPARING/PREPARED (a commit attempt that stalled before a
// decision) the abort decision is logged and phase 2 runs.
func (c *Coordinator) Rollback(ctx context.Context, txn *Transaction) error {
	switch txn.State() {
	case StateActive:
		txn.setState(StateAborting)
		c.abortUnprepared(ctx, txn)
		txn.setState(StateAborted)
		_ = c.metrics.IncOutcome(metrics.OutcomeAborted)
		txn.markDone()
		return nil

	case StatePreparing, StatePrepared:
		err := c.log.Append(ctx, &txlog.Record{TxID: txn.ID, Phase: txlog.PhaseAbortDecision})
		if err != nil {
			c.logger.WithTx(txn.ID).WithError(err).Error("failed to log abort decision")
		}
		txn.setState(StateAborting)
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.completePhase2(context.WithoutCancel(ctx), txn, DecisionAbort, err == nil)
		}()
		return nil

	default:
		return ErrInvalidState
	}
}

// Resolve finishes an in-doubt transaction during recovery using the logged
// decision. It never re-runs phase 1. When no decision was logged the only
// safe outcome is abort, which is made durable first.
func (c *Coordinator) Resolve(ctx context.Context, txn *Transaction, decision Decision, decisionLogged bool) error {
	if !decisionLogged {
		if decision != DecisionAbort {
			return errors.New("unlogged decision must be abort")
		}
		if err := c.log.Append(ctx, &txlog.Record{TxID: txn.ID, Phase: txlog.PhaseAbortDecision}); err != nil {
			return err
		}
	}

	if decision == DecisionCommit {
		txn.setState(StateCommitting)
	} else {
		txn.setState(StateAborting)
	}

	if err := c.deliverDecision(ctx, txn, decision); err != nil {
		return err
	}
	return c.finish(ctx, txn, decision)
}

// completePhase2 drives phase 2 for one transaction in the background. If the
// process shuts down before every ack is in, the transaction is left for the
// recovery manager: the decision is already durable.
func (c *Coordinator) completePhase2(ctx context.Context, txn *Transaction, decision Decision, decisionLogged bool) {
	start := time.Now()
	spanCtx, span := tracing.StartSpan(ctx, "twopc.phase2")
	span.SetAttributes(attribute.String("decision", string(decision)))
	defer span.End()

	if err := c.deliverDecision(spanCtx, txn, decision); err != nil {
		c.logger.WithTx(txn.ID).WithError(err).Warn("phase 2 interrupted, transaction left for recovery")
		return
	}
	c.metrics.ObservePhase2Latency(time.Since(start))

	if !decisionLogged {
		// No decision record on disk. Appending PHASE2_COMPLETE here would
		// break the log invariant; recovery will re-abort, which is
		// idempotent at the participants.
		txn.setState(StateAborted)
		_ = c.metrics.IncOutcome(metrics.OutcomeAborted)
		txn.markDone()
		return
	}

	if err := c.finish(ctx, txn, decision); err != nil {
		c.logger.WithTx(txn.ID).WithError(err).Warn("failed to log PHASE2_COMPLETE, recovery will redeliver")
	}
}

// finish logs PHASE2_COMPLETE and moves the transaction to its terminal
// state. Only called after every participant acknowledged.
func (c *Coordinator) finish(ctx context.Context, txn *Transaction, decision Decision) error {
	if err := c.log.Append(ctx, &txlog.Record{TxID: txn.ID, Phase: txlog.PhasePhase2Complete}); err != nil {
		return err
	}
	if decision == DecisionCommit {
		txn.setState(StateCommitted)
		_ = c.metrics.IncOutcome(metrics.OutcomeCommitted)
	} else {
		txn.setState(StateAborted)
		_ = c.metrics.IncOutcome(metrics.OutcomeAborted)
	}
	txn.markDone()
	return nil
}

// abortUnprepared tells every participant to discard staged work. No vote was
// requested, so no participant holds prepared state or locks; one that cannot
// be reached keeps its staged rows until its own housekeeping clears them.
// One attempt each, no retry: unbounded delivery is only owed to transactions
// with a durable decision, and other transactions must not wait behind an
// unreachable participant here.
func (c *Coordinator) abortUnprepared(ctx context.Context, txn *Transaction) {
	parts := txn.Participants()

	var wg sync.WaitGroup
	for _, p := range parts {
		if txn.acked(p) {
			continue
		}
		wg.Add(1)
		go func(p *ParticipantState) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
			defer cancel()
			if err := p.Client.Rollback(callCtx, txn.ID); err != nil {
				c.logger.WithTx(txn.ID).WithError(err).Warnf("participant unreachable in single-phase abort", map[string]interface{}{
					"resource": p.ResourceID,
				})
				return
			}
			txn.recordAck(p)
		}(p)
	}
	wg.Wait()
}

// deliverDecision fans the decision out to every un-acked participant and
// blocks until all acknowledge or ctx is cancelled.
func (c *Coordinator) deliverDecision(ctx context.Context, txn *Transaction, decision Decision) error {
	parts := txn.Participants()

	var wg sync.WaitGroup
	var interrupted sync.Once
	var interruptErr error

	for _, p := range parts {
		if txn.acked(p) {
			continue
		}
		wg.Add(1)
		go func(p *ParticipantState) {
			defer wg.Done()
			if err := c.retryDeliver(ctx, txn, p, decision); err != nil {
				interrupted.Do(func() { interruptErr = err })
			}
		}(p)
	}
	wg.Wait()
	return interruptErr
}

// retryDeliver sends the decision to one participant with exponential
// backoff until it acknowledges. 2PC participants are assumed durable but
// possibly slow, so there is no give-up limit; crossing the escalation
// threshold emits an operational signal and retrying continues.
func (c *Coordinator) retryDeliver(ctx context.Context, txn *Transaction, p *ParticipantState, decision Decision) error {
	delay := c.cfg.RetryBaseDelay

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
		var err error
		if decision == DecisionCommit {
			err = p.Client.Commit(callCtx, txn.ID)
		} else {
			err = p.Client.Rollback(callCtx, txn.ID)
		}
		cancel()

		if err == nil {
			txn.recordAck(p)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.metrics.Phase2Retries.Inc()
		if attempt == c.cfg.EscalateAfter {
			c.metrics.Phase2Escalations.Inc()
			c.logger.WithTx(txn.ID).WithError(err).Errorf("participant unreachable in phase 2", map[string]interface{}{
				"resource": p.ResourceID,
				"decision": string(decision),
				"attempts": attempt,
			})
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}
}
