// Package twopc 两阶段提交协议核心
package twopc

import (
	"fmt"
	"sync"
	"time"

	"github.com/txfabric/coordinator/internal/participant"
)

// State is the lifecycle state of a global transaction.
type State string

const (
	StateActive     State = "ACTIVE"
	StatePreparing  State = "PREPARING"
	StatePrepared   State = "PREPARED"
	StateCommitting State = "COMMITTING"
	StateCommitted  State = "COMMITTED"
	StateAborting   State = "ABORTING"
	StateAborted    State = "ABORTED"
	StateInDoubt    State = "IN_DOUBT"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Decision is the binding outcome of phase 1. Once logged it is a fact and
// is never revisited.
type Decision string

const (
	DecisionCommit Decision = "COMMIT"
	DecisionAbort  Decision = "ABORT"
)

// ParticipantState tracks one enlisted resource within a transaction.
// The vote transitions UNKNOWN→YES or UNKNOWN→NO exactly once.
type ParticipantState struct {
	ResourceID string
	Client     participant.Client

	vote participant.Vote
	ack  bool
}

// Transaction is one global unit of work. It is owned by a single
// coordinating task; the mutex covers the state, votes and acks that the
// per-participant goroutines report into.
type Transaction struct {
	ID       string
	Deadline time.Time

	mu           sync.Mutex
	state        State
	participants []*ParticipantState

	done     chan struct{}
	doneOnce sync.Once
}

func NewTransaction(id string, deadline time.Time) *Transaction {
	return &Transaction{
		ID:       id,
		Deadline: deadline,
		state:    StateActive,
		done:     make(chan struct{}),
	}
}

// RecoveredTransaction rebuilds a transaction from the log for recovery.
// It starts IN_DOUBT; the coordinator moves it through phase 2.
func RecoveredTransaction(id string, clients []participant.Client) *Transaction {
	txn := &Transaction{
		ID:    id,
		state: StateInDoubt,
		done:  make(chan struct{}),
	}
	for _, c := range clients {
		txn.participants = append(txn.participants, &ParticipantState{
			ResourceID: c.ResourceID(),
			Client:     c,
			vote:       participant.VoteUnknown,
		})
	}
	return txn
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// compareAndSetState transitions from old to new atomically.
func (t *Transaction) compareAndSetState(old, new State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != old {
		return false
	}
	t.state = new
	return true
}

// Enlist registers a participant. Only valid while the transaction is ACTIVE.
func (t *Transaction) Enlist(c participant.Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return ErrInvalidState
	}
	for _, p := range t.participants {
		if p.ResourceID == c.ResourceID() {
			return fmt.Errorf("%w: %s", ErrAlreadyEnlisted, c.ResourceID())
		}
	}
	t.participants = append(t.participants, &ParticipantState{
		ResourceID: c.ResourceID(),
		Client:     c,
		vote:       participant.VoteUnknown,
	})
	return nil
}

// Participants returns the enlisted participants in enlistment order.
func (t *Transaction) Participants() []*ParticipantState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ParticipantState(nil), t.participants...)
}

// recordVote sets the participant's vote. Only the first call takes effect.
func (t *Transaction) recordVote(p *ParticipantState, v participant.Vote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.vote == participant.VoteUnknown {
		p.vote = v
	}
}

func (t *Transaction) recordAck(p *ParticipantState) {
	t.mu.Lock()
	p.ack = true
	t.mu.Unlock()
}

func (t *Transaction) acked(p *ParticipantState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.ack
}

// Done is closed once every participant has acknowledged the decision and
// the transaction is terminal.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

func (t *Transaction) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// ParticipantSnapshot 参与者状态快照
type ParticipantSnapshot struct {
	ResourceID  string           `json:"resourceId"`
	Vote        participant.Vote `json:"vote"`
	AckReceived bool             `json:"ackReceived"`
}

// Snapshot 事务状态快照
type Snapshot struct {
	ID           string                `json:"id"`
	State        State                 `json:"state"`
	Deadline     time.Time             `json:"deadline,omitempty"`
	Participants []ParticipantSnapshot `json:"participants"`
}

func (t *Transaction) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		ID:       t.ID,
		State:    t.state,
		Deadline: t.Deadline,
	}
	for _, p := range t.participants {
		snap.Participants = append(snap.Participants, ParticipantSnapshot{
			ResourceID:  p.ResourceID,
			Vote:        p.vote,
			AckReceived: p.ack,
		})
	}
	return snap
}
