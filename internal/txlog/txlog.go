// Package txlog 事务日志（追加写，恢复的唯一事实来源）
package txlog

import (
	"context"
	"errors"
)

// Phase is a protocol transition recorded in the log.
type Phase string

const (
	PhasePrepareStart   Phase = "PREPARE_START"
	PhaseAllPrepared    Phase = "ALL_PREPARED"
	PhaseCommitDecision Phase = "COMMIT_DECISION"
	PhaseAbortDecision  Phase = "ABORT_DECISION"
	PhasePhase2Complete Phase = "PHASE2_COMPLETE"
)

var knownPhases = map[Phase]struct{}{
	PhasePrepareStart:   {},
	PhaseAllPrepared:    {},
	PhaseCommitDecision: {},
	PhaseAbortDecision:  {},
	PhasePhase2Complete: {},
}

func ValidPhase(p Phase) bool {
	_, ok := knownPhases[p]
	return ok
}

// ErrCorrupted marks an unreadable or inconsistent log. Recovery treats it as
// fatal: the decision history cannot be guessed.
var ErrCorrupted = errors.New("transaction log corrupted")

// Record 单条日志记录。Participants 仅在 PREPARE_START 上填写。
type Record struct {
	RecordID     int64    `json:"recordId"`
	TxID         string   `json:"txId"`
	Phase        Phase    `json:"phase"`
	Participants []string `json:"participants,omitempty"`
	TimestampMs  int64    `json:"timestampMs"`
}

// TxHistory is the ordered record sequence of one unfinished transaction.
type TxHistory struct {
	TxID    string
	Records []*Record
}

// DecisionPhase returns the logged decision record, if any. The decision is
// immutable once present; later records never change it.
func (h *TxHistory) DecisionPhase() (Phase, bool) {
	for _, rec := range h.Records {
		if rec.Phase == PhaseCommitDecision || rec.Phase == PhaseAbortDecision {
			return rec.Phase, true
		}
	}
	return "", false
}

// Participants returns the resource IDs recorded at PREPARE_START.
func (h *TxHistory) Participants() ([]string, bool) {
	for _, rec := range h.Records {
		if rec.Phase == PhasePrepareStart {
			return rec.Participants, true
		}
	}
	return nil, false
}

// Store persists protocol transitions. Append must be durable before it
// returns: a logged decision survives a coordinator crash. Appends from
// concurrent transactions are independent; per-transaction order is the
// append order.
type Store interface {
	// Append durably writes one record.
	Append(ctx context.Context, rec *Record) error

	// Pending returns the histories of all transactions that have records
	// but no PHASE2_COMPLETE, ordered per transaction.
	Pending(ctx context.Context) ([]*TxHistory, error)

	// Compact removes the records of completed transactions and reports how
	// many records were deleted.
	Compact(ctx context.Context) (int64, error)
}
