package txlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// It keeps the same ordering guarantees as the durable stores but does not
// survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []*Record

	// AppendErr, when set, fails the next Append. Test hook.
	AppendErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AppendErr != nil {
		err := s.AppendErr
		s.AppendErr = nil
		return err
	}

	cp := *rec
	cp.RecordID = s.nextID
	s.nextID++
	if cp.TimestampMs == 0 {
		cp.TimestampMs = time.Now().UnixMilli()
	}
	cp.Participants = append([]string(nil), rec.Participants...)
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]*TxHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	complete := make(map[string]bool)
	for _, rec := range s.records {
		if rec.Phase == PhasePhase2Complete {
			complete[rec.TxID] = true
		}
	}

	byTx := make(map[string]*TxHistory)
	var order []string
	for _, rec := range s.records {
		if complete[rec.TxID] {
			continue
		}
		h := byTx[rec.TxID]
		if h == nil {
			h = &TxHistory{TxID: rec.TxID}
			byTx[rec.TxID] = h
			order = append(order, rec.TxID)
		}
		cp := *rec
		h.Records = append(h.Records, &cp)
	}

	out := make([]*TxHistory, 0, len(order))
	for _, txID := range order {
		out = append(out, byTx[txID])
	}
	return out, nil
}

func (s *MemoryStore) Compact(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	complete := make(map[string]bool)
	for _, rec := range s.records {
		if rec.Phase == PhasePhase2Complete {
			complete[rec.TxID] = true
		}
	}

	kept := s.records[:0]
	var removed int64
	for _, rec := range s.records {
		if complete[rec.TxID] {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed, nil
}

// Records returns a snapshot of all records. Test helper.
func (s *MemoryStore) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}
