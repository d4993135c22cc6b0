// Package participant 资源管理器参与者契约
package participant

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Vote is a participant's answer to a prepare request.
type Vote string

const (
	VoteUnknown Vote = "UNKNOWN"
	VoteYes     Vote = "YES"
	VoteNo      Vote = "NO"
)

// ErrResourceUnavailable marks a prepare failure that the coordinator treats
// as an implicit NO vote.
var ErrResourceUnavailable = errors.New("resource unavailable")

// Client is the capability contract a resource manager adapter implements to
// take part in a global transaction.
type Client interface {
	ResourceID() string

	// Prepare must durably persist enough state that a later Commit cannot
	// fail for any reason under the resource's own control. A YES vote is a
	// promise: the resource must not unilaterally abort afterwards.
	Prepare(ctx context.Context, txID string) (Vote, error)

	// Commit is idempotent. The coordinator retries it until acknowledged.
	Commit(ctx context.Context, txID string) error

	// Rollback is idempotent. Valid when prepare was never called, voted NO,
	// or as part of an abort decision.
	Rollback(ctx context.Context, txID string) error
}

// Registry maps resource IDs to registered clients. Recovery resolves the
// resource IDs found in the transaction log through it.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(c Client) error {
	if c == nil || c.ResourceID() == "" {
		return errors.New("client with empty resource ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ResourceID()
	if _, exists := r.clients[id]; exists {
		return errors.New("resource already registered: " + id)
	}
	r.clients[id] = c
	return nil
}

func (r *Registry) Get(resourceID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[resourceID]
	return c, ok
}

// IDs 返回所有已注册资源 ID（排序后）
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
