package participant

import (
	"context"
	"testing"
)

type staticClient struct {
	id string
}

func (c *staticClient) ResourceID() string                                  { return c.id }
func (c *staticClient) Prepare(ctx context.Context, txID string) (Vote, error) { return VoteYes, nil }
func (c *staticClient) Commit(ctx context.Context, txID string) error       { return nil }
func (c *staticClient) Rollback(ctx context.Context, txID string) error     { return nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&staticClient{id: "orders-db"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&staticClient{id: "session-cache"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := reg.Get("orders-db"); !ok {
		t.Fatal("expected orders-db to be registered")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("did not expect missing resource")
	}

	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "orders-db" || ids[1] != "session-cache" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&staticClient{id: "orders-db"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&staticClient{id: "orders-db"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&staticClient{id: ""}); err == nil {
		t.Fatal("expected empty resource ID to fail")
	}
}
