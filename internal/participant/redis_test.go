package participant

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisResource(t *testing.T) (*RedisResource, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisResource("session-cache", client), mr
}

func TestRedisResource_PrepareCommit(t *testing.T) {
	res, _ := newTestRedisResource(t)
	ctx := context.Background()

	if err := res.Stage(ctx, "tx-1", "user:7", "active"); err != nil {
		t.Fatalf("stage: %v", err)
	}

	vote, err := res.Prepare(ctx, "tx-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if vote != VoteYes {
		t.Fatalf("vote = %s, want YES", vote)
	}

	if err := res.Commit(ctx, "tx-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v, err := res.Get(ctx, "user:7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "active" {
		t.Fatalf("state = %q, want active", v)
	}
}

func TestRedisResource_CommitIdempotent(t *testing.T) {
	res, _ := newTestRedisResource(t)
	ctx := context.Background()

	if err := res.Stage(ctx, "tx-1", "user:7", "active"); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := res.Prepare(ctx, "tx-1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if err := res.Commit(ctx, "tx-1"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := res.Commit(ctx, "tx-1"); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	v, err := res.Get(ctx, "user:7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "active" {
		t.Fatalf("state = %q, want active", v)
	}
}

func TestRedisResource_RollbackDiscardsStage(t *testing.T) {
	res, mr := newTestRedisResource(t)
	ctx := context.Background()

	if err := res.Stage(ctx, "tx-1", "user:7", "active"); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := res.Prepare(ctx, "tx-1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if err := res.Rollback(ctx, "tx-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	// Idempotent.
	if err := res.Rollback(ctx, "tx-1"); err != nil {
		t.Fatalf("second rollback: %v", err)
	}

	v, err := res.Get(ctx, "user:7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "" {
		t.Fatalf("state = %q, want empty", v)
	}
	if mr.Exists("txres:session-cache:stage:tx-1") {
		t.Fatal("stage key should be gone after rollback")
	}
}

func TestRedisResource_PrepareErrorVotesNo(t *testing.T) {
	res, mr := newTestRedisResource(t)
	mr.Close()

	vote, err := res.Prepare(context.Background(), "tx-1")
	if err == nil {
		t.Fatal("expected error from closed redis")
	}
	if vote != VoteNo {
		t.Fatalf("vote = %s, want NO", vote)
	}
}
