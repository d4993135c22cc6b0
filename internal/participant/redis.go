package participant

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout per resource:
//
//	txres:{rid}:stage:{txID}    hash of staged writes
//	txres:{rid}:prepared:{txID} prepared marker
//	txres:{rid}:done:{txID}     idempotency tombstone (expiring)
//	txres:{rid}:state           live hash
const doneMarkerTTL = 7 * 24 * time.Hour

// RedisResource adapts a Redis hash to the Client contract. Writes are
// staged in a per-transaction hash and folded into the live hash on commit.
type RedisResource struct {
	resourceID string
	client     *redis.Client
}

func NewRedisResource(resourceID string, client *redis.Client) *RedisResource {
	return &RedisResource{resourceID: resourceID, client: client}
}

func (r *RedisResource) ResourceID() string {
	return r.resourceID
}

func (r *RedisResource) stageKey(txID string) string {
	return "txres:" + r.resourceID + ":stage:" + txID
}

func (r *RedisResource) preparedKey(txID string) string {
	return "txres:" + r.resourceID + ":prepared:" + txID
}

func (r *RedisResource) doneKey(txID string) string {
	return "txres:" + r.resourceID + ":done:" + txID
}

func (r *RedisResource) stateKey() string {
	return "txres:" + r.resourceID + ":state"
}

// Stage records a pending write for txID.
func (r *RedisResource) Stage(ctx context.Context, txID, field, value string) error {
	if err := r.client.HSet(ctx, r.stageKey(txID), field, value).Err(); err != nil {
		return fmt.Errorf("stage write: %w", err)
	}
	return nil
}

func (r *RedisResource) Prepare(ctx context.Context, txID string) (Vote, error) {
	if err := r.client.Set(ctx, r.preparedKey(txID), "1", 0).Err(); err != nil {
		return VoteNo, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}
	return VoteYes, nil
}

func (r *RedisResource) Commit(ctx context.Context, txID string) error {
	done, err := r.client.Exists(ctx, r.doneKey(txID)).Result()
	if err != nil {
		return fmt.Errorf("check tombstone: %w", err)
	}
	if done > 0 {
		return nil
	}

	staged, err := r.client.HGetAll(ctx, r.stageKey(txID)).Result()
	if err != nil {
		return fmt.Errorf("read stage: %w", err)
	}

	pipe := r.client.TxPipeline()
	if len(staged) > 0 {
		values := make(map[string]interface{}, len(staged))
		for k, v := range staged {
			values[k] = v
		}
		pipe.HSet(ctx, r.stateKey(), values)
	}
	pipe.Set(ctx, r.doneKey(txID), "1", doneMarkerTTL)
	pipe.Del(ctx, r.stageKey(txID), r.preparedKey(txID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply stage: %w", err)
	}
	return nil
}

func (r *RedisResource) Rollback(ctx context.Context, txID string) error {
	if err := r.client.Del(ctx, r.stageKey(txID), r.preparedKey(txID)).Err(); err != nil {
		return fmt.Errorf("discard stage: %w", err)
	}
	return nil
}

// Get 读取已提交状态（调试/测试用）
func (r *RedisResource) Get(ctx context.Context, field string) (string, error) {
	v, err := r.client.HGet(ctx, r.stateKey(), field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query state: %w", err)
	}
	return v, nil
}
