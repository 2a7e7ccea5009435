package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlotHolder reserves a freed slot for one waitlisted patient at a time. The
// TTL matches the confirmation window, so an abandoned hold falls away on its
// own even if the expiry sweep never runs.
type SlotHolder interface {
	// Acquire takes the per-slot hold. It reports false when another hold is
	// already in place.
	Acquire(ctx context.Context, slotID uuid.UUID, token string, ttl time.Duration) (bool, error)
	// Release drops the hold if it is still owned by token.
	Release(ctx context.Context, slotID uuid.UUID, token string) error
}

type redisSlotHolder struct {
	client *redis.Client
}

func NewRedisSlotHolder(client *redis.Client) SlotHolder {
	return &redisSlotHolder{client: client}
}

func holdKey(slotID uuid.UUID) string {
	return fmt.Sprintf("hold:slot:%s", slotID.String())
}

func (h *redisSlotHolder) Acquire(ctx context.Context, slotID uuid.UUID, token string, ttl time.Duration) (bool, error) {
	ok, err := h.client.SetNX(ctx, holdKey(slotID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot hold: %w", err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (h *redisSlotHolder) Release(ctx context.Context, slotID uuid.UUID, token string) error {
	_, err := releaseScript.Run(ctx, h.client, []string{holdKey(slotID)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot hold: %w", err)
	}
	return nil
}
