package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docket-ai/docket/pkg/models"
)

// Redis is the shared-KV Tracker used when REDIS_URL is set, so presence
// survives pod restarts and is consistent across replicas. Each review is a
// sorted set of user ids scored by the last heartbeat; expired members are
// trimmed on read and the whole key carries a TTL as a backstop.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis connects to the given Redis URL and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: pinging redis: %w", err)
	}
	return &Redis{client: client, ttl: TTL, now: time.Now}, nil
}

func (r *Redis) Heartbeat(ctx context.Context, reviewID, userID string) error {
	key := presenceKey(reviewID)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: userID,
	})
	pipe.Expire(ctx, key, 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: heartbeat for review %s: %w", reviewID, err)
	}
	return nil
}

func (r *Redis) Active(ctx context.Context, reviewID string) ([]models.PresenceEntry, error) {
	key := presenceKey(reviewID)
	cutoff := r.now().Add(-r.ttl).UnixMilli()

	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("presence: trimming review %s: %w", reviewID, err)
	}
	members, err := r.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: listing review %s: %w", reviewID, err)
	}

	out := make([]models.PresenceEntry, 0, len(members))
	for _, m := range members {
		userID, ok := m.Member.(string)
		if !ok {
			continue
		}
		out = append(out, models.PresenceEntry{
			UserID:   userID,
			ReviewID: reviewID,
			LastSeen: time.UnixMilli(int64(m.Score)).UTC(),
		})
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func presenceKey(reviewID string) string {
	return "presence:" + reviewID
}
