package outcome

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-dialer/internal/domain"
)

// RedisStore keeps one hash per channel and refreshes its TTL on every write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds the store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Record merges o into the stored hash. Only non-zero fields are written,
// so concurrent writers for different fields do not clobber each other.
func (s *RedisStore) Record(ctx context.Context, channelID string, o Outcome) error {
	fields := map[string]any{}
	if o.HangupCause != "" {
		fields["hangup_cause"] = o.HangupCause
	}
	if o.AMDResult != "" {
		fields["amd_result"] = o.AMDResult
	}
	if o.Qualification != "" {
		fields["qualification"] = string(o.Qualification)
	}
	if o.Transcript != "" {
		fields["transcript"] = o.Transcript
	}
	if o.Sentiment != "" {
		fields["sentiment"] = o.Sentiment
	}
	if o.Latency > 0 {
		fields["latency_ms"] = o.Latency.Milliseconds()
	}
	if o.Answered {
		fields["answered"] = "1"
	}
	if o.BargedIn {
		fields["barged_in"] = "1"
	}
	at := o.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	fields["updated_at"] = at.UnixMilli()

	key := s.key(channelID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.PExpire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outcome store: record %s: %w", channelID, err)
	}
	return nil
}

// Get loads the merged outcome for a channel.
func (s *RedisStore) Get(ctx context.Context, channelID string) (Outcome, error) {
	values, err := s.client.HGetAll(ctx, s.key(channelID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Outcome{}, ErrNoOutcome
		}
		return Outcome{}, fmt.Errorf("outcome store: get %s: %w", channelID, err)
	}
	if len(values) == 0 {
		return Outcome{}, ErrNoOutcome
	}

	o := Outcome{
		HangupCause:   values["hangup_cause"],
		AMDResult:     values["amd_result"],
		Qualification: domain.CallResult(values["qualification"]),
		Transcript:    values["transcript"],
		Sentiment:     values["sentiment"],
		Answered:      values["answered"] == "1",
		BargedIn:      values["barged_in"] == "1",
	}
	if ms, err := strconv.ParseInt(values["latency_ms"], 10, 64); err == nil {
		o.Latency = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(values["updated_at"], 10, 64); err == nil {
		o.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return o, nil
}

// Delete drops the channel's outcome once the call is closed.
func (s *RedisStore) Delete(ctx context.Context, channelID string) error {
	if err := s.client.Del(ctx, s.key(channelID)).Err(); err != nil {
		return fmt.Errorf("outcome store: delete %s: %w", channelID, err)
	}
	return nil
}

func (s *RedisStore) key(channelID string) string {
	return "dialer:outcome:" + channelID
}
