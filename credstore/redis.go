package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix      = "gatekeeper:credentials:"
	defaultRedisTimeout = 2 * time.Second
	maxWatchRetries     = 8
)

// RedisStore keeps the credential record as a single JSON value in Redis so
// that every process pointed at the same key shares one record. Writes use
// WATCH/MULTI so a concurrent writer can never interleave with a
// read-modify-write.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store for the named profile.
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	if profile == "" {
		profile = DefaultProfile
	}
	return &RedisStore{
		client:  client,
		key:     redisKeyPrefix + profile,
		timeout: defaultRedisTimeout,
	}
}

func (s *RedisStore) Read() (Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading credential record: %w", err)
	}
	return decodeRedisRecord(data)
}

func (s *RedisStore) Write(p Patch) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	txf := func(tx *redis.Tx) error {
		var current Record
		data, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = decodeRedisRecord(data); err != nil {
				return err
			}
		}
		next := p.Apply(current)
		if err := next.Validate(); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next.Empty() {
				pipe.Del(ctx, s.key)
				return nil
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.key, encoded, 0)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidRecord) && !errors.Is(err, ErrCorruptRecord) {
			return fmt.Errorf("writing credential record: %w", err)
		}
		return err
	}
	return fmt.Errorf("writing credential record: too much contention on %s", s.key)
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clearing credential record: %w", err)
	}
	return nil
}

func decodeRedisRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return r, nil
}
