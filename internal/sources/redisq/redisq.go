// Package redisq samples Resque-convention processed counters from Redis:
// the queue set lives at {prefix}:queues and each queue's processed counter
// at {prefix}:stat:processed:{queue}, INCRed by workers. Counters vanish
// with a FLUSHALL or an eviction, so the source is volatile.
package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

// SourceName identifies this source in logs, errors and reports.
const SourceName = "redis"

type Source struct {
	db        redis.UniversalClient
	keyPrefix string
}

// New builds a universal client from the configured connection options and
// returns a source over it.
func New(config configuration.RedisConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return NewWithClient(redis.NewUniversalClient(&config.Connection), config.KeyPrefix), nil
}

// NewWithClient returns a source over an existing client. The caller keeps
// ownership of the client's lifecycle.
func NewWithClient(db redis.UniversalClient, keyPrefix string) *Source {
	return &Source{db: db, keyPrefix: keyPrefix}
}

func (s *Source) Name() string { return SourceName }

// Volatile is true: processed counters disappear with a flush and restart
// from zero.
func (s *Source) Volatile() bool { return true }

func (s *Source) queuesKey() string {
	return fmt.Sprintf("%s:queues", s.keyPrefix)
}

func (s *Source) processedKey(queue string) string {
	return fmt.Sprintf("%s:stat:processed:%s", s.keyPrefix, queue)
}

// CheckEnvironment verifies the queue set is reachable and non-empty.
func (s *Source) CheckEnvironment(ctx context.Context) error {
	queues, err := s.listQueues()
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		return errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: fmt.Sprintf("the queue set %s is empty", s.queuesKey()),
		})
	}
	return nil
}

// GetSnapshot reads every queue's processed counter in one pipelined
// round-trip. A queue whose counter key is missing reads as zero: a fresh
// queue simply has not processed anything yet.
func (s *Source) GetSnapshot(ctx context.Context) (*engine.Snapshot, error) {
	queues, err := s.listQueues()
	if err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: fmt.Sprintf("the queue set %s is empty", s.queuesKey()),
		})
	}

	pipe := s.db.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(queues))
	for _, queue := range queues {
		cmds[queue] = pipe.Get(s.processedKey(queue))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: "reading processed counters",
			Err:     err,
		})
	}

	counters := make(map[string]*int64, len(queues))
	for queue, cmd := range cmds {
		value, err := cmd.Int64()
		switch {
		case err == redis.Nil:
			zero := int64(0)
			counters[queue] = &zero
		case err != nil:
			// Malformed counter value; report the queue without a reading.
			counters[queue] = nil
		default:
			counters[queue] = &value
		}
	}
	return &engine.Snapshot{CapturedAt: time.Now(), Counters: counters}, nil
}

func (s *Source) listQueues() ([]string, error) {
	queues, err := s.db.SMembers(s.queuesKey()).Result()
	if err != nil {
		return nil, errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("reading the queue set %s", s.queuesKey()),
			Err:     err,
		})
	}
	return queues, nil
}
