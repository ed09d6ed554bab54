package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/choreo/internal/model"
)

const maxWatchRetries = 5

// RedisStore keeps each task as a JSON value under task:<id>, with the
// blueprint alongside under blueprint:<id>. Both expire after ttl.
type RedisStore struct {
	mu     sync.RWMutex
	client *redis.Client
	opts   *redis.Options
	ttl    time.Duration
}

// NewRedisStore dials lazily; the first command establishes the pool.
func NewRedisStore(opts *redis.Options, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: redis.NewClient(opts), opts: opts, ttl: ttl}
}

func taskKey(id string) string      { return fmt.Sprintf("task:%s", id) }
func blueprintKey(id string) string { return fmt.Sprintf("blueprint:%s", id) }

func (s *RedisStore) rdb() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *RedisStore) Create(ctx context.Context, task *model.ChoreographyTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	ok, err := s.rdb().SetNX(ctx, taskKey(task.ID), data, s.ttl).Result()
	if err != nil {
		return classifyRedis("create", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.ChoreographyTask, error) {
	data, err := s.rdb().Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		return nil, classifyRedis("get", err)
	}
	var task model.ChoreographyTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, &DatabaseError{Op: "get", Err: err}
	}
	return &task, nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// writer changed the key first.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*model.ChoreographyTask) error) (*model.ChoreographyTask, error) {
	key := taskKey(id)
	var updated *model.ChoreographyTask

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var task model.ChoreographyTask
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = &task
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb().Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if isLifecycleError(err) {
			return nil, err
		}
		return nil, classifyRedis("update", err)
	}
	return nil, &DatabaseError{Op: "update", Err: fmt.Errorf("task %s: too much write contention", id)}
}

func (s *RedisStore) PutBlueprint(ctx context.Context, id string, blueprint []byte) error {
	if err := s.rdb().Set(ctx, blueprintKey(id), blueprint, s.ttl).Err(); err != nil {
		return classifyRedis("put blueprint", err)
	}
	return nil
}

func (s *RedisStore) GetBlueprint(ctx context.Context, id string) ([]byte, error) {
	data, err := s.rdb().Get(ctx, blueprintKey(id)).Bytes()
	if err != nil {
		return nil, classifyRedis("get blueprint", err)
	}
	return data, nil
}

// Reset closes the pool and replaces the client with a fresh one.
func (s *RedisStore) Reset(context.Context) error {
	s.mu.Lock()
	old := s.client
	s.client = redis.NewClient(s.opts)
	s.mu.Unlock()
	_ = old.Close()
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb().Close()
}

// Ping checks connectivity; the health endpoint uses it.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb().Ping(ctx).Err(); err != nil {
		return classifyRedis("ping", err)
	}
	return nil
}

func classifyRedis(op string, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, redis.ErrClosed), looksLikeConnection(err):
		return &DatabaseError{Op: op, Connection: true, Err: err}
	}
	return &DatabaseError{Op: op, Err: err}
}

func isLifecycleError(err error) bool {
	return errors.Is(err, ErrTerminal) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound)
}
