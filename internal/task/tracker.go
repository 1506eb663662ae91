// Package task implements the run-progress tracker. The tracker is the single
// channel through which a detached pipeline execution reports progress to the
// synchronous polling endpoint, so it is backed by Redis rather than process
// memory: the trigger request and the run may live in different processes.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/episteme-ai/episteme/internal/model"
)

// ErrNotFound is returned when no state exists for a run id.
var ErrNotFound = eris.New("task: not found")

// Tracker persists per-run status documents keyed by run id.
type Tracker interface {
	// Write replaces the state for runID. Terminal states are written with a
	// shorter TTL so finished records self-expire.
	Write(ctx context.Context, runID string, state model.TaskState) error
	// Read returns the last-written state, or ErrNotFound.
	Read(ctx context.Context, runID string) (*model.TaskState, error)
	Close() error
}

const keyPrefix = "episteme:task:"

// StateClient is the subset of the redis client the tracker uses. Tests
// satisfy it with a mock.
type StateClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// RedisTracker implements Tracker on a Redis key per run with JSON values.
// Redis gives atomic per-key read/write without pipeline-side locking; one
// orchestrator instance owns a given run id, so there is a single writer.
type RedisTracker struct {
	client      StateClient
	taskTTL     time.Duration
	terminalTTL time.Duration
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(ctx context.Context, url string, taskTTL, terminalTTL time.Duration) (*RedisTracker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "task: parse redis url")
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "task: ping redis")
	}

	return NewRedisTrackerWithClient(client, taskTTL, terminalTTL), nil
}

// NewRedisTrackerWithClient wires an existing client, primarily for tests.
func NewRedisTrackerWithClient(client StateClient, taskTTL, terminalTTL time.Duration) *RedisTracker {
	return &RedisTracker{
		client:      client,
		taskTTL:     taskTTL,
		terminalTTL: terminalTTL,
	}
}

// Key returns the Redis key for a run id.
func Key(runID string) string { return keyPrefix + runID }

func (t *RedisTracker) Write(ctx context.Context, runID string, state model.TaskState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "task: marshal state")
	}

	ttl := t.taskTTL
	if state.Terminal() {
		ttl = t.terminalTTL
	}

	if err := t.client.Set(ctx, Key(runID), doc, ttl).Err(); err != nil {
		return eris.Wrapf(err, "task: write state for run %s", runID)
	}
	return nil
}

func (t *RedisTracker) Read(ctx context.Context, runID string) (*model.TaskState, error) {
	doc, err := t.client.Get(ctx, Key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "task: read state for run %s", runID)
	}

	var state model.TaskState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, eris.Wrapf(err, "task: unmarshal state for run %s", runID)
	}
	return &state, nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
