package compensation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const keyPrefix = "compensation:task:"

// DefaultTTL bounds how long a failed cross-service update is retried
// before an operator has to intervene manually.
const DefaultTTL = 24 * time.Hour

// Kind identifies what a task is supposed to replay
type Kind string

const (
	// KindMembershipSync replays the member-service membership upsert
	// that reflects a paid subscription change
	KindMembershipSync Kind = "MembershipSync"
)

// Task is the durable record of a cross-service update that failed after
// the local payment work already committed. The payload carries enough to
// replay the call idempotently.
type Task struct {
	TaskID      string          `json:"taskId"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	RetryCount  int             `json:"retryCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastAttempt time.Time       `json:"lastAttempt"`
}

// MembershipSyncPayload is the payload for KindMembershipSync tasks
type MembershipSyncPayload struct {
	UserID         string    `json:"userId"`
	MemberID       string    `json:"memberId"`
	SubscriptionID string    `json:"subscriptionId"`
	PlanID         string    `json:"planId"`
	MembershipType string    `json:"membershipType"`
	StartDate      time.Time `json:"startDate"`
	EndDate        time.Time `json:"endDate"`
}

// NewMembershipSyncTask builds a KindMembershipSync task carrying the
// full membership snapshot
func NewMembershipSyncTask(taskID string, payload MembershipSyncPayload) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, extErrors.Wrap(err, "Cannot encode membership sync payload")
	}
	return Task{
		TaskID:    taskID,
		Kind:      KindMembershipSync,
		Payload:   raw,
		CreatedAt: time.Now(),
	}, nil
}

// Options provides initialization parameters for Queue
type Options struct {
	Redis  redis.UniversalClient
	Logger *zap.Logger
}

// Queue is the Redis-backed store of compensation tasks
type Queue struct {
	Options
}

// NewQueue returns a Queue for persisting compensation tasks
func NewQueue(option Options) (*Queue, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Queue{
		Options: option,
	}, nil
}

// Store persists the task with the given TTL, overwriting any prior
// version (used to bump RetryCount between sweeps)
func (q *Queue) Store(task Task, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode compensation task")
	}
	if err := q.Redis.Set(keyPrefix+task.TaskID, raw, ttl).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot persist compensation task")
	}
	return nil
}

// Get returns the task with the given id, or nil if it does not exist
func (q *Queue) Get(taskID string) (*Task, error) {
	raw, err := q.Redis.Get(keyPrefix + taskID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch compensation task")
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode compensation task")
	}
	return &task, nil
}

// Delete removes a task once its replay succeeded
func (q *Queue) Delete(taskID string) error {
	if err := q.Redis.Del(keyPrefix + taskID).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot delete compensation task")
	}
	return nil
}

// List returns all live tasks. Expired keys fall off via their TTL so
// anything SCAN finds is still within its retry window.
func (q *Queue) List() ([]Task, error) {
	tasks := make([]Task, 0, 4)
	iter := q.Redis.Scan(0, keyPrefix+"*", 100).Iterator()
	for iter.Next() {
		raw, err := q.Redis.Get(iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot fetch compensation task during scan")
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.Logger.Error("Dropping undecodable compensation task",
				zap.String("Key", iter.Val()),
				zap.Error(err),
			)
			continue
		}
		tasks = append(tasks, task)
	}
	if err := iter.Err(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot scan compensation tasks")
	}
	return tasks, nil
}
