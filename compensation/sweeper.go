package compensation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gymfit/billing/member"

	"go.uber.org/zap"
)

const (
	baseRetryDelay = time.Minute
	maxRetryDelay  = time.Hour
	jitterFraction = 0.2
)

// TaskStore is the slice of Queue the sweeper needs
type TaskStore interface {
	List() ([]Task, error)
	Store(task Task, ttl time.Duration) error
	Delete(taskID string) error
}

// MembershipSyncer replays the member-service membership upsert. The
// member lookup is needed again when the original failure happened
// before the user id was resolved.
type MembershipSyncer interface {
	GetMember(ctx context.Context, memberID string) (*member.Member, error)
	UpsertMembership(ctx context.Context, userID string, up member.MembershipUpsert) error
}

// SweeperOptions provides initialization parameters for Sweeper
type SweeperOptions struct {
	Tasks   TaskStore
	Members MembershipSyncer
	Logger  *zap.Logger
}

// Sweeper periodically drains the compensation queue, replaying each
// failed cross-service call with exponential backoff until it succeeds
// or its TTL lapses
type Sweeper struct {
	SweeperOptions
}

// NewSweeper returns a Sweeper for draining compensation tasks
func NewSweeper(option SweeperOptions) (*Sweeper, error) {
	if option.Tasks == nil {
		return nil, fmt.Errorf("nil Tasks is invalid")
	}
	if option.Members == nil {
		return nil, fmt.Errorf("nil Members is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Sweeper{
		SweeperOptions: option,
	}, nil
}

// nextRetryDelay computes the backoff before attempt retry+1, with
// jitter so a burst of failures does not replay in lockstep
func nextRetryDelay(retry int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFraction * float64(delay))
	return delay + jitter
}

func (s *Sweeper) due(task Task, now time.Time) bool {
	if task.LastAttempt.IsZero() {
		return true
	}
	return now.Sub(task.LastAttempt) >= nextRetryDelay(task.RetryCount)
}

// Run performs one sweep. Scheduled via cron in the worker binary.
func (s *Sweeper) Run(ctx context.Context) error {
	tasks, err := s.Tasks.List()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, task := range tasks {
		if !s.due(task, now) {
			continue
		}
		remaining := DefaultTTL - now.Sub(task.CreatedAt)
		if remaining <= 0 {
			s.Logger.Error("Compensation task exhausted its retry window",
				zap.String("TaskID", task.TaskID),
				zap.String("Kind", string(task.Kind)),
				zap.Int("RetryCount", task.RetryCount),
			)
			if err := s.Tasks.Delete(task.TaskID); err != nil {
				s.Logger.Error("Unable to delete exhausted compensation task",
					zap.String("TaskID", task.TaskID),
					zap.Error(err),
				)
			}
			continue
		}
		if err := s.replay(ctx, task); err != nil {
			s.Logger.Warn("Compensation replay failed, will retry",
				zap.String("TaskID", task.TaskID),
				zap.Int("RetryCount", task.RetryCount),
				zap.Error(err),
			)
			task.RetryCount++
			task.LastAttempt = now
			if err := s.Tasks.Store(task, remaining); err != nil {
				s.Logger.Error("Unable to persist retried compensation task",
					zap.String("TaskID", task.TaskID),
					zap.Error(err),
				)
			}
			continue
		}
		if err := s.Tasks.Delete(task.TaskID); err != nil {
			s.Logger.Error("Unable to delete completed compensation task",
				zap.String("TaskID", task.TaskID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Sweeper) replay(ctx context.Context, task Task) error {
	switch task.Kind {
	case KindMembershipSync:
		var payload MembershipSyncPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		userID := payload.UserID
		if len(userID) == 0 {
			mem, err := s.Members.GetMember(ctx, payload.MemberID)
			if err != nil {
				return err
			}
			if mem == nil {
				return fmt.Errorf("no member with id %s", payload.MemberID)
			}
			userID = mem.UserID
		}
		return s.Members.UpsertMembership(ctx, userID, member.MembershipUpsert{
			MemberID:       payload.MemberID,
			SubscriptionID: payload.SubscriptionID,
			PlanID:         payload.PlanID,
			MembershipType: payload.MembershipType,
			StartDate:      payload.StartDate,
			EndDate:        payload.EndDate,
		})
	default:
		return fmt.Errorf("unknown compensation task kind: %s", task.Kind)
	}
}
