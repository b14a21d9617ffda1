package subscription

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TaskOptions provides initialization parameters for Task
type TaskOptions struct {
	SubscriptionManager *Manager
	Logger              *zap.Logger
}

// Task runs the daily expiration sweep over lapsed subscriptions
type Task struct {
	TaskOptions
}

// NewTask returns a Task for subscription maintenance
func NewTask(option TaskOptions) (*Task, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// ExpireLapsed marks subscriptions past their end date as expired
func (t *Task) ExpireLapsed(ctx context.Context) error {
	count, err := t.SubscriptionManager.ExpireLapsed(ctx, time.Now())
	if err != nil {
		t.Logger.Error("Expiration sweep failed",
			zap.Error(err),
		)
		return err
	}
	if count > 0 {
		t.Logger.Info("Expiration sweep completed",
			zap.Int("Expired", count),
		)
	}
	return nil
}
