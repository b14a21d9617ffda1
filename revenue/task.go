package revenue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TaskOptions provides initialization parameters for Task
type TaskOptions struct {
	RevenueManager *Manager
	Logger         *zap.Logger
}

// Task runs the scheduled revenue rollups
type Task struct {
	TaskOptions
}

// NewTask returns a Task for revenue aggregation
func NewTask(option TaskOptions) (*Task, error) {
	if option.RevenueManager == nil {
		return nil, fmt.Errorf("nil RevenueManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// GenerateDaily recomputes today's and yesterday's rollups. Yesterday
// is included so webhooks landing around midnight are not lost to the
// day boundary.
func (t *Task) GenerateDaily(ctx context.Context) error {
	now := time.Now()
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		if _, err := t.RevenueManager.Generate(ctx, day); err != nil {
			t.Logger.Error("Revenue rollup failed",
				zap.Time("Day", day),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}
