package app

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
)

const schedulerTick = 10 * time.Second

// StartSchedulerService runs enabled schedulers periodically
func (a *Application) StartSchedulerService(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(schedulerTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runSchedulers(ctx)
			}
		}
	}()
}

// runSchedulers executes enabled schedulers that are due
func (a *Application) runSchedulers(ctx context.Context) {
	var schedulers []domain.NotifyScheduler
	if err := a.gormDB.Where("status = ?", common.ENABLED).Find(&schedulers).Error; err != nil {
		zap.L().Error("load schedulers failed", zap.Error(err))
		return
	}
	now := time.Now()
	for i := range schedulers {
		sched := &schedulers[i]
		if !sched.NextRunAt.IsZero() && now.Before(sched.NextRunAt) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		a.runScheduler(ctx, sched)
	}
}

// runScheduler executes one row and records its outcome.
func (a *Application) runScheduler(ctx context.Context, sched *domain.NotifyScheduler) {
	result, message := "success", ""
	fn, ok := a.task(sched.TaskType)
	if !ok {
		result, message = "failed", fmt.Sprintf("unsupported task type %q", sched.TaskType)
	} else {
		msg, err := safeRun(ctx, fn, sched)
		if err != nil {
			result, message = "failed", err.Error()
		} else {
			message = msg
		}
	}
	zap.L().Info("scheduler run",
		zap.Int64("scheduler_id", sched.ID),
		zap.String("name", sched.Name),
		zap.String("task_type", sched.TaskType),
		zap.String("result", result),
		zap.String("message", message))

	interval := time.Duration(sched.Interval) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	now := time.Now()
	if err := a.gormDB.Model(&domain.NotifyScheduler{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at":  now,
		"next_run_at":  now.Add(interval),
		"last_result":  result,
		"last_message": message,
	}).Error; err != nil {
		zap.L().Error("update scheduler failed", zap.Int64("scheduler_id", sched.ID), zap.Error(err))
	}
}

func safeRun(ctx context.Context, fn TaskFunc, sched *domain.NotifyScheduler) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx, sched)
}

// RunSchedulerNow triggers a scheduler execution immediately by ID
func (a *Application) RunSchedulerNow(ctx context.Context, id int64) error {
	var sched domain.NotifyScheduler
	if err := a.gormDB.First(&sched, id).Error; err != nil {
		return err
	}
	a.runScheduler(ctx, &sched)
	return nil
}
