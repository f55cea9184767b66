package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidTransition is returned when a task is not in the state the
// requested transition expects. Lost races on guarded updates surface as this
// error.
var ErrInvalidTransition = fmt.Errorf("task is not in a state that allows this transition")

// StartTask moves a task from PENDING to PROCESSING. A task that is already
// running, finished, or missing is left untouched and the caller is told via
// ErrInvalidTransition, so duplicate queue deliveries never restart a task.
func StartTask(ctx context.Context, txn *gorm.DB, taskId uuid.UUID) error {
	result := txn.WithContext(ctx).
		Model(&AnalysisTask{}).
		Where("id = ? AND status = ?", taskId, TaskPending).
		Updates(map[string]any{
			"status":       TaskProcessing,
			"start_time":   time.Now().UTC(),
			"current_step": "Starting image analysis",
		})
	if result.Error != nil {
		slog.Error("error starting analysis task", "task_id", taskId, "error", result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("cannot start task %s: %w", taskId, ErrInvalidTransition)
	}
	return nil
}

// UpdateTaskProgress records pipeline progress on a PROCESSING task. Updates
// for tasks that already reached a terminal state are dropped silently; the
// progress stream is best effort.
func UpdateTaskProgress(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, progress float64, step string) error {
	err := txn.WithContext(ctx).
		Model(&AnalysisTask{}).
		Where("id = ? AND status = ?", taskId, TaskProcessing).
		Updates(map[string]any{
			"progress":     progress,
			"current_step": step,
		}).Error
	if err != nil {
		slog.Error("error updating task progress", "task_id", taskId, "error", err)
		return err
	}
	return nil
}

// CompleteTask moves a task from PROCESSING to COMPLETED and stores the
// result document. The guard guarantees at most one terminal transition per
// task.
func CompleteTask(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, result datatypes.JSON) error {
	res := txn.WithContext(ctx).
		Model(&AnalysisTask{}).
		Where("id = ? AND status = ?", taskId, TaskProcessing).
		Updates(map[string]any{
			"status":          TaskCompleted,
			"progress":        1.0,
			"current_step":    "Analysis complete",
			"result":          result,
			"completion_time": time.Now().UTC(),
		})
	if res.Error != nil {
		slog.Error("error completing analysis task", "task_id", taskId, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cannot complete task %s: %w", taskId, ErrInvalidTransition)
	}
	return nil
}

// FailTask moves a PENDING or PROCESSING task to FAILED with an error
// message. Failing an already-terminal task is a no-op error.
func FailTask(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, message string) error {
	res := txn.WithContext(ctx).
		Model(&AnalysisTask{}).
		Where("id = ? AND status IN ?", taskId, []string{TaskPending, TaskProcessing}).
		Updates(map[string]any{
			"status":          TaskFailed,
			"error_message":   message,
			"completion_time": time.Now().UTC(),
		})
	if res.Error != nil {
		slog.Error("error failing analysis task", "task_id", taskId, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cannot fail task %s: %w", taskId, ErrInvalidTransition)
	}
	return nil
}

// RecordLogin stamps the user's last login time.
func RecordLogin(ctx context.Context, txn *gorm.DB, userId uuid.UUID) error {
	err := txn.WithContext(ctx).
		Model(&User{Id: userId}).
		Update("last_login", time.Now().UTC()).Error
	if err != nil {
		slog.Error("error recording login", "user_id", userId, "error", err)
		return err
	}
	return nil
}
