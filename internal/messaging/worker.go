package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geolocator-backend/internal/database"
	"geolocator-backend/internal/imagemeta"
	"geolocator-backend/internal/pipeline"
	"geolocator-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Worker consumes analysis tasks from the queue and runs them through the
// geolocation pipeline. One Worker drives Concurrency goroutines; each handles
// one task at a time.
type Worker struct {
	db           *gorm.DB
	storage      storage.Provider
	bucket       string
	orchestrator *pipeline.Orchestrator
	receiver     Receiver

	Concurrency int
	TaskTimeout time.Duration

	wg sync.WaitGroup
}

func NewWorker(db *gorm.DB, store storage.Provider, bucket string, orchestrator *pipeline.Orchestrator, receiver Receiver, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		db:           db,
		storage:      store,
		bucket:       bucket,
		orchestrator: orchestrator,
		receiver:     receiver,
		Concurrency:  concurrency,
		TaskTimeout:  10 * time.Minute,
	}
}

// Start launches the consumer goroutines. They exit when the receiver's task
// channel closes or ctx is cancelled; Stop waits for in-flight tasks.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting analysis workers", "concurrency", w.Concurrency)

	w.wg.Add(w.Concurrency)
	for i := 0; i < w.Concurrency; i++ {
		go func(id int) {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-w.receiver.Tasks():
					if !ok {
						return
					}
					w.handleTask(ctx, task)
				}
			}
		}(i)
	}
}

// Stop blocks until all in-flight tasks finish.
func (w *Worker) Stop() {
	w.wg.Wait()
}

func (w *Worker) handleTask(ctx context.Context, task Task) {
	switch task.Type() {
	case AnalysisQueue:
		if err := w.processAnalysisTask(ctx, task.Payload()); err != nil {
			slog.Error("analysis task failed", "error", err)
			if err := task.Nack(); err != nil {
				slog.Error("error nacking task", "error", err)
			}
			return
		}
		if err := task.Ack(); err != nil {
			slog.Error("error acking task", "error", err)
		}
	default:
		slog.Warn("received task from unknown queue", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "error", err)
		}
	}
}

// processAnalysisTask runs one geolocation analysis end to end. A pipeline
// failure is recorded on the task row and reported as success to the queue;
// only infrastructure errors (bad payload aside) propagate for redelivery.
func (w *Worker) processAnalysisTask(ctx context.Context, payload []byte) error {
	var msg AnalysisTaskPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("invalid analysis task payload", "error", err)
		return nil // malformed messages are not retryable
	}

	logger := slog.With("task_id", msg.TaskId)

	if err := database.StartTask(ctx, w.db, msg.TaskId); err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			// Duplicate delivery or a task already finished elsewhere.
			logger.Warn("skipping task not in pending state")
			return nil
		}
		return fmt.Errorf("failed to start task: %w", err)
	}

	var task database.AnalysisTask
	if err := w.db.WithContext(ctx).Preload("Image").First(&task, "id = ?", msg.TaskId).Error; err != nil {
		w.failTask(ctx, msg.TaskId, "task record not found")
		return nil
	}
	if task.Image == nil {
		w.failTask(ctx, msg.TaskId, "image record not found")
		return nil
	}

	data, err := w.storage.GetObject(ctx, w.bucket, task.Image.StorageKey)
	if err != nil {
		logger.Error("failed to load image from storage", "key", task.Image.StorageKey, "error", err)
		w.failTask(ctx, msg.TaskId, "image could not be loaded from storage")
		return nil
	}

	description := task.Image.Description
	if description == "" {
		description = imagemeta.Describe(data)
	}

	req := pipeline.AnalysisRequest{
		ImageRef:    task.Image.Filename,
		Description: description,
		Metadata: map[string]string{
			"content_type": task.Image.ContentType,
			"size_bytes":   fmt.Sprintf("%d", task.Image.SizeBytes),
		},
	}

	runCtx, cancel := context.WithTimeout(ctx, w.TaskTimeout)
	defer cancel()

	onProgress := func(fraction float64, message string) {
		if err := database.UpdateTaskProgress(runCtx, w.db, msg.TaskId, fraction, message); err != nil {
			logger.Warn("failed to record task progress", "error", err)
		}
	}

	result, err := w.orchestrator.Analyze(runCtx, req, onProgress)
	if err != nil {
		logger.Warn("analysis pipeline failed", "error", err)
		w.failTask(ctx, msg.TaskId, err.Error())
		return nil
	}

	doc, err := json.Marshal(result)
	if err != nil {
		w.failTask(ctx, msg.TaskId, "failed to serialize analysis result")
		return nil
	}

	if err := database.CompleteTask(ctx, w.db, msg.TaskId, datatypes.JSON(doc)); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	logger.Info("analysis task completed",
		"confidence", result.Primary.Confidence,
		"processing_time", result.ProcessingTime)
	return nil
}

func (w *Worker) failTask(ctx context.Context, taskId uuid.UUID, message string) {
	if err := database.FailTask(ctx, w.db, taskId, message); err != nil {
		slog.Error("error recording task failure", "task_id", taskId, "error", err)
	}
}
