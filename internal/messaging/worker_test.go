package messaging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"geolocator-backend/internal/database"
	"geolocator-backend/internal/messaging"
	"geolocator-backend/internal/pipeline"
	"geolocator-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func createStore(t *testing.T) storage.Provider {
	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), "images"))
	return store
}

func createImageWithTask(t *testing.T, db *gorm.DB, store storage.Provider) database.AnalysisTask {
	ctx := context.Background()

	user := database.User{
		Id: uuid.New(), Email: "worker@example.com", Username: "worker",
		HashedPassword: "x", IsActive: true, CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&user).Error)

	image := database.Image{
		Id: uuid.New(), UserId: user.Id, Filename: "street.jpg",
		ContentType: "image/jpeg", SizeBytes: 10,
		StorageKey:  fmt.Sprintf("users/%s/images/street", user.Id),
		Description: "busy city street with yellow cabs",
		UploadTime:  time.Now().UTC(),
	}
	require.NoError(t, store.PutObject(ctx, "images", image.StorageKey, bytes.NewReader([]byte("image data"))))
	require.NoError(t, db.Create(&image).Error)

	task := database.AnalysisTask{
		Id: uuid.New(), ImageId: image.Id, UserId: user.Id,
		Status: database.TaskPending, CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&task).Error)
	return task
}

// answeringModel returns the same estimate for every analyzer role.
func answeringModel(lat, lon, conf float64) pipeline.ChatModel {
	return pipeline.ChatModelFunc(func(ctx context.Context, system, prompt string, temperature float64) (string, error) {
		return fmt.Sprintf(
			`{"insight": "matched skyline", "estimates": [{"latitude": %f, "longitude": %f, "confidence": %f, "reasoning": "skyline match"}]}`,
			lat, lon, conf), nil
	})
}

// runWorker publishes one task, lets a single worker drain the queue, and
// waits for the worker to go idle before returning.
func runWorker(t *testing.T, db *gorm.DB, store storage.Provider, llm pipeline.ChatModel, taskId uuid.UUID) {
	queue := messaging.NewInMemoryQueue()
	orchestrator := pipeline.NewOrchestrator(llm, pipeline.DefaultConfig())
	worker := messaging.NewWorker(db, store, "images", orchestrator, queue, 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, queue.PublishAnalysisTask(ctx, messaging.AnalysisTaskPayload{TaskId: taskId}))

	worker.Start(ctx)
	require.Eventually(t, func() bool {
		return len(queue.Tasks()) == 0
	}, 10*time.Second, 10*time.Millisecond, "worker never picked up the task")
	require.Eventually(t, func() bool {
		var task database.AnalysisTask
		if err := db.First(&task, "id = ?", taskId).Error; err != nil {
			return false
		}
		return task.Status == database.TaskCompleted || task.Status == database.TaskFailed
	}, 10*time.Second, 10*time.Millisecond, "task never reached a terminal state")

	// Stop returns only after in-flight task handling has finished.
	cancel()
	worker.Stop()
}

func taskState(t *testing.T, db *gorm.DB, taskId uuid.UUID) database.AnalysisTask {
	var task database.AnalysisTask
	require.NoError(t, db.First(&task, "id = ?", taskId).Error)
	return task
}

func TestWorkerCompletesTask(t *testing.T) {
	db := createDB(t)
	store := createStore(t)

	task := createImageWithTask(t, db, store)
	runWorker(t, db, store, answeringModel(40.7580, -73.9855, 0.6), task.Id)

	got := taskState(t, db, task.Id)
	assert.Equal(t, database.TaskCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "Analysis complete", got.CurrentStep)
	assert.True(t, got.StartTime.Valid)
	assert.True(t, got.CompletionTime.Valid)

	var result pipeline.GeoLocationResult
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.InDelta(t, 40.7580, result.Primary.Latitude, 0.001)
	assert.Greater(t, result.Primary.Confidence, 0.6)
	assert.NotEmpty(t, result.Insights)
}

func TestWorkerRecordsPipelineFailure(t *testing.T) {
	db := createDB(t)
	store := createStore(t)

	task := createImageWithTask(t, db, store)
	// Every role reports no estimates, so reconciliation finds no location.
	runWorker(t, db, store, pipeline.NoopChatModel{}, task.Id)

	got := taskState(t, db, task.Id)
	assert.Equal(t, database.TaskFailed, got.Status)
	require.True(t, got.ErrorMessage.Valid)
	assert.Contains(t, got.ErrorMessage.String, "no location")
	assert.True(t, got.CompletionTime.Valid)
}

func TestWorkerFailsTaskForMissingImageObject(t *testing.T) {
	db := createDB(t)
	store := createStore(t)

	task := createImageWithTask(t, db, store)
	var image database.Image
	require.NoError(t, db.First(&image, "id = ?", task.ImageId).Error)
	require.NoError(t, store.DeleteObjects(context.Background(), "images", image.StorageKey))

	runWorker(t, db, store, answeringModel(40, -70, 0.6), task.Id)

	got := taskState(t, db, task.Id)
	assert.Equal(t, database.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage.String, "storage")
}

func TestWorkerSkipsAlreadyProcessedTask(t *testing.T) {
	db := createDB(t)
	store := createStore(t)

	task := createImageWithTask(t, db, store)
	require.NoError(t, database.FailTask(context.Background(), db, task.Id, "cancelled"))

	// A duplicate delivery for a task already in a terminal state is dropped.
	runWorker(t, db, store, answeringModel(40, -70, 0.6), task.Id)

	got := taskState(t, db, task.Id)
	assert.Equal(t, database.TaskFailed, got.Status)
	assert.Equal(t, "cancelled", got.ErrorMessage.String)
}

func TestInMemoryQueueRoundTrip(t *testing.T) {
	queue := messaging.NewInMemoryQueue()

	payload := messaging.AnalysisTaskPayload{TaskId: uuid.New()}
	require.NoError(t, queue.PublishAnalysisTask(context.Background(), payload))

	task := <-queue.Tasks()
	assert.Equal(t, messaging.AnalysisQueue, task.Type())

	var got messaging.AnalysisTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	assert.Equal(t, payload.TaskId, got.TaskId)
	require.NoError(t, task.Ack())
}
