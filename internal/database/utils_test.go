package database_test

import (
	"context"
	"testing"
	"time"

	"geolocator-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func createTask(t *testing.T, db *gorm.DB, status string) uuid.UUID {
	userId := uuid.New()
	require.NoError(t, db.Create(&database.User{
		Id: userId, Email: userId.String() + "@example.com", Username: userId.String(),
		HashedPassword: "x", CreationTime: time.Now().UTC(),
	}).Error)

	imageId := uuid.New()
	require.NoError(t, db.Create(&database.Image{
		Id: imageId, UserId: userId, Filename: "test.jpg", StorageKey: "k", UploadTime: time.Now().UTC(),
	}).Error)

	taskId := uuid.New()
	require.NoError(t, db.Create(&database.AnalysisTask{
		Id: taskId, ImageId: imageId, UserId: userId, Status: status, CreationTime: time.Now().UTC(),
	}).Error)

	return taskId
}

func taskStatus(t *testing.T, db *gorm.DB, taskId uuid.UUID) database.AnalysisTask {
	var task database.AnalysisTask
	require.NoError(t, db.First(&task, "id = ?", taskId).Error)
	return task
}

func TestStartTask(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	taskId := createTask(t, db, database.TaskPending)

	require.NoError(t, database.StartTask(ctx, db, taskId))

	task := taskStatus(t, db, taskId)
	assert.Equal(t, database.TaskProcessing, task.Status)
	assert.True(t, task.StartTime.Valid)

	// A second start (duplicate queue delivery) must not succeed.
	err := database.StartTask(ctx, db, taskId)
	assert.ErrorIs(t, err, database.ErrInvalidTransition)
}

func TestCompleteTaskRequiresProcessing(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	taskId := createTask(t, db, database.TaskPending)

	err := database.CompleteTask(ctx, db, taskId, datatypes.JSON(`{}`))
	assert.ErrorIs(t, err, database.ErrInvalidTransition)

	require.NoError(t, database.StartTask(ctx, db, taskId))
	require.NoError(t, database.CompleteTask(ctx, db, taskId, datatypes.JSON(`{"ok":true}`)))

	task := taskStatus(t, db, taskId)
	assert.Equal(t, database.TaskCompleted, task.Status)
	assert.Equal(t, 1.0, task.Progress)
	assert.True(t, task.CompletionTime.Valid)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))
}

func TestSingleTerminalTransition(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	taskId := createTask(t, db, database.TaskPending)
	require.NoError(t, database.StartTask(ctx, db, taskId))
	require.NoError(t, database.CompleteTask(ctx, db, taskId, datatypes.JSON(`{}`)))

	// Terminal states are final: neither failing nor re-completing is allowed.
	assert.ErrorIs(t, database.FailTask(ctx, db, taskId, "late failure"), database.ErrInvalidTransition)
	assert.ErrorIs(t, database.CompleteTask(ctx, db, taskId, datatypes.JSON(`{}`)), database.ErrInvalidTransition)

	task := taskStatus(t, db, taskId)
	assert.Equal(t, database.TaskCompleted, task.Status)
	assert.False(t, task.ErrorMessage.Valid)
}

func TestFailTaskFromPendingAndProcessing(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	pending := createTask(t, db, database.TaskPending)
	require.NoError(t, database.FailTask(ctx, db, pending, "could not enqueue"))
	task := taskStatus(t, db, pending)
	assert.Equal(t, database.TaskFailed, task.Status)
	assert.Equal(t, "could not enqueue", task.ErrorMessage.String)

	processing := createTask(t, db, database.TaskPending)
	require.NoError(t, database.StartTask(ctx, db, processing))
	require.NoError(t, database.FailTask(ctx, db, processing, "pipeline error"))
	assert.Equal(t, database.TaskFailed, taskStatus(t, db, processing).Status)
}

func TestUpdateTaskProgress(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	taskId := createTask(t, db, database.TaskPending)
	require.NoError(t, database.StartTask(ctx, db, taskId))

	require.NoError(t, database.UpdateTaskProgress(ctx, db, taskId, 0.5, "Cross-referencing findings"))

	task := taskStatus(t, db, taskId)
	assert.Equal(t, 0.5, task.Progress)
	assert.Equal(t, "Cross-referencing findings", task.CurrentStep)

	// Progress updates racing a terminal transition are dropped silently.
	require.NoError(t, database.CompleteTask(ctx, db, taskId, datatypes.JSON(`{}`)))
	require.NoError(t, database.UpdateTaskProgress(ctx, db, taskId, 0.6, "stale"))
	assert.Equal(t, 1.0, taskStatus(t, db, taskId).Progress)
}
