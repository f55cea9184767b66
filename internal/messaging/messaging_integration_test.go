//go:build integration
// +build integration

// The build tag 'integration' allows separating integration tests from unit tests.
// Run unit tests with: go test ./...
// Run integration tests with: go test -tags=integration ./...

package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func setupRabbitMQ(t *testing.T, ctx context.Context) string {
	rabbitmqContainer, err := rabbitmq.RunContainer(ctx,
		testcontainers.WithImage("rabbitmq:3.11-management"),
	)
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		if err := rabbitmqContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate RabbitMQ container: %v", err)
		}
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

func TestRabbitMQPublishReceive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := setupRabbitMQ(t, ctx)

	publisher, err := NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	defer publisher.Close()

	receiver, err := NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	defer receiver.Close()

	payload := AnalysisTaskPayload{TaskId: uuid.New()}
	require.NoError(t, publisher.PublishAnalysisTask(ctx, payload))

	select {
	case task := <-receiver.Tasks():
		assert.Equal(t, AnalysisQueue, task.Type())

		var received AnalysisTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload, received)

		require.NoError(t, task.Ack())
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for task")
	}
}

func TestRabbitMQRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := setupRabbitMQ(t, ctx)

	publisher, err := NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	defer publisher.Close()

	receiver, err := NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	defer receiver.Close()

	first := AnalysisTaskPayload{TaskId: uuid.New()}
	second := AnalysisTaskPayload{TaskId: uuid.New()}
	require.NoError(t, publisher.PublishAnalysisTask(ctx, first))
	require.NoError(t, publisher.PublishAnalysisTask(ctx, second))

	// QoS is 1, so the second message is only delivered after the first is
	// settled.
	select {
	case task := <-receiver.Tasks():
		require.NoError(t, task.Nack())
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for first task")
	}

	select {
	case task := <-receiver.Tasks():
		var received AnalysisTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, second, received)
		require.NoError(t, task.Ack())
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for second task")
	}
}
