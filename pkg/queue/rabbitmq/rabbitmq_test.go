package rabbitmq

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kingdread/Eltrur/pkg/models"
)

func testEvent(passed bool) models.JobStoredEvent {
	return models.JobStoredEvent{
		Build:      "42",
		Job:        "42.1",
		UploadID:   "d7f3c2a0-0000-4000-8000-000000000000",
		AllPassed:  passed,
		TestCount:  3,
		Location:   "/build/42/job/42.1",
		UploadedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildMessage(t *testing.T) {
	msg, key, err := buildMessage(testEvent(true))
	require.NoError(t, err)
	assert.Equal(t, routingKeyPassed, key)
	assert.Equal(t, contentTypeJSON, msg.ContentType)
	assert.Equal(t, "d7f3c2a0-0000-4000-8000-000000000000", msg.MessageId)
	assert.Equal(t, "42", msg.Headers["build"])

	var decoded models.JobStoredEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, testEvent(true), decoded)

	_, key, err = buildMessage(testEvent(false))
	require.NoError(t, err)
	assert.Equal(t, routingKeyFailed, key)
}

func TestPublishAgainstBroker(t *testing.T) {
	url := os.Getenv("ELTRUR_TEST_RABBITMQ_URL")
	if url == "" {
		t.Skip("ELTRUR_TEST_RABBITMQ_URL not set")
	}
	p, err := NewPublisher(url, "eltrur.test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer p.Close()

	ch, err := p.conn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "job.*", "eltrur.test", false, nil))

	require.NoError(t, p.PublishJobStored(context.Background(), testEvent(false)))

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)
	select {
	case d := <-deliveries:
		assert.Equal(t, routingKeyFailed, d.RoutingKey)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}
