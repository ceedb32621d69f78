package test_notify

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/notify"
	"github.com/treeline/backstop/test"
)

func TestPublishRoundTrip(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)

	listener, err := notify.NewListener(os.Getenv("DATABASE_URL"))
	require.NoError(t, err)
	defer listener.Close()

	pub := &notify.PGPublisher{}
	sent := notify.Event{
		JobID:    42,
		Queue:    models.QueueDefault,
		Type:     "backup.run",
		Status:   models.StatusRunning,
		Progress: 60,
		Message:  "copying /etc",
	}
	pub.Publish(sent)

	select {
	case got := <-listener.C:
		assert.Equal(t, sent, got)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestPublisherSwallowsWhenDisconnected(t *testing.T) {
	// must not panic or error with no delivery path
	notify.Discard.Publish(notify.Event{JobID: 1})
}
