package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	ws "github.com/ms2sato/agent-console-sub007/pkg/websocket"
)

func newHubForTest(t *testing.T) (*Hub, *logger.Logger) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return NewHub(ws.NewDispatcher(), nil, log), log
}

func TestSendToWorkerSubscribersDuringSubscriptionChurn(t *testing.T) {
	h, log := newHubForTest(t)

	receiver := NewClient("receiver", nil, h, nil, log)
	h.SubscribeToWorker(receiver, "w1")

	msg, err := ws.NewNotification(ws.ActionWorkerData, map[string]interface{}{
		"worker_id": "w1",
		"data":      "chunk",
	})
	require.NoError(t, err)

	// Churn the subscriber set while sends are in flight. Under -race this
	// catches any iteration over the live map outside the lock.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			c := NewClient(fmt.Sprintf("churn-%d", i), nil, h, nil, log)
			h.SubscribeToWorker(c, "w1")
			h.UnsubscribeFromWorker(c, "w1")
		}
	}()

	for i := 0; i < 500; i++ {
		h.SendToWorkerSubscribers("w1", msg)
	}
	close(done)
	wg.Wait()

	assert.NotEmpty(t, receiver.send, "stable subscriber should have received output")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h, log := newHubForTest(t)

	c := NewClient("c1", nil, h, nil, log)
	h.SubscribeToWorker(c, "w1")
	h.UnsubscribeFromWorker(c, "w1")

	msg, err := ws.NewNotification(ws.ActionWorkerData, map[string]interface{}{
		"worker_id": "w1",
	})
	require.NoError(t, err)
	h.SendToWorkerSubscribers("w1", msg)

	assert.Empty(t, c.send)
	assert.Empty(t, c.subscriptions)
}
