package download

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	events, cancel := hub.Subscribe()
	hub.Publish(Event{Type: "job_update", JobID: "j1"})

	select {
	case evt := <-events:
		assert.Equal(t, "j1", evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("未收到事件")
	}

	// 取消后通道关闭，不再收新事件
	cancel()
	hub.Publish(Event{Type: "job_update", JobID: "j2"})
	evt, ok := <-events
	require.False(t, ok, "通道应已关闭，收到 %+v", evt)
}

func TestHubCloseIdempotent(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe()
	hub.Close()
	hub.Close()
	cancel()
	// 关闭后 Publish 不阻塞不恐慌
	hub.Publish(Event{Type: "job_update", JobID: "j1"})
}
