package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/domain"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func registered(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	h.Register(c)
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.clients[c]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, c *Client) SnapshotMessage {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg SnapshotMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return SnapshotMessage{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientRoutes(t *testing.T) {
	c := NewClient("c1", 1)
	c.AddRoutes([]string{"vv1", "vv2"})
	assert.True(t, c.HasRoute("vv1"))
	assert.False(t, c.HasRoute("gv1"))

	c.RemoveRoutes([]string{"vv1"})
	assert.False(t, c.HasRoute("vv1"))
	assert.ElementsMatch(t, []string{"vv2"}, c.GetRoutes())

	c.AddRoutes([]string{AllRoutes})
	assert.True(t, c.HasRoute("gv1"))
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	h := newTestHub(t)

	vv1 := NewClient("vv1-client", 4)
	vv2 := NewClient("vv2-client", 4)
	all := NewClient("all-client", 4)
	registered(t, h, vv1)
	registered(t, h, vv2)
	registered(t, h, all)
	h.Subscribe(vv1, []string{"vv1"})
	h.Subscribe(vv2, []string{"vv2"})
	h.Subscribe(all, []string{AllRoutes})

	h.Broadcast(&domain.Snapshot{RouteID: "vv1", BusID: "VV-11", CurrentStop: "Gosala"})

	msg := receive(t, vv1)
	assert.Equal(t, "update", msg.Type)
	require.NotNil(t, msg.Payload)
	assert.Equal(t, "vv1", msg.Payload.RouteID)
	assert.Equal(t, "Gosala", msg.Payload.CurrentStop)

	assert.Equal(t, "vv1", receive(t, all).Payload.RouteID)
	assertSilent(t, vv2)
}

func TestUnsubscribeStopsUpdates(t *testing.T) {
	h := newTestHub(t)

	c := NewClient("c1", 4)
	registered(t, h, c)
	h.Subscribe(c, []string{"vv1"})
	h.Unsubscribe(c, []string{"vv1"})

	h.Broadcast(&domain.Snapshot{RouteID: "vv1"})
	assertSilent(t, c)

	h.mu.RLock()
	_, ok := h.routeClients["vv1"]
	h.mu.RUnlock()
	assert.False(t, ok)
}

func TestUnregisterClosesSend(t *testing.T) {
	h := newTestHub(t)

	c := NewClient("c1", 1)
	registered(t, h, c)
	h.Subscribe(c, []string{"vv1"})
	assert.Equal(t, 1, h.ClientCount())

	h.Unregister(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-c.Send
	assert.False(t, open)
}

func TestBroadcastDoesNotBlockWhenFull(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(h.broadcast)+10; i++ {
			h.Broadcast(&domain.Snapshot{RouteID: "vv1"})
		}
		h.Broadcast(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked")
	}
	assert.Len(t, h.broadcast, cap(h.broadcast))
}

func TestSlowClientIsSkipped(t *testing.T) {
	h := newTestHub(t)

	slow := NewClient("slow", 1)
	fast := NewClient("fast", 4)
	registered(t, h, slow)
	registered(t, h, fast)
	h.Subscribe(slow, []string{"vv1"})
	h.Subscribe(fast, []string{"vv1"})

	h.Broadcast(&domain.Snapshot{RouteID: "vv1", TotalMeters: 1})
	h.Broadcast(&domain.Snapshot{RouteID: "vv1", TotalMeters: 2})

	assert.Equal(t, 1.0, receive(t, fast).Payload.TotalMeters)
	assert.Equal(t, 2.0, receive(t, fast).Payload.TotalMeters)
	assert.Equal(t, 1.0, receive(t, slow).Payload.TotalMeters)
	assertSilent(t, slow)
}

func TestShutdownLeavesSendOpen(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	c := NewClient("c1", 4)
	registered(t, h, c)
	h.Subscribe(c, []string{"vv1"})

	cancel()
	<-stopped
	assert.Zero(t, h.ClientCount())

	// A connection priming snapshots during shutdown can still send.
	assert.NotPanics(t, func() { c.Send <- []byte(`{"type":"snapshot"}`) })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			h.Register(NewClient("late", 1))
			h.Unregister(c)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Register/Unregister blocked after shutdown")
	}
}
