package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/internal/events"
)

func newFakeClient(hub *UserHub, owners ...string) *hubClient {
	for i, o := range owners {
		owners[i] = ownerKey(o)
	}
	return &hubClient{
		send:      make(chan []byte, 4),
		hub:       hub,
		owners:    owners,
		closeChan: make(chan struct{}),
	}
}

func receive(t *testing.T, c *hubClient) map[string]interface{} {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestUserHubRoutesByEitherOwnerKey(t *testing.T) {
	hub := NewUserHub(zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	alice := newFakeClient(hub, "g-alice", "Alice@Example.com")
	bob := newFakeClient(hub, "g-bob", "bob@example.com")
	hub.register <- alice
	hub.register <- bob

	require.Eventually(t, func() bool { return hub.ClientCount("alice@example.com") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount("g-alice"))

	hub.SendToOwner("ALICE@example.com", events.Event{Type: events.EventLicenseUpdated, Data: map[string]interface{}{"plan": "pro"}})
	msg := receive(t, alice)
	assert.Equal(t, string(events.EventLicenseUpdated), msg["type"])

	hub.SendToOwner("g-alice", events.Event{Type: events.EventDevicePaired})
	assert.Equal(t, string(events.EventDevicePaired), receive(t, alice)["type"])

	select {
	case <-bob.send:
		t.Fatal("bob received alice's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUserHubUnregisterAndStop(t *testing.T) {
	hub := NewUserHub(zerolog.Nop())
	go hub.Run()

	c := newFakeClient(hub, "g-1", "one@example.com")
	hub.register <- c
	hub.unregister <- c

	require.Eventually(t, func() bool { return hub.ClientCount("g-1") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-c.send
	assert.False(t, ok, "unregister closes the send channel")

	other := newFakeClient(hub, "g-2")
	hub.register <- other
	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-other.send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stop did not close client channels")
	}

	// sending after stop must not block
	hub.SendToOwner("g-2", events.Event{Type: events.EventDevicePaired})
}

func TestUserHubDropsSlowClient(t *testing.T) {
	hub := NewUserHub(zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	slow := &hubClient{send: make(chan []byte), hub: hub, owners: []string{"g-slow"}, closeChan: make(chan struct{})}
	hub.register <- slow
	hub.SendToOwner("g-slow", events.Event{Type: events.EventDevicePaired})

	require.Eventually(t, func() bool { return hub.ClientCount("g-slow") == 0 }, time.Second, 5*time.Millisecond)
}

func TestUserWebSocketPushesOwnerEvents(t *testing.T) {
	env := newTestEnv(t)
	go env.srv.hub.Run()
	defer env.srv.hub.Stop()

	cookie := env.login(t, "g-ws", "ws@example.com")
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{}
	header.Set("Cookie", cookie.String())
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	read := func() map[string]interface{} {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var out map[string]interface{}
		require.NoError(t, conn.ReadJSON(&out))
		return out
	}

	assert.Equal(t, "CONNECTED", read()["type"])
	require.Eventually(t, func() bool { return env.srv.hub.ClientCount("ws@example.com") == 1 }, time.Second, 5*time.Millisecond)

	env.svc.Bus.PublishLicenseUpdated("ws@example.com", "pro", "active", "test")
	msg := read()
	assert.Equal(t, string(events.EventLicenseUpdated), msg["type"])
	assert.Equal(t, "pro", msg["data"].(map[string]interface{})["plan"])
}

func TestUserWebSocketRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
