package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func receiveBatch(t *testing.T, client *SyncClient, timeout time.Duration) *RecordBatch {
	select {
	case batch, ok := <-client.Batches():
		if !ok {
			t.Fatal("client closed")
		}
		return batch
	case <-time.After(timeout):
		t.Fatal("timeout")
	}
	return nil
}

func waitForWatchers(t *testing.T, syncServer *SyncServer, n int, timeout time.Duration) {
	endTime := time.Now().Add(timeout)
	for syncServer.WatcherCount() != n {
		if endTime.Before(time.Now()) {
			t.Fatalf("timeout waiting for %d watchers", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSyncServerClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := testRecord(2, 5, false, "a")
	b := testRecord(1, 5, true, "b")

	syncServer := NewSyncServerWithDefaults(ctx)
	defer syncServer.Close()
	syncServer.Publish(NewReplaceBatch([]*Record{a, b}))

	httpServer := httptest.NewServer(syncServer)
	defer httpServer.Close()

	client := NewSyncClientWithDefaults(ctx, wsUrl(httpServer), "")
	defer client.Close()

	batch := receiveBatch(t, client, 5*time.Second)
	assert.Equal(t, true, batch.Replace)
	// the replace is in location order
	assert.Equal(t, []string{"b", "a"}, names(batch.Records))

	waitForWatchers(t, syncServer, 1, 5*time.Second)

	c := testRecord(3, 0, false, "c")
	a2 := testRecord(2, 6, false, "a2")
	merge := NewMergeBatch([]*Record{c, a2})
	syncServer.Publish(merge)

	batch = receiveBatch(t, client, 5*time.Second)
	assert.Equal(t, false, batch.Replace)
	assert.Equal(t, merge.BatchId, batch.BatchId)
	assert.Equal(t, []string{"c", "a2"}, names(batch.Records))

	assert.Equal(t, []string{"b", "a2", "c"}, names(syncServer.Snapshot()))

	// the client side view follows the server
	view := NewTunnelViewWithDefaults(NewQueryFilter(), nil)
	view.ReplaceAll(syncServer.Snapshot()[:1], ViewQuery{})
	view.Merge(batch.Records, ViewQuery{})
	assert.Equal(t, 3, view.Size())

	client.Close()
	for range client.Batches() {
	}
	waitForWatchers(t, syncServer, 0, 5*time.Second)
}

func TestSyncServerAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test secret")

	settings := DefaultSyncServerSettings()
	settings.JwtSecret = secret
	syncServer := NewSyncServer(ctx, settings)
	defer syncServer.Close()
	syncServer.Publish(NewReplaceBatch([]*Record{testRecord(1, 0, false, "a")}))

	httpServer := httptest.NewServer(syncServer)
	defer httpServer.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsUrl(httpServer), nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	otherJwt, err := SignWatchJwt([]byte("other secret"), "other")
	assert.Equal(t, nil, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsUrl(httpServer), BearerHeader(otherJwt))
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	jwt, err := SignWatchJwt(secret, "test")
	assert.Equal(t, nil, err)
	client := NewSyncClientWithDefaults(ctx, wsUrl(httpServer), jwt)
	defer client.Close()

	batch := receiveBatch(t, client, 5*time.Second)
	assert.Equal(t, true, batch.Replace)
	assert.Equal(t, []string{"a"}, names(batch.Records))
}

func TestReconnect(t *testing.T) {
	reconnect := NewReconnect(0)
	select {
	case <-reconnect.After():
	case <-time.After(time.Second):
		t.Fatal("reconnect should be immediate")
	}

	reconnect = NewReconnect(time.Hour)
	select {
	case <-reconnect.After():
		t.Fatal("reconnect should wait")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSyncServerSharedJwt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test secret")

	settings := DefaultSyncServerSettings()
	settings.JwtSecret = secret
	syncServer := NewSyncServer(ctx, settings)
	defer syncServer.Close()
	syncServer.Publish(NewReplaceBatch([]*Record{testRecord(1, 0, false, "a")}))

	httpServer := httptest.NewServer(syncServer)
	defer httpServer.Close()

	jwt, err := SignWatchJwt(secret, "desk")
	assert.Equal(t, nil, err)

	clients := []*SyncClient{}
	for range 2 {
		client := NewSyncClientWithDefaults(ctx, wsUrl(httpServer), jwt)
		defer client.Close()
		batch := receiveBatch(t, client, 5*time.Second)
		assert.Equal(t, true, batch.Replace)
		clients = append(clients, client)
	}
	waitForWatchers(t, syncServer, 2, 5*time.Second)

	merge := NewMergeBatch([]*Record{testRecord(2, 4, true, "b")})
	syncServer.Publish(merge)

	for _, client := range clients {
		batch := receiveBatch(t, client, 5*time.Second)
		assert.Equal(t, merge.BatchId, batch.BatchId)
		assert.Equal(t, []string{"b"}, names(batch.Records))
	}
}

func TestSyncServerDropsFullWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSyncServerSettings()
	settings.WatcherBufferSize = 3
	syncServer := NewSyncServer(ctx, settings)
	defer syncServer.Close()

	watcherId := NewId()
	// holds the initial replace
	send := syncServer.addWatcher(watcherId)
	assert.Equal(t, 1, syncServer.WatcherCount())

	for range settings.WatcherBufferSize - 1 {
		syncServer.Publish(NewMergeBatch([]*Record{testRecord(1, 0, false, "a")}))
	}
	assert.Equal(t, 1, syncServer.WatcherCount())

	syncServer.Publish(NewMergeBatch([]*Record{testRecord(2, 0, false, "b")}))
	assert.Equal(t, 0, syncServer.WatcherCount())

	n := 0
	for range send {
		n += 1
	}
	assert.Equal(t, settings.WatcherBufferSize, n)

	// a late remove of a dropped watcher is a no-op
	syncServer.removeWatcher(watcherId, send)
	assert.Equal(t, 0, syncServer.WatcherCount())
}

func TestSyncServerDropsSlowConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSyncServerSettings()
	settings.WatcherBufferSize = 2
	syncServer := NewSyncServer(ctx, settings)
	defer syncServer.Close()

	httpServer := httptest.NewServer(syncServer)
	defer httpServer.Close()

	// connected but never reads
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl(httpServer), nil)
	assert.Equal(t, nil, err)
	defer ws.Close()
	waitForWatchers(t, syncServer, 1, 5*time.Second)

	// enough data to fill the socket buffers so that the server write blocks
	name := strings.Repeat("x", 256*1024)
	for i := range 128 {
		syncServer.Publish(NewMergeBatch([]*Record{testRecord(int32(i), 0, false, name)}))
	}

	waitForWatchers(t, syncServer, 0, 15*time.Second)
}

func TestSyncServerPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSyncServerSettings()
	settings.PingTimeout = 50 * time.Millisecond
	syncServer := NewSyncServer(ctx, settings)
	defer syncServer.Close()
	syncServer.Publish(NewReplaceBatch([]*Record{testRecord(1, 0, false, "a")}))

	httpServer := httptest.NewServer(syncServer)
	defer httpServer.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl(httpServer), nil)
	assert.Equal(t, nil, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := ws.ReadMessage()
	assert.Equal(t, nil, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.NotEqual(t, 0, len(message))

	messageType, message, err = ws.ReadMessage()
	assert.Equal(t, nil, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, 0, len(message))

	client := NewSyncClientWithDefaults(ctx, wsUrl(httpServer), "")
	defer client.Close()

	batch := receiveBatch(t, client, 5*time.Second)
	assert.Equal(t, true, batch.Replace)

	// several pings pass without a batch
	select {
	case batch := <-client.Batches():
		t.Fatalf("unexpected batch %s", batch.BatchId)
	case <-time.After(300 * time.Millisecond):
	}

	merge := NewMergeBatch([]*Record{testRecord(2, 0, false, "b")})
	syncServer.Publish(merge)
	batch = receiveBatch(t, client, 5*time.Second)
	assert.Equal(t, merge.BatchId, batch.BatchId)
}
