package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type SyncServerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	PingTimeout        time.Duration
	// frames queued per watcher before the watcher is dropped
	WatcherBufferSize int
	// when set, watchers must present a watch jwt signed with this secret
	JwtSecret []byte
}

func DefaultSyncServerSettings() *SyncServerSettings {
	return &SyncServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingTimeout:        5 * time.Second,
		WatcherBufferSize:  32,
	}
}

// SyncServer holds the authoritative record set and streams it to watchers over websocket.
// Each watcher gets a full replace on connect, then every published batch.
type SyncServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SyncServerSettings
	upgrader websocket.Upgrader

	stateLock sync.Mutex
	snapshot  map[LocationKey]*Record
	watchers  map[Id]chan []byte
}

func NewSyncServerWithDefaults(ctx context.Context) *SyncServer {
	return NewSyncServer(ctx, DefaultSyncServerSettings())
}

func NewSyncServer(ctx context.Context, settings *SyncServerSettings) *SyncServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		snapshot: map[LocationKey]*Record{},
		watchers: map[Id]chan []byte{},
	}
}

// Publish applies the batch to the server record set and fans it out.
// Watchers that cannot keep up are dropped; they resync with a replace when they reconnect.
func (self *SyncServer) Publish(batch *RecordBatch) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if batch.Replace {
		clear(self.snapshot)
	}
	for _, record := range batch.Records {
		self.snapshot[record.Location] = record
	}

	message := EncodeSyncFrame(batch)
	for watcherId, send := range self.watchers {
		select {
		case send <- message:
		default:
			glog.Infof("[ss]drop slow watcher %s\n", watcherId)
			delete(self.watchers, watcherId)
			close(send)
		}
	}
	glog.V(1).Infof("[ss]publish %s %s records=%d watchers=%d\n", batch.MessageType(), batch.BatchId, len(batch.Records), len(self.watchers))
}

// Snapshot returns the server record set in location order.
func (self *SyncServer) Snapshot() []*Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshotRecords()
}

func (self *SyncServer) snapshotRecords() []*Record {
	records := maps.Values(self.snapshot)
	slices.SortFunc(records, func(a *Record, b *Record) int {
		return compareLocation(a.Location, b.Location)
	})
	return records
}

func (self *SyncServer) WatcherCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.watchers)
}

func (self *SyncServer) addWatcher(watcherId Id) chan []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	send := make(chan []byte, max(1, self.settings.WatcherBufferSize))
	send <- EncodeSyncFrame(NewReplaceBatch(self.snapshotRecords()))
	self.watchers[watcherId] = send
	return send
}

func (self *SyncServer) removeWatcher(watcherId Id, send chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.watchers[watcherId]; ok && current == send {
		delete(self.watchers, watcherId)
		close(send)
	}
}

func (self *SyncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// one watcher per connection. a watch jwt may be shared by many connections
	watcherId := NewId()
	watcherName := "anonymous"
	if self.settings.JwtSecret != nil {
		jwt, err := bearerToken(r)
		if err != nil {
			glog.Infof("[ss]auth error = %s\n", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := ParseWatchJwt(self.settings.JwtSecret, jwt)
		if err != nil {
			glog.Infof("[ss]auth error = %s\n", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		watcherName = fmt.Sprintf("%s(%s)", claims.WatcherName, claims.WatcherId)
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		glog.Infof("[ss]upgrade error = %s\n", err)
		return
	}

	HandleError(func() {
		self.handleWatcher(watcherId, watcherName, ws)
	})
}

func (self *SyncServer) handleWatcher(watcherId Id, watcherName string, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := self.addWatcher(watcherId)
	defer self.removeWatcher(watcherId, send)
	glog.V(1).Infof("[ss]watcher %s %s connected\n", watcherId, watcherName)

	go func() {
		defer handleCancel()
		// watchers do not send anything. read to observe the close
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				glog.V(2).Infof("[ss]%s<- error = %s\n", watcherId, err)
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		case message, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				glog.Infof("[ss]->%s error = %s\n", watcherId, err)
				return
			}
			glog.V(2).Infof("[ss]->%s\n", watcherId)
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
			glog.V(2).Infof("[ss]ping->%s\n", watcherId)
		}
	}
}

func (self *SyncServer) Close() {
	self.cancel()
}
