package tunnel

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SyncClientSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	// longer than the server ping timeout
	ReadTimeout     time.Duration
	BatchBufferSize int
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		ReadTimeout:        15 * time.Second,
		BatchBufferSize:    8,
	}
}

// SyncClient follows a sync server and delivers decoded batches on `Batches`.
// The consumer applies them to a view from its own loop.
// The first batch after every (re)connect is a replace.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url string
	jwt string

	settings *SyncClientSettings

	batches chan *RecordBatch
}

func NewSyncClientWithDefaults(ctx context.Context, url string, jwt string) *SyncClient {
	return NewSyncClient(ctx, url, jwt, DefaultSyncClientSettings())
}

func NewSyncClient(ctx context.Context, url string, jwt string, settings *SyncClientSettings) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &SyncClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		jwt:      jwt,
		settings: settings,
		batches:  make(chan *RecordBatch, settings.BatchBufferSize),
	}
	go client.run()
	return client
}

// closed when the client is closed
func (self *SyncClient) Batches() <-chan *RecordBatch {
	return self.batches
}

func (self *SyncClient) run() {
	defer func() {
		self.cancel()
		close(self.batches)
	}()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		ws, _, err := dialer.DialContext(self.ctx, self.url, BearerHeader(self.jwt))
		if err != nil {
			glog.Infof("[sc]connect %s error = %s\n", self.url, err)
		} else {
			HandleError(func() {
				self.receive(ws)
			})
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SyncClient) receive(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		// unblock the read
		<-handleCtx.Done()
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-handleCtx.Done():
			default:
				glog.Infof("[sc]<- error = %s\n", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				glog.V(2).Infof("[sc]ping<-\n")
				continue
			}
			batch, err := DecodeSyncFrame(message)
			if err != nil {
				glog.Infof("[sc]drop frame = %s\n", err)
				continue
			}
			glog.V(2).Infof("[sc]<-%s %s records=%d\n", batch.MessageType(), batch.BatchId, len(batch.Records))
			select {
			case <-handleCtx.Done():
				return
			case self.batches <- batch:
			}
		default:
			glog.V(2).Infof("[sc]other=%d<-\n", messageType)
		}
	}
}

func (self *SyncClient) Close() {
	self.cancel()
}

// Reconnect spaces out connection attempts so that each attempt starts
// at least `timeout` after the previous one.
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.startTime)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}
