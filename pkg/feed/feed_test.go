package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/pkg/models"
)

type feedServer struct {
	url string

	mu    sync.Mutex
	conns []*websocket.Conn
	count int

	inbound  chan []byte
	outbound chan []byte
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		inbound:  make(chan []byte, 32),
		outbound: make(chan []byte, 32),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.count++
		fs.mu.Unlock()
		defer conn.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case msg := <-fs.outbound:
					_ = conn.WriteMessage(websocket.TextMessage, msg)
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.inbound <- data
		}
	}))
	t.Cleanup(srv.Close)
	fs.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fs
}

func (fs *feedServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.count
}

func (fs *feedServer) dropConns() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestBackoffSequenceAndReset(t *testing.T) {
	f := New(Config{
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  400 * time.Millisecond,
	}, nil, quietLogger())
	f.cfg.JitterMax = 0

	bo := f.newBackoff()
	assert.Equal(t, 100*time.Millisecond, f.nextDelay(bo))
	assert.Equal(t, 200*time.Millisecond, f.nextDelay(bo))
	assert.Equal(t, 400*time.Millisecond, f.nextDelay(bo))
	assert.Equal(t, 400*time.Millisecond, f.nextDelay(bo), "delay stays capped")

	bo.Reset()
	assert.Equal(t, 100*time.Millisecond, f.nextDelay(bo), "a healthy connection resets the ladder")
}

func TestBackoffJitterIsBounded(t *testing.T) {
	f := New(Config{
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  400 * time.Millisecond,
		JitterMax:   50 * time.Millisecond,
	}, nil, quietLogger())

	for i := 0; i < 20; i++ {
		d := f.nextDelay(f.newBackoff())
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestFeedDeliversItemsAndSkipsPong(t *testing.T) {
	fs := newFeedServer(t)

	items := make(chan []byte, 8)
	f := New(Config{
		URL:         fs.url,
		BackoffBase: 20 * time.Millisecond,
	}, func(raw []byte) { items <- raw }, quietLogger())
	f.cfg.JitterMax = time.Millisecond
	f.Connect()
	t.Cleanup(f.Disconnect)

	require.Eventually(t, func() bool {
		return f.Status() == models.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	fs.outbound <- []byte("pong")
	fs.outbound <- []byte(`{"_id":"n1","title":"hello"}`)

	select {
	case raw := <-items:
		assert.JSONEq(t, `{"_id":"n1","title":"hello"}`, string(raw), "pong frames must not reach the handler")
	case <-time.After(2 * time.Second):
		t.Fatal("item never delivered")
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	fs := newFeedServer(t)

	f := New(Config{
		URL:               fs.url,
		HeartbeatInterval: 40 * time.Millisecond,
		BackoffBase:       20 * time.Millisecond,
	}, func([]byte) {}, quietLogger())
	f.cfg.JitterMax = time.Millisecond
	f.Connect()
	t.Cleanup(f.Disconnect)

	select {
	case msg := <-fs.inbound:
		assert.Equal(t, "ping", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat ping within timeout")
	}
}

func TestReconnectsAfterConnectionDrop(t *testing.T) {
	fs := newFeedServer(t)

	f := New(Config{
		URL:         fs.url,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
	}, func([]byte) {}, quietLogger())
	f.cfg.JitterMax = time.Millisecond
	f.Connect()
	t.Cleanup(f.Disconnect)

	require.Eventually(t, func() bool { return fs.connCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	fs.dropConns()
	require.Eventually(t, func() bool { return fs.connCount() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"feed did not redial after the server dropped it")
}

func TestHeartbeatGapForcesReconnect(t *testing.T) {
	fs := newFeedServer(t)

	// The server stays mute: the transport looks open but liveness never
	// advances, which must be treated as a dead connection.
	f := New(Config{
		URL:               fs.url,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  60 * time.Millisecond,
		BackoffBase:       20 * time.Millisecond,
		BackoffMax:        40 * time.Millisecond,
	}, func([]byte) {}, quietLogger())
	f.cfg.JitterMax = time.Millisecond
	f.Connect()
	t.Cleanup(f.Disconnect)

	require.Eventually(t, func() bool { return fs.connCount() >= 2 }, 3*time.Second, 10*time.Millisecond,
		"silent connection was never recycled")
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	fs := newFeedServer(t)

	f := New(Config{
		URL:         fs.url,
		BackoffBase: 20 * time.Millisecond,
	}, func([]byte) {}, quietLogger())
	f.cfg.JitterMax = time.Millisecond
	f.Connect()

	require.Eventually(t, func() bool { return fs.connCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.Disconnect()
	assert.Equal(t, models.StatusDisconnected, f.Status())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, fs.connCount(), "explicit disconnect must not redial")
}

func TestHandlerPanicKeepsFeedAlive(t *testing.T) {
	fs := newFeedServer(t)

	items := make(chan string, 8)
	f := New(Config{
		URL:         fs.url,
		BackoffBase: 20 * time.Millisecond,
	}, func(raw []byte) {
		if string(raw) == "boom" {
			panic("handler exploded")
		}
		items <- string(raw)
	}, quietLogger())
	f.cfg.JitterMax = time.Millisecond
	f.Connect()
	t.Cleanup(f.Disconnect)

	require.Eventually(t, func() bool {
		return f.Status() == models.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	fs.outbound <- []byte("boom")
	fs.outbound <- []byte("after")

	select {
	case got := <-items:
		assert.Equal(t, "after", got)
	case <-time.After(2 * time.Second):
		t.Fatal("feed died after a handler panic")
	}
	assert.Equal(t, 1, fs.connCount())
}
