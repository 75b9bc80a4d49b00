package marketdata

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream is a minimal venue stream endpoint: it records subscription
// control messages and lets tests push tick frames down the wire.
type fakeStream struct {
	control chan streamRequest
	ticks   chan tickFrame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		control: make(chan streamRequest, 16),
		ticks:   make(chan tickFrame, 16),
	}
}

func (fs *fakeStream) handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		defer conn.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case tick := <-fs.ticks:
					payload, _ := json.Marshal(tick)
					_ = conn.WriteMessage(websocket.TextMessage, payload)
				}
			}
		}()

		for {
			var req streamRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			fs.control <- req
		}
	}
}

func (fs *fakeStream) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeStream) closeConns() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func tick(symbol, price string) tickFrame {
	var tf tickFrame
	tf.Stream = strings.ToLower(symbol) + "@markPrice"
	tf.Data.Symbol = symbol
	tf.Data.Price = price
	return tf
}

func newMuxFixture(t *testing.T) (*Mux, *fakeStream) {
	t.Helper()
	fs := newFakeStream()
	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	m := New(Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 20 * time.Millisecond,
	}, log)
	t.Cleanup(m.Close)
	return m, fs
}

func expectControl(t *testing.T, fs *fakeStream, method, stream string) {
	t.Helper()
	select {
	case req := <-fs.control:
		assert.Equal(t, method, req.Method)
		require.Len(t, req.Params, 1)
		assert.Equal(t, stream, req.Params[0])
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s control message within timeout", method)
	}
}

func expectNoControl(t *testing.T, fs *fakeStream) {
	t.Helper()
	select {
	case req := <-fs.control:
		t.Fatalf("unexpected control message %s %v", req.Method, req.Params)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeDeliversTicks(t *testing.T) {
	m, fs := newMuxFixture(t)

	got := make(chan float64, 4)
	unsub := m.Subscribe("BTCUSDT", func(symbol string, price float64) {
		assert.Equal(t, "BTCUSDT", symbol)
		got <- price
	})
	defer unsub()

	expectControl(t, fs, "SUBSCRIBE", "btcusdt@markPrice")

	fs.ticks <- tick("BTCUSDT", "50000.10")
	select {
	case price := <-got:
		assert.Equal(t, 50000.10, price)
	case <-time.After(2 * time.Second):
		t.Fatal("tick never delivered")
	}

	price, ok := m.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.10, price)
}

func TestLateSubscriberReceivesCachedPrice(t *testing.T) {
	m, fs := newMuxFixture(t)

	got := make(chan float64, 4)
	unsub := m.Subscribe("BTCUSDT", func(string, float64) {})
	defer unsub()
	expectControl(t, fs, "SUBSCRIBE", "btcusdt@markPrice")

	fs.ticks <- tick("BTCUSDT", "42.5")
	require.Eventually(t, func() bool {
		_, ok := m.LastPrice("BTCUSDT")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// No new tick arrives; the cached value alone must reach the new handler.
	unsub2 := m.Subscribe("BTCUSDT", func(_ string, price float64) {
		got <- price
	})
	defer unsub2()

	select {
	case price := <-got:
		assert.Equal(t, 42.5, price)
	case <-time.After(time.Second):
		t.Fatal("late subscriber never saw the cached price")
	}
}

func TestRefcountedVenueSubscription(t *testing.T) {
	m, fs := newMuxFixture(t)

	unsub1 := m.Subscribe("ETHUSDT", func(string, float64) {})
	expectControl(t, fs, "SUBSCRIBE", "ethusdt@markPrice")

	// Second local subscriber: no second venue subscription.
	unsub2 := m.Subscribe("ETHUSDT", func(string, float64) {})
	expectNoControl(t, fs)

	// Dropping one of two keeps the venue subscription alive.
	unsub1()
	expectNoControl(t, fs)

	// Unsubscribe is idempotent.
	unsub1()
	expectNoControl(t, fs)

	// The last one out turns off the stream.
	unsub2()
	expectControl(t, fs, "UNSUBSCRIBE", "ethusdt@markPrice")

	_, ok := m.LastPrice("ETHUSDT")
	assert.False(t, ok, "cached price must be purged with the last subscriber")
}

func TestFanOutSurvivesPanickingHandler(t *testing.T) {
	m, fs := newMuxFixture(t)

	unsubBad := m.Subscribe("BTCUSDT", func(string, float64) {
		panic("broken handler")
	})
	defer unsubBad()

	got := make(chan float64, 4)
	unsub := m.Subscribe("BTCUSDT", func(_ string, price float64) {
		got <- price
	})
	defer unsub()

	expectControl(t, fs, "SUBSCRIBE", "btcusdt@markPrice")
	fs.ticks <- tick("BTCUSDT", "100")

	select {
	case price := <-got:
		assert.Equal(t, 100.0, price)
	case <-time.After(2 * time.Second):
		t.Fatal("panicking sibling blocked delivery")
	}
}

func TestReconnectResubscribes(t *testing.T) {
	m, fs := newMuxFixture(t)

	got := make(chan float64, 4)
	unsub := m.Subscribe("BTCUSDT", func(_ string, price float64) {
		got <- price
	})
	defer unsub()
	expectControl(t, fs, "SUBSCRIBE", "btcusdt@markPrice")

	fs.closeConns()

	// The mux must redial and replay the subscription on the new transport.
	expectControl(t, fs, "SUBSCRIBE", "btcusdt@markPrice")
	require.Eventually(t, func() bool { return fs.connCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	fs.ticks <- tick("BTCUSDT", "51000")
	select {
	case price := <-got:
		assert.Equal(t, 51000.0, price)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after reconnect")
	}
}

func TestMalformedTicksAreDropped(t *testing.T) {
	m, fs := newMuxFixture(t)

	got := make(chan float64, 4)
	unsub := m.Subscribe("BTCUSDT", func(_ string, price float64) {
		got <- price
	})
	defer unsub()
	expectControl(t, fs, "SUBSCRIBE", "btcusdt@markPrice")

	// Unparseable price, then a good tick: only the good one arrives.
	fs.ticks <- tick("BTCUSDT", "not-a-number")
	fs.ticks <- tick("BTCUSDT", "123.45")

	select {
	case price := <-got:
		assert.Equal(t, 123.45, price)
	case <-time.After(2 * time.Second):
		t.Fatal("good tick never delivered")
	}
}
