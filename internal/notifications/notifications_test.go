package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestLevels(t *testing.T) {
	assert.True(t, LevelError.AtLeast(LevelWarning))
	assert.False(t, LevelInfo.AtLeast(LevelWarning))
	assert.True(t, LevelWarning.AtLeast(LevelWarning))
	assert.Equal(t, LevelWarning, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))

	ev := NewEvent(EventBreakerTripped, "daily loss limit")
	assert.Equal(t, LevelError, ev.Level)
	assert.NotEmpty(t, ev.ID)

	withData := ev.With("loss", 15.0)
	assert.Nil(t, ev.Data, "With must not mutate the original")
	assert.Equal(t, 15.0, withData.Data["loss"])

	rejected := NewEvent(EventSignalRejected, "breaker open")
	assert.Equal(t, LevelInfo, rejected.Level)
	assert.Equal(t, LevelWarning, rejected.WithLevel(LevelWarning).Level)
	assert.Equal(t, LevelError, NewEvent(EventCloseFailed, "venue down").Level)
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: fmt.Errorf("sink down")}
	d := NewDispatcher(8, zerolog.Nop(), a, b)
	d.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.True(t, d.Publish(NewEvent(EventPositionOpened, "opened")))
	}
	d.Close()

	assert.Equal(t, 3, a.count())
	assert.Equal(t, 3, b.count(), "a failing sink still receives every event")
	assert.False(t, d.Publish(NewEvent(EventPositionOpened, "late")))
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())

	assert.True(t, d.Publish(NewEvent(EventSignalRejected, "first")))
	assert.False(t, d.Publish(NewEvent(EventSignalRejected, "second")))
	assert.Equal(t, int64(1), d.Dropped())
}

func TestTelegramNotifier(t *testing.T) {
	var hits atomic.Int32
	var lastText atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/botsecret/sendMessage", r.URL.Path)
		assert.Equal(t, "42", r.Form.Get("chat_id"))
		lastText.Store(r.Form.Get("text"))
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("secret", "42", LevelWarning, time.Hour).WithBaseURL(srv.URL)
	ctx := context.Background()

	require.NoError(t, tg.Notify(ctx, NewEvent(EventPositionOpened, "below threshold")))
	assert.Equal(t, int32(0), hits.Load())

	require.NoError(t, tg.Notify(ctx, NewEvent(EventBreakerTripped, "loss limit reached")))
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, strings.Contains(lastText.Load().(string), "BREAKER_TRIPPED"))

	// inside the rate-limit interval
	require.NoError(t, tg.Notify(ctx, NewEvent(EventBreakerTripped, "again")))
	assert.Equal(t, int32(1), hits.Load())
}

func TestTelegramNotifier_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("t", "1", LevelInfo, 0).WithBaseURL(srv.URL)
	err := tg.SendAlert(context.Background(), LevelError, "boom")
	assert.ErrorContains(t, err, "429")
}

func TestHub_StreamsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), NewEvent(EventStopLoss, "BTC closed").With("position_id", "p1")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, EventStopLoss, got.Type)
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, "p1", got.Data["position_id"])
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
