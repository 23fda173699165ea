package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paystream/internal/platform/logger"
	"paystream/internal/streaming"
)

func sample(id string) streaming.Notification {
	return streaming.Notification{
		StreamID:    streaming.StreamID(id),
		DisplayName: "radio",
		Reason:      streaming.ReasonInsufficientFunds,
		Message:     "stream paused: insufficient funds",
		Status:      streaming.StatusPaused,
		At:          time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logger.NewWithWriter(&buf, "debug", "json"))

	require.NoError(t, sink.Notify(context.Background(), sample("s1")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "s1", line["stream_id"])
	assert.Equal(t, streaming.ReasonInsufficientFunds, line["reason"])
}

func TestFanout(t *testing.T) {
	var got []string
	ok := streaming.NotifierFunc(func(_ context.Context, n streaming.Notification) error {
		got = append(got, "ok:"+string(n.StreamID))
		return nil
	})
	failing := streaming.NotifierFunc(func(context.Context, streaming.Notification) error {
		return errors.New("sink down")
	})

	err := Fanout{failing, nil, ok}.Notify(context.Background(), sample("s1"))
	assert.ErrorContains(t, err, "sink down")
	assert.Equal(t, []string{"ok:s1"}, got, "later sinks still receive after a failure")
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	client, err := Connect(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	sub := client.Subscribe(ctx, "paystream:test")
	t.Cleanup(func() { sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "paystream:test")
	require.NoError(t, sink.Notify(ctx, sample("s1")))
	require.NoError(t, sink.Notify(ctx, sample("s2")))

	select {
	case msg := <-sub.Channel():
		var n streaming.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, streaming.StreamID("s1"), n.StreamID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	recent, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, streaming.StreamID("s2"), recent[0].StreamID, "newest first")
}

func TestRedisSink_history_is_capped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	sink := NewRedisSink(client, "chan")
	sink.history = 3
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, sink.Notify(ctx, sample(id)))
	}

	recent, err := sink.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, streaming.StreamID("e"), recent[0].StreamID)
	assert.Equal(t, streaming.StreamID("c"), recent[2].StreamID)
}

func TestConnect_unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, addr, "", 0)
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestHub_broadcast(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	var conns []*websocket.Conn
	for range 2 {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		conns = append(conns, c)
	}
	require.Eventually(t, func() bool { return hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), sample("s1")))

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		var n streaming.Notification
		require.NoError(t, c.ReadJSON(&n))
		assert.Equal(t, streaming.StreamID("s1"), n.StreamID)
		assert.Equal(t, streaming.StatusPaused, n.Status)
	}

	conns[0].Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Close_rejects_new_clients(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	hub.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = c.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.Count())
}
