package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-exec/gateway"
)

type chanTickerSink struct {
	ch chan gateway.TickerUpdate
}

func (s *chanTickerSink) OnTicker(u gateway.TickerUpdate) {
	select {
	case s.ch <- u:
	default:
	}
}

func TestTickerStreamsRefcount(t *testing.T) {
	srv := newWSServer(t)
	sink := &chanTickerSink{ch: make(chan gateway.TickerUpdate, 8)}
	ts := NewTickerStreams(srv.wsURL(), gateway.NewWSDialer(), sink, nil)

	ts.AcquireTicker("btcusdt")
	ts.AcquireTicker("BTCUSDT")
	assert.Equal(t, 2, ts.Refs("BTCUSDT"))
	assert.Equal(t, []string{"BTCUSDT"}, ts.Topics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	c := srv.next(t)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"e":"24hrTicker","E":5,"s":"BTCUSDT","c":"101.5"}`)))
	select {
	case u := <-sink.ch:
		assert.Equal(t, "BTCUSDT", u.Symbol)
		assert.Equal(t, 101.5, u.LastPrice)
	case <-time.After(3 * time.Second):
		t.Fatalf("ticker not delivered")
	}
	assert.Equal(t, []string{"/ws/btcusdt@ticker"}, srv.seenPaths(), "two subscribers share one connection")

	ts.ReleaseTicker("BTCUSDT")
	assert.Equal(t, 1, ts.Refs("BTCUSDT"))
	ts.ReleaseTicker("BTCUSDT")
	assert.Equal(t, 0, ts.Refs("BTCUSDT"))
	assert.Empty(t, ts.Topics())

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "last release closes the connection")
}

type panicSink struct{}

func (panicSink) OnTicker(gateway.TickerUpdate) { panic("sink bug") }

func TestTickerStreamsSinkPanicKeepsReading(t *testing.T) {
	srv := newWSServer(t)
	ts := NewTickerStreams(srv.wsURL(), gateway.NewWSDialer(), panicSink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	ts.AcquireTicker("ETHUSDT")

	c := srv.next(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"s":"ETHUSDT","c":"2000"}`)))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, srv.seenPaths(), 1, "a panicking sink must not drop the connection")
}
