package market

import "testing"

func TestPublisherRoutesBySymbol(t *testing.T) {
	p := NewPublisher(nil)
	var btc, eth int
	idBTC := p.Subscribe("BTCUSDT", func(Ticker) { btc++ })
	p.Subscribe("ETHUSDT", func(Ticker) { eth++ })

	p.Publish(Ticker{Symbol: "BTCUSDT", Price: 1})
	if btc != 1 || eth != 0 {
		t.Fatalf("unexpected deliveries btc=%d eth=%d", btc, eth)
	}
	sym, ok := p.Unsubscribe(idBTC)
	if !ok || sym != "BTCUSDT" {
		t.Fatalf("unsubscribe returned %q %v", sym, ok)
	}
	p.Publish(Ticker{Symbol: "BTCUSDT", Price: 2})
	if btc != 1 {
		t.Fatalf("handler called after unsubscribe")
	}
	if _, ok := p.Unsubscribe(idBTC); ok {
		t.Fatalf("second unsubscribe should report false")
	}
}

func TestPublisherRecoversPanic(t *testing.T) {
	p := NewPublisher(nil)
	called := false
	p.Subscribe("BTCUSDT", func(Ticker) { panic("boom") })
	p.Subscribe("BTCUSDT", func(Ticker) { called = true })
	p.Publish(Ticker{Symbol: "BTCUSDT", Price: 1})
	if !called {
		t.Fatalf("second handler should still run after a panic")
	}
	if p.Count("BTCUSDT") != 2 {
		t.Fatalf("unexpected count %d", p.Count("BTCUSDT"))
	}
}
