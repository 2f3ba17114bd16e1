package ipc

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"tradingbus/internal/config"
	"tradingbus/internal/frame"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(config.IPCConfig{Prefix: "test"}, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPublishMarketEventReachesSubscriber(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	client, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("nats.Connect: %v", err)
	}
	defer client.Close()

	sub, err := client.SubscribeSync(s.subject(ChannelMarketData))
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}

	want := frame.MarketEvent{SymbolID: 7, ExchangeID: 2, Bid: 100.5, Ask: 100.6}
	if err := s.PublishMarketEvent(want); err != nil {
		t.Fatalf("PublishMarketEvent: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}

	var got frame.MarketEvent
	frame.GetMarketEvent(msg.Data, &got)
	if got.SymbolID != want.SymbolID || got.Bid != want.Bid {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHandleCommandsDecodesAndDispatches(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	received := make(chan frame.CommandEvent, 1)
	_, err := s.HandleCommands(context.Background(), func(ctx context.Context, cmd frame.CommandEvent) error {
		received <- cmd
		return nil
	})
	if err != nil {
		t.Fatalf("HandleCommands: %v", err)
	}

	client, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("nats.Connect: %v", err)
	}
	defer client.Close()

	cmd := frame.CommandEvent{Cmd: frame.CmdPlaceOrder, StrategyID: 3, SymbolID: 1}
	buf := make([]byte, frame.SizeCommandEvent)
	frame.PutCommandEvent(buf, &cmd)
	if err := client.Publish(s.subject(ChannelOrder), buf); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Cmd != frame.CmdPlaceOrder || got.StrategyID != 3 {
			t.Fatalf("got %+v, want cmd=CmdPlaceOrder strategy_id=3", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched command")
	}
}

func TestHandleQueryRepliesToRequester(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	_, err := s.HandleQuery(func(raw []byte) ([]byte, error) {
		return append([]byte("echo:"), raw...), nil
	})
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	client, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("nats.Connect: %v", err)
	}
	defer client.Close()

	reply, err := client.Request(s.subject(ChannelQuery), []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Data) != "echo:ping" {
		t.Fatalf("got %q, want %q", reply.Data, "echo:ping")
	}
}

func TestHandleSubscribeInvokesHandler(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	received := make(chan string, 1)
	_, err := s.HandleSubscribe(func(raw []byte) error {
		received <- string(raw)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}

	client, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("nats.Connect: %v", err)
	}
	defer client.Close()

	if err := client.Publish(s.subject(ChannelSubscribe), []byte(`{"symbol":"BTC-USDT"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got != `{"symbol":"BTC-USDT"}` {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe-channel dispatch")
	}
}
