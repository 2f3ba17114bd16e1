package frame

import "testing"

func TestMarketEventRoundTrip(t *testing.T) {
	in := MarketEvent{
		TS: 123456789, Type: EventTicker, ExchangeID: 1, SymbolID: 42, Seq: 9001,
		Last: 100.5, Bid: 100.4, Ask: 100.6, Volume: 1000, BidSize: 12.5,
	}
	buf := make([]byte, SizeMarketEvent)
	PutMarketEvent(buf, &in)

	var out MarketEvent
	GetMarketEvent(buf, &out)

	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestOrderRequestRoundTrip(t *testing.T) {
	in := OrderRequest{
		TS: 1, LocalOrderID: 7, ExchangeID: 2, SymbolID: 3, AccountID: 4,
		Side: SideSell, OrdType: OrderTypeLimit, Price: 42500.0, Quantity: 0.1,
		StopPrice: 0, StrategyID: 5, SignalID: 99,
	}
	in.SetClientOrderID("abc-123")
	in.SetStrategyName("maker-v1")

	buf := make([]byte, SizeOrderRequest)
	PutOrderRequest(buf, &in)

	var out OrderRequest
	GetOrderRequest(buf, &out)

	if out.LocalOrderID != in.LocalOrderID || out.Price != in.Price || out.Quantity != in.Quantity {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
	if out.GetClientOrderID() != "abc-123" {
		t.Fatalf("client order id mismatch: got %q", out.GetClientOrderID())
	}
	if out.GetStrategyName() != "maker-v1" {
		t.Fatalf("strategy name mismatch: got %q", out.GetStrategyName())
	}
}

func TestOrderResponseTerminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		StatusAck:       false,
		StatusPartial:   false,
		StatusFilled:    true,
		StatusCancelled: true,
		StatusRejected:  true,
		StatusFailed:    true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%v) = %v, want %v", status, got, want)
		}
	}
}

func TestOrderResponseRoundTrip(t *testing.T) {
	in := OrderResponse{
		TS: 5, LocalOrderID: 10, ExchangeOrderID: 20, Status: StatusFilled,
		FilledPrice: 42500.5, FilledQty: 0.1, CumQty: 0.1, AvgPrice: 42500.5,
		Fee: 0.01, ErrorCode: 0, LatencyNS: 1500000, ExchangeTS: 99,
	}
	in.SetErrorMsg("")

	buf := make([]byte, SizeOrderResponse)
	PutOrderResponse(buf, &in)

	var out OrderResponse
	GetOrderResponse(buf, &out)

	if out.LocalOrderID != in.LocalOrderID || out.Status != in.Status || out.FilledPrice != in.FilledPrice {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestDepthEventRoundTrip(t *testing.T) {
	in := DepthEvent{TS: 1, ExchangeID: 1, SymbolID: 2, Seq: 3}
	for i := 0; i < 5; i++ {
		in.Bids[i] = DepthLevel{Price: 100 - float64(i), Size: float64(i + 1)}
		in.Asks[i] = DepthLevel{Price: 101 + float64(i), Size: float64(i + 1)}
	}
	buf := make([]byte, SizeDepthEvent)
	PutDepthEvent(buf, &in)

	var out DepthEvent
	GetDepthEvent(buf, &out)
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestPositionEventRoundTrip(t *testing.T) {
	in := PositionEvent{TS: 1, ExchangeID: 1, SymbolID: 2, AccountID: 3, Quantity: 1.5, AvgEntry: 42000, RealizedPnL: 10, UnrealizedPnL: -5}
	buf := make([]byte, SizePositionEvent)
	PutPositionEvent(buf, &in)

	var out PositionEvent
	GetPositionEvent(buf, &out)
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestAccountEventRoundTrip(t *testing.T) {
	in := AccountEvent{TS: 1, AccountID: 3, Equity: 10000, AvailableCash: 9000, UsedMargin: 1000, DailyPnL: -50}
	buf := make([]byte, SizeAccountEvent)
	PutAccountEvent(buf, &in)

	var out AccountEvent
	GetAccountEvent(buf, &out)
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestCommandEventRoundTrip(t *testing.T) {
	in := CommandEvent{TS: 1, Cmd: CmdPlaceOrder, StrategyID: 2, SymbolID: 3, Side: SideBuy, OrdType: OrderTypeLimit, Price: 100, Quantity: 1}
	in.SetParamsJSON(`{"tif":"GTC"}`)
	buf := make([]byte, SizeCommandEvent)
	PutCommandEvent(buf, &in)

	var out CommandEvent
	GetCommandEvent(buf, &out)
	if out.Cmd != in.Cmd || out.StrategyID != in.StrategyID || out.Price != in.Price {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
	if out.GetParamsJSON() != `{"tif":"GTC"}` {
		t.Fatalf("params json mismatch: got %q", out.GetParamsJSON())
	}
}
