package frame

import (
	"encoding/binary"
	"math"
)

// Codec packs/unpacks frames to their flat native-endian wire representation.
// The hot path never reflects: every Put/Get touches a fixed byte offset.
// nativeEndian matches the process's own byte order, per spec.md §6
// ("endianness is the process's native; cross-host not in scope").
var nativeEndian = binary.LittleEndian

const (
	SizeMarketEvent    = 64
	SizeDepthEvent     = 192
	SizeOrderRequest   = 128
	SizeOrderResponse  = 128
	SizePositionEvent  = 48
	SizeAccountEvent   = 48
	SizeCommandEvent   = 72
)

func putU16(b []byte, v uint16) { nativeEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { nativeEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { nativeEndian.PutUint64(b, v) }
func putI64(b []byte, v int64)  { nativeEndian.PutUint64(b, uint64(v)) }
func putF64(b []byte, v float64) { nativeEndian.PutUint64(b, math.Float64bits(v)) }

func getU16(b []byte) uint16  { return nativeEndian.Uint16(b) }
func getU32(b []byte) uint32  { return nativeEndian.Uint32(b) }
func getU64(b []byte) uint64  { return nativeEndian.Uint64(b) }
func getI64(b []byte) int64   { return int64(nativeEndian.Uint64(b)) }
func getF64(b []byte) float64 { return math.Float64frombits(nativeEndian.Uint64(b)) }

// PutMarketEvent encodes e into buf[:SizeMarketEvent].
func PutMarketEvent(buf []byte, e *MarketEvent) {
	_ = buf[:SizeMarketEvent]
	putI64(buf[0:8], e.TS)
	buf[8] = byte(e.Type)
	putU16(buf[9:11], e.ExchangeID)
	putU16(buf[11:13], e.SymbolID)
	putU64(buf[16:24], e.Seq)
	putF64(buf[24:32], e.Last)
	putF64(buf[32:40], e.Bid)
	putF64(buf[40:48], e.Ask)
	putF64(buf[48:56], e.Volume)
	putF64(buf[56:64], e.BidSize)
}

// GetMarketEvent decodes buf[:SizeMarketEvent] into e.
func GetMarketEvent(buf []byte, e *MarketEvent) {
	_ = buf[:SizeMarketEvent]
	e.TS = getI64(buf[0:8])
	e.Type = EventType(buf[8])
	e.ExchangeID = getU16(buf[9:11])
	e.SymbolID = getU16(buf[11:13])
	e.Seq = getU64(buf[16:24])
	e.Last = getF64(buf[24:32])
	e.Bid = getF64(buf[32:40])
	e.Ask = getF64(buf[40:48])
	e.Volume = getF64(buf[48:56])
	e.BidSize = getF64(buf[56:64])
}

// PutOrderRequest encodes r into buf[:SizeOrderRequest].
func PutOrderRequest(buf []byte, r *OrderRequest) {
	_ = buf[:SizeOrderRequest]
	putI64(buf[0:8], r.TS)
	putU64(buf[8:16], r.LocalOrderID)
	putU16(buf[16:18], r.ExchangeID)
	putU16(buf[18:20], r.SymbolID)
	putU32(buf[20:24], r.AccountID)
	buf[24] = byte(r.Side)
	buf[25] = byte(r.OrdType)
	putF64(buf[28:36], r.Price)
	putF64(buf[36:44], r.Quantity)
	putF64(buf[44:52], r.StopPrice)
	copy(buf[52:68], r.ClientOrderID[:])
	putU32(buf[68:72], r.StrategyID)
	putU64(buf[72:80], r.SignalID)
	copy(buf[80:96], r.StrategyName[:])
}

// GetOrderRequest decodes buf[:SizeOrderRequest] into r.
func GetOrderRequest(buf []byte, r *OrderRequest) {
	_ = buf[:SizeOrderRequest]
	r.TS = getI64(buf[0:8])
	r.LocalOrderID = getU64(buf[8:16])
	r.ExchangeID = getU16(buf[16:18])
	r.SymbolID = getU16(buf[18:20])
	r.AccountID = getU32(buf[20:24])
	r.Side = OrderSide(buf[24])
	r.OrdType = OrderType(buf[25])
	r.Price = getF64(buf[28:36])
	r.Quantity = getF64(buf[36:44])
	r.StopPrice = getF64(buf[44:52])
	copy(r.ClientOrderID[:], buf[52:68])
	r.StrategyID = getU32(buf[68:72])
	r.SignalID = getU64(buf[72:80])
	copy(r.StrategyName[:], buf[80:96])
}

// PutOrderResponse encodes r into buf[:SizeOrderResponse].
func PutOrderResponse(buf []byte, r *OrderResponse) {
	_ = buf[:SizeOrderResponse]
	putI64(buf[0:8], r.TS)
	putU64(buf[8:16], r.LocalOrderID)
	putU64(buf[16:24], r.ExchangeOrderID)
	buf[24] = byte(r.Status)
	putF64(buf[32:40], r.FilledPrice)
	putF64(buf[40:48], r.FilledQty)
	putF64(buf[48:56], r.CumQty)
	putF64(buf[56:64], r.AvgPrice)
	putF64(buf[64:72], r.Fee)
	putU32(buf[72:76], r.ErrorCode)
	copy(buf[80:96], r.ErrorMsg[:])
	putI64(buf[96:104], r.LatencyNS)
	putI64(buf[104:112], r.ExchangeTS)
}

// GetOrderResponse decodes buf[:SizeOrderResponse] into r.
func GetOrderResponse(buf []byte, r *OrderResponse) {
	_ = buf[:SizeOrderResponse]
	r.TS = getI64(buf[0:8])
	r.LocalOrderID = getU64(buf[8:16])
	r.ExchangeOrderID = getU64(buf[16:24])
	r.Status = OrderStatus(buf[24])
	r.FilledPrice = getF64(buf[32:40])
	r.FilledQty = getF64(buf[40:48])
	r.CumQty = getF64(buf[48:56])
	r.AvgPrice = getF64(buf[56:64])
	r.Fee = getF64(buf[64:72])
	r.ErrorCode = getU32(buf[72:76])
	copy(r.ErrorMsg[:], buf[80:96])
	r.LatencyNS = getI64(buf[96:104])
	r.ExchangeTS = getI64(buf[104:112])
}

// PutDepthEvent encodes d into buf[:SizeDepthEvent].
func PutDepthEvent(buf []byte, d *DepthEvent) {
	_ = buf[:SizeDepthEvent]
	putI64(buf[0:8], d.TS)
	putU16(buf[8:10], d.ExchangeID)
	putU16(buf[10:12], d.SymbolID)
	putU64(buf[16:24], d.Seq)
	off := 24
	for i := 0; i < 5; i++ {
		putF64(buf[off:off+8], d.Bids[i].Price)
		putF64(buf[off+8:off+16], d.Bids[i].Size)
		off += 16
	}
	for i := 0; i < 5; i++ {
		putF64(buf[off:off+8], d.Asks[i].Price)
		putF64(buf[off+8:off+16], d.Asks[i].Size)
		off += 16
	}
}

// GetDepthEvent decodes buf[:SizeDepthEvent] into d.
func GetDepthEvent(buf []byte, d *DepthEvent) {
	_ = buf[:SizeDepthEvent]
	d.TS = getI64(buf[0:8])
	d.ExchangeID = getU16(buf[8:10])
	d.SymbolID = getU16(buf[10:12])
	d.Seq = getU64(buf[16:24])
	off := 24
	for i := 0; i < 5; i++ {
		d.Bids[i].Price = getF64(buf[off : off+8])
		d.Bids[i].Size = getF64(buf[off+8 : off+16])
		off += 16
	}
	for i := 0; i < 5; i++ {
		d.Asks[i].Price = getF64(buf[off : off+8])
		d.Asks[i].Size = getF64(buf[off+8 : off+16])
		off += 16
	}
}

// PutPositionEvent encodes p into buf[:SizePositionEvent].
func PutPositionEvent(buf []byte, p *PositionEvent) {
	_ = buf[:SizePositionEvent]
	putI64(buf[0:8], p.TS)
	putU16(buf[8:10], p.ExchangeID)
	putU16(buf[10:12], p.SymbolID)
	putU32(buf[12:16], p.AccountID)
	putF64(buf[16:24], p.Quantity)
	putF64(buf[24:32], p.AvgEntry)
	putF64(buf[32:40], p.RealizedPnL)
	putF64(buf[40:48], p.UnrealizedPnL)
}

// GetPositionEvent decodes buf[:SizePositionEvent] into p.
func GetPositionEvent(buf []byte, p *PositionEvent) {
	_ = buf[:SizePositionEvent]
	p.TS = getI64(buf[0:8])
	p.ExchangeID = getU16(buf[8:10])
	p.SymbolID = getU16(buf[10:12])
	p.AccountID = getU32(buf[12:16])
	p.Quantity = getF64(buf[16:24])
	p.AvgEntry = getF64(buf[24:32])
	p.RealizedPnL = getF64(buf[32:40])
	p.UnrealizedPnL = getF64(buf[40:48])
}

// PutAccountEvent encodes a into buf[:SizeAccountEvent].
func PutAccountEvent(buf []byte, a *AccountEvent) {
	_ = buf[:SizeAccountEvent]
	putI64(buf[0:8], a.TS)
	putU32(buf[8:12], a.AccountID)
	putF64(buf[16:24], a.Equity)
	putF64(buf[24:32], a.AvailableCash)
	putF64(buf[32:40], a.UsedMargin)
	putF64(buf[40:48], a.DailyPnL)
}

// GetAccountEvent decodes buf[:SizeAccountEvent] into a.
func GetAccountEvent(buf []byte, a *AccountEvent) {
	_ = buf[:SizeAccountEvent]
	a.TS = getI64(buf[0:8])
	a.AccountID = getU32(buf[8:12])
	a.Equity = getF64(buf[16:24])
	a.AvailableCash = getF64(buf[24:32])
	a.UsedMargin = getF64(buf[32:40])
	a.DailyPnL = getF64(buf[40:48])
}

// PutCommandEvent encodes c into buf[:SizeCommandEvent].
func PutCommandEvent(buf []byte, c *CommandEvent) {
	_ = buf[:SizeCommandEvent]
	putI64(buf[0:8], c.TS)
	buf[8] = byte(c.Cmd)
	putU32(buf[12:16], c.StrategyID)
	putU16(buf[16:18], c.SymbolID)
	buf[18] = byte(c.Side)
	buf[19] = byte(c.OrdType)
	putF64(buf[24:32], c.Price)
	putF64(buf[32:40], c.Quantity)
	copy(buf[40:72], c.ParamsJSON[:])
}

// GetCommandEvent decodes buf[:SizeCommandEvent] into c.
func GetCommandEvent(buf []byte, c *CommandEvent) {
	_ = buf[:SizeCommandEvent]
	c.TS = getI64(buf[0:8])
	c.Cmd = Command(buf[8])
	c.StrategyID = getU32(buf[12:16])
	c.SymbolID = getU16(buf[16:18])
	c.Side = OrderSide(buf[18])
	c.OrdType = OrderType(buf[19])
	c.Price = getF64(buf[24:32])
	c.Quantity = getF64(buf[32:40])
	copy(c.ParamsJSON[:], buf[40:72])
}

// PutFrameHeader encodes h into buf[:HeaderSize].
func PutFrameHeader(buf []byte, h *FrameHeader) {
	_ = buf[:HeaderSize]
	putU32(buf[0:4], h.Length)
	putU32(buf[4:8], h.MsgType)
	putI64(buf[8:16], h.GenTimeNS)
	putI64(buf[16:24], h.TriggerTimeNS)
	putU32(buf[24:28], h.Source)
	putU32(buf[28:32], h.Dest)
}

// GetFrameHeader decodes buf[:HeaderSize] into h.
func GetFrameHeader(buf []byte, h *FrameHeader) {
	_ = buf[:HeaderSize]
	h.Length = getU32(buf[0:4])
	h.MsgType = getU32(buf[4:8])
	h.GenTimeNS = getI64(buf[8:16])
	h.TriggerTimeNS = getI64(buf[16:24])
	h.Source = getU32(buf[24:28])
	h.Dest = getU32(buf[28:32])
}
