package frame

// FrameHeader is the 32-byte prefix written before every journal frame
// (spec.md §4.3 / §6). Length is the payload size in bytes, excluding
// this header.
type FrameHeader struct {
	Length        uint32
	MsgType       uint32
	GenTimeNS     int64
	TriggerTimeNS int64
	Source        uint32
	Dest          uint32
}

const HeaderSize = 32

// Journal message types. PageRoll is a sentinel written as the last frame
// of a full page; its payload is the next page's file name.
const (
	MsgTicker   uint32 = iota + 1
	MsgOrder
	MsgTrade
	MsgPosition
	MsgAccount
	MsgCommand
	MsgSystem
	MsgPageRoll
)
