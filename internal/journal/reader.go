package journal

import (
	"errors"
	"fmt"
	"hash/crc32"

	"tradingbus/internal/frame"
)

// ErrChecksumMismatch is returned by Next when a frame's stored CRC32
// doesn't match its header+payload bytes — on-disk corruption, per the
// structural error class spec.md §7 names.
var ErrChecksumMismatch = errors.New("journal: checksum mismatch")

// ErrNoMoreFrames indicates the reader has caught up to the writer; it is
// not a fatal condition, just "nothing new yet".
var ErrNoMoreFrames = errors.New("journal: no more frames")

// Reader sequentially tails a journal starting from a given page/offset,
// transparently following PAGE_ROLL frames across page boundaries and
// persisting its own progress into each page's read cursor so a restarted
// reader resumes instead of replaying from the beginning (spec.md §4.3).
type Reader struct {
	dir      string
	pageSize uint64
	cur      *page
	metrics  *Metrics
}

// OpenReader attaches a reader to the journal in dir, starting at page
// startSeq (0 for the first page). Reading begins at that page's persisted
// read cursor, so frames a prior Reader already consumed there are not
// replayed.
func OpenReader(dir string, pageSize uint64, startSeq uint64, metrics *Metrics) (*Reader, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	p, err := openPage(dir, startSeq, pageSize, false)
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, pageSize: pageSize, cur: p, metrics: metrics}, nil
}

// Next reads the next frame after this reader's cursor, returning its
// header and a copy of its payload. Returns ErrNoMoreFrames if the writer
// hasn't published anything new past this reader's position.
func (r *Reader) Next() (frame.FrameHeader, []byte, error) {
	for {
		off := r.cur.readCursor()
		wc := r.cur.writeCursor()
		if off >= wc {
			return frame.FrameHeader{}, nil, ErrNoMoreFrames
		}

		var hdr frame.FrameHeader
		buf := r.cur.data[off:]
		frame.GetFrameHeader(buf, &hdr)

		payloadEnd := frame.HeaderSize + int(hdr.Length)
		footerEnd := payloadEnd + footerSize
		if uint64(footerEnd) > r.pageSize-off {
			return frame.FrameHeader{}, nil, fmt.Errorf("journal: frame at offset %d overruns page", off)
		}

		sum := crc32.ChecksumIEEE(buf[:payloadEnd])
		stored := uint32(buf[payloadEnd]) | uint32(buf[payloadEnd+1])<<8 |
			uint32(buf[payloadEnd+2])<<16 | uint32(buf[payloadEnd+3])<<24
		if sum != stored {
			r.metrics.observeChecksumError()
			return frame.FrameHeader{}, nil, ErrChecksumMismatch
		}

		payload := make([]byte, hdr.Length)
		copy(payload, buf[frame.HeaderSize:payloadEnd])
		r.cur.setReadCursor(off + uint64(footerEnd))

		if hdr.MsgType == frame.MsgPageRoll {
			if err := r.advancePage(); err != nil {
				return frame.FrameHeader{}, nil, err
			}
			continue
		}
		return hdr, payload, nil
	}
}

// advancePage closes the current page and opens the next one, read-only
// semantics preserved by never creating a page a writer hasn't already
// rolled into existence.
func (r *Reader) advancePage() error {
	next := r.cur.seq + 1
	if err := r.cur.close(); err != nil {
		return err
	}
	p, err := openPage(r.dir, next, r.pageSize, false)
	if err != nil {
		return err
	}
	r.cur = p
	return nil
}

// Close unmaps the reader's current page.
func (r *Reader) Close() error {
	return r.cur.close()
}

// CurrentSeq returns the page sequence this reader is positioned in, so a
// caller can persist (seq, offset) for the next restart.
func (r *Reader) CurrentSeq() uint64 { return r.cur.seq }

// Offset returns this reader's byte offset within CurrentSeq.
func (r *Reader) Offset() uint64 { return r.cur.readCursor() }
