package journal

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"tradingbus/internal/frame"
)

// footerSize is the CRC32 checksum appended after every frame's payload,
// covering the header and payload bytes (spec.md §7 "journal checksum
// mismatch" structural-error class).
const footerSize = 4

// rollReserve is the space a page always keeps free at its tail so a
// PAGE_ROLL sentinel frame (header plus the next page's filename) never
// itself needs to roll.
const rollReserve = frame.HeaderSize + 256 + footerSize

// Writer appends frames to the current journal page, rotating to a new
// page file when the current one fills.
type Writer struct {
	dir      string
	pageSize uint64
	cur      *page
	metrics  *Metrics
}

// Open resumes or creates a journal in dir. If page files already exist,
// the writer reopens the highest-numbered one and resumes appending from
// its persisted write cursor — the crash-safety guarantee spec.md §4.3
// requires: a writer that crashed mid-page picks up exactly where the
// mmap'd cursor says it left off.
func Open(dir string, pageSize uint64, metrics *Metrics) (*Writer, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	seq, found, err := latestPageSeq(dir)
	if err != nil {
		return nil, err
	}

	p, err := openPage(dir, seq, pageSize, !found)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: dir, pageSize: pageSize, cur: p, metrics: metrics}, nil
}

func latestPageSeq(dir string) (seq uint64, found bool, err error) {
	entries, err := filepath.Glob(filepath.Join(dir, "page-*.journal"))
	if err != nil {
		return 0, false, fmt.Errorf("glob journal pages: %w", err)
	}
	for _, path := range entries {
		var s uint64
		if _, scanErr := fmt.Sscanf(filepath.Base(path), "page-%010d.journal", &s); scanErr == nil {
			if !found || s > seq {
				seq, found = s, true
			}
		}
	}
	return seq, found, nil
}

// Append writes one frame (header, payload, CRC32 footer) to the journal,
// rotating to a new page first if the frame wouldn't otherwise fit.
func (w *Writer) Append(msgType uint32, genTimeNS, triggerTimeNS int64, source, dest uint32, payload []byte) error {
	total := uint64(frame.HeaderSize + len(payload) + footerSize)

	if w.cur.writeCursor()+total+rollReserve > w.pageSize {
		if err := w.roll(); err != nil {
			return err
		}
	}

	hdr := frame.FrameHeader{
		Length:        uint32(len(payload)),
		MsgType:       msgType,
		GenTimeNS:     genTimeNS,
		TriggerTimeNS: triggerTimeNS,
		Source:        source,
		Dest:          dest,
	}
	w.writeFrame(hdr, payload)
	w.metrics.observeAppend(int(total))
	return nil
}

// writeFrame serializes hdr+payload+crc32 at the current write cursor and
// advances it. The cursor store is the single publication point a crashed
// and restarted writer (or a tailing reader) relies on.
func (w *Writer) writeFrame(hdr frame.FrameHeader, payload []byte) {
	off := w.cur.writeCursor()
	buf := w.cur.data[off:]

	frame.PutFrameHeader(buf, &hdr)
	n := copy(buf[frame.HeaderSize:], payload)

	sum := crc32.ChecksumIEEE(buf[:frame.HeaderSize+n])
	footerOff := frame.HeaderSize + n
	buf[footerOff] = byte(sum)
	buf[footerOff+1] = byte(sum >> 8)
	buf[footerOff+2] = byte(sum >> 16)
	buf[footerOff+3] = byte(sum >> 24)

	total := uint64(frame.HeaderSize + n + footerSize)
	w.cur.setWriteCursor(off + total)
}

// roll closes out the current page with a PAGE_ROLL sentinel frame naming
// the next page, syncs it to disk, and opens the next page for writing.
func (w *Writer) roll() error {
	next := w.cur.seq + 1
	name := []byte(pageFileName(w.dir, next))

	hdr := frame.FrameHeader{
		Length:  uint32(len(name)),
		MsgType: frame.MsgPageRoll,
	}
	w.writeFrame(hdr, name)

	if err := w.cur.sync(); err != nil {
		return err
	}
	if err := w.cur.close(); err != nil {
		return err
	}

	p, err := openPage(w.dir, next, w.pageSize, true)
	if err != nil {
		return err
	}
	w.cur = p
	w.metrics.observeRotation()
	return nil
}

// Sync flushes the current page to disk. Called at shutdown and is safe
// to call periodically, but not on every Append — mmap's whole point is
// letting the kernel batch writeback.
func (w *Writer) Sync() error {
	return w.cur.sync()
}

// Close flushes and unmaps the current page.
func (w *Writer) Close() error {
	if err := w.cur.sync(); err != nil {
		w.cur.close()
		return err
	}
	return w.cur.close()
}

// CurrentSeq returns the page sequence number currently being written,
// for tests and for the dashboard's journal-tail bootstrap.
func (w *Writer) CurrentSeq() uint64 { return w.cur.seq }
