// Package journal implements the append-only, memory-mapped event log
// (C4): every frame the engine observes or produces is durably recorded
// here before (or as) it is made visible elsewhere, so a crashed process
// can recover OEMS order state and the dashboard can serve history without
// replaying the exchange.
//
// A journal is a sequence of fixed-size page files (default 128 MiB, see
// DESIGN.md Open Question ii), each mmap'd whole. A page begins with a
// 64-byte PageHeader holding an atomically-updated write cursor and read
// cursor, followed by an append-only region of length-prefixed frames.
// When a frame would not fit in the space remaining, the writer emits a
// PAGE_ROLL sentinel frame and opens the next page file.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultPageSize is 128 MiB, chosen so a page comfortably holds several
// minutes of frames at expected trading rates without rotating so often
// that mmap/munmap churn shows up in tail latency (see DESIGN.md ii).
const DefaultPageSize = 128 << 20

// pageHeaderSize is the fixed PageHeader footprint at the start of every
// page file. Frames never occupy these bytes.
const pageHeaderSize = 64

// PageHeader fields, as byte offsets into a page's mapped region.
const (
	offWriteCursor = 0  // uint64, atomic: next free byte offset for a frame
	offReadCursor  = 8  // uint64, atomic: last frame offset this page's reader has consumed
	offCapacity    = 16 // uint64: total page size in bytes, written once at creation
	offVersion     = 24 // uint32: page format version
)

const pageVersion = 1

// page wraps one mmap'd journal file.
type page struct {
	file *os.File
	data []byte
	seq  uint64
}

func pageFileName(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("page-%010d.journal", seq))
}

// openPage maps the page at seq, creating and zero-extending it to size
// bytes if create is true. A freshly created page gets its header
// initialized; an existing page keeps whatever cursor it last persisted,
// which is the crash-safety property spec.md §4.3 asks for.
func openPage(dir string, seq uint64, size uint64, create bool) (*page, error) {
	path := pageFileName(dir, seq)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal page %s: %w", path, err)
	}

	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate journal page %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap journal page %s: %w", path, err)
	}

	// Transparent hugepages are an optimization, not a requirement: some
	// kernels/filesystems reject the advice, which we tolerate.
	_ = unix.Madvise(data, unix.MADV_HUGEPAGE)

	p := &page{file: f, data: data, seq: seq}
	if create {
		p.storeU64(offCapacity, size)
		p.storeU32(offVersion, pageVersion)
		p.setWriteCursor(pageHeaderSize)
		p.setReadCursor(pageHeaderSize)
	}
	return p, nil
}

func (p *page) u64ptr(off int) *uint64 { return (*uint64)(unsafe.Pointer(&p.data[off])) }
func (p *page) u32ptr(off int) *uint32 { return (*uint32)(unsafe.Pointer(&p.data[off])) }

func (p *page) loadU64(off int) uint64    { return atomic.LoadUint64(p.u64ptr(off)) }
func (p *page) storeU64(off int, v uint64) { atomic.StoreUint64(p.u64ptr(off), v) }
func (p *page) storeU32(off int, v uint32) { atomic.StoreUint32(p.u32ptr(off), v) }

func (p *page) writeCursor() uint64      { return p.loadU64(offWriteCursor) }
func (p *page) setWriteCursor(v uint64)  { p.storeU64(offWriteCursor, v) }
func (p *page) readCursor() uint64       { return p.loadU64(offReadCursor) }
func (p *page) setReadCursor(v uint64)   { p.storeU64(offReadCursor, v) }
func (p *page) capacity() uint64         { return p.loadU64(offCapacity) }

// sync flushes the page's dirty pages to disk. Called at rotation and
// shutdown only — never per frame, which would defeat the point of mmap.
func (p *page) sync() error {
	return unix.Msync(p.data, unix.MS_SYNC)
}

func (p *page) close() error {
	if err := unix.Munmap(p.data); err != nil {
		p.file.Close()
		return fmt.Errorf("munmap journal page: %w", err)
	}
	return p.file.Close()
}
