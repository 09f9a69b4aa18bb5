// Package pktbuf implements a chained packet buffer: a variable-length
// byte sequence stored as a singly linked list of fixed-size blocks, with
// a cursor for sequential read/write/copy and header-space management for
// the layers that wrap a payload in headers on the way out (and strip them
// on the way in).
package pktbuf

import (
	"github.com/m-lab/netstack/mblock"
	"github.com/m-lab/netstack/tools"
)

// BlkSize is the payload capacity of a single block.
const BlkSize = 1024

// block is one fixed-size link in a buffer's chain.
type block struct {
	payload [BlkSize]byte
	data    int // offset into payload of the first live byte
	size    int // number of live bytes starting at data
	next    *block
}

func (b *block) tailFree() int { return BlkSize - b.data - b.size }
func (b *block) headFree() int { return b.data }

// PktBuf is a chain of blocks plus a read/write cursor.
type PktBuf struct {
	pool      *Pool
	first     *block
	last      *block
	totalSize int

	// cursor
	currBlk   *block
	blkOffset int // offset within currBlk's live region
	pos       int // absolute position in [0, totalSize]
}

// Pool owns two fixed-count free lists: one for blocks, one for PktBuf
// headers, guarded by their own locks via mblock.
type Pool struct {
	blocks *mblock.Pool[block]
	bufs   *mblock.Pool[PktBuf]
}

// NewPool creates a pool with blockCount blocks and bufCount buffer
// headers.
func NewPool(blockCount, bufCount int) *Pool {
	return &Pool{
		blocks: mblock.New(blockCount, func() *block { return &block{} }),
		bufs:   mblock.New(bufCount, func() *PktBuf { return &PktBuf{} }),
	}
}

func (p *Pool) allocBlock() (*block, error) {
	b, err := p.blocks.Get()
	if err != nil {
		return nil, err
	}
	b.data, b.size, b.next = 0, 0, nil
	return b, nil
}

func (p *Pool) freeBlockChain(first *block) {
	for first != nil {
		next := first.next
		p.blocks.Put(first)
		first = next
	}
}

// allocBlockChain allocates enough blocks to hold size bytes. If front is
// true, blocks are packed toward the tail of each block (maximising
// contiguous headroom ahead of the chain) and returned head-first, mirroring
// the original add_front allocation used for header prepends. If front is
// false, blocks are packed from the front (no headroom), as used for a
// plain data allocation.
func (p *Pool) allocBlockChain(size int, front bool) (first *block, err error) {
	var last *block
	for size > 0 {
		nb, aerr := p.allocBlock()
		if aerr != nil {
			p.freeBlockChain(first)
			return nil, aerr
		}
		cur := size
		if cur > BlkSize {
			cur = BlkSize
		}
		if front {
			nb.size = cur
			nb.data = BlkSize - cur
			if first != nil {
				nb.next = first
			}
			first = nb
		} else {
			nb.size = cur
			nb.data = 0
			if first == nil {
				first = nb
			} else {
				last.next = nb
			}
			last = nb
		}
		size -= cur
	}
	return first, nil
}

// Alloc allocates a buffer of the given total size. A zero size buffer is
// valid.
func (p *Pool) Alloc(size int) (*PktBuf, error) {
	buf, err := p.bufs.Get()
	if err != nil {
		return nil, err
	}
	buf.pool = p
	buf.first, buf.last = nil, nil
	buf.totalSize = 0
	buf.currBlk, buf.blkOffset, buf.pos = nil, 0, 0

	if size > 0 {
		first, err := p.allocBlockChain(size, false)
		if err != nil {
			p.bufs.Put(buf)
			return nil, err
		}
		buf.appendChain(first)
	}
	buf.ResetAcc()
	return buf, nil
}

func (buf *PktBuf) appendChain(first *block) {
	if first == nil {
		return
	}
	if buf.first == nil {
		buf.first = first
	} else {
		buf.last.next = first
	}
	last := first
	for {
		buf.totalSize += last.size
		if last.next == nil {
			break
		}
		last = last.next
	}
	buf.last = last
}

// Free releases buf's blocks and header back to the pool. buf must not be
// used afterwards.
func (buf *PktBuf) Free() {
	pool := buf.pool
	pool.freeBlockChain(buf.first)
	buf.first, buf.last = nil, nil
	buf.totalSize = 0
	pool.bufs.Put(buf)
}

// TotalSize returns the number of live bytes in the chain.
func (buf *PktBuf) TotalSize() int { return buf.totalSize }

// AddHeader reserves n bytes of header space at the front of buf, updating
// the chain so those bytes can be written with Write after a ResetAcc (or
// seeked to directly). If contiguous is true, the n bytes are guaranteed to
// land in a single block (the first block's headroom if it has room,
// otherwise a freshly prepended block; it fails with tools.MEM if
// n > BlkSize or no block is free); it never splits across blocks. If
// contiguous is false, the header may span multiple prepended blocks.
func (buf *PktBuf) AddHeader(n int, contiguous bool) error {
	if n <= 0 {
		return nil
	}
	if buf.first != nil && buf.first.headFree() >= n {
		buf.first.data -= n
		buf.first.size += n
		buf.totalSize += n
		buf.ResetAcc()
		return nil
	}
	if contiguous {
		if n > BlkSize {
			return tools.MEM
		}
		nb, err := buf.pool.allocBlock()
		if err != nil {
			return err
		}
		nb.size = n
		nb.data = BlkSize - n
		nb.next = buf.first
		buf.first = nb
		if buf.last == nil {
			buf.last = nb
		}
		buf.totalSize += n
		buf.ResetAcc()
		return nil
	}
	first, err := buf.pool.allocBlockChain(n, true)
	if err != nil {
		return err
	}
	// Find the tail of the freshly allocated chain to splice it in front
	// of buf's existing chain.
	tail := first
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = buf.first
	buf.first = first
	if buf.last == nil {
		buf.last = tail
	}
	buf.totalSize += n
	buf.ResetAcc()
	return nil
}

// RemoveHeader strips n bytes from the front of buf, freeing any block that
// becomes fully consumed.
func (buf *PktBuf) RemoveHeader(n int) error {
	if n < 0 || n > buf.totalSize {
		return tools.PARAM
	}
	remaining := n
	for remaining > 0 && buf.first != nil {
		b := buf.first
		if b.size > remaining {
			b.data += remaining
			b.size -= remaining
			remaining = 0
			break
		}
		remaining -= b.size
		buf.first = b.next
		buf.pool.blocks.Put(b)
	}
	if buf.first == nil {
		buf.last = nil
	}
	buf.totalSize -= n
	buf.ResetAcc()
	return nil
}

// Resize grows or shrinks buf to newSize. Growing appends fresh
// zero-initialised blocks at the tail; shrinking trims (and frees) blocks
// from the tail. Writes never grow a buffer implicitly — callers
// must Resize first.
func (buf *PktBuf) Resize(newSize int) error {
	if newSize < 0 {
		return tools.PARAM
	}
	if newSize == buf.totalSize {
		return nil
	}
	if newSize > buf.totalSize {
		oldSize := buf.totalSize
		grow := newSize - buf.totalSize
		if buf.last != nil && buf.last.tailFree() > 0 {
			take := buf.last.tailFree()
			if take > grow {
				take = grow
			}
			buf.last.size += take
			buf.totalSize += take
			grow -= take
		}
		if grow > 0 {
			first, err := buf.pool.allocBlockChain(grow, false)
			if err != nil {
				return err
			}
			buf.appendChain(first)
		}
		buf.Seek(oldSize)
		buf.Fill(0, newSize-oldSize)
		buf.ResetAcc()
		return nil
	}

	// Shrinking: walk from the front, keeping newSize bytes, freeing the
	// remainder.
	shrink := buf.totalSize - newSize
	// Walk blocks from the tail; easiest expressed by rebuilding from the
	// front since the chain is singly linked.
	kept := newSize
	var newLast *block
	cur := buf.first
	for cur != nil && kept > 0 {
		if cur.size >= kept {
			cur.size = kept
			newLast = cur
			next := cur.next
			cur.next = nil
			buf.pool.freeBlockChain(next)
			kept = 0
			break
		}
		kept -= cur.size
		newLast = cur
		cur = cur.next
	}
	if newSize == 0 {
		buf.pool.freeBlockChain(buf.first)
		buf.first, buf.last = nil, nil
	} else {
		buf.last = newLast
	}
	buf.totalSize = newSize
	_ = shrink
	buf.ResetAcc()
	return nil
}

// Join appends other's chain onto the end of buf, transferring ownership of
// other's blocks to buf. other's header is freed; other must not be used
// afterwards. Join is O(1): it never copies payload bytes.
func (buf *PktBuf) Join(other *PktBuf) error {
	if other == nil || other.totalSize == 0 {
		if other != nil {
			other.pool.bufs.Put(other)
		}
		return nil
	}
	if buf.first == nil {
		buf.first = other.first
	} else {
		buf.last.next = other.first
	}
	buf.last = other.last
	buf.totalSize += other.totalSize
	other.first, other.last, other.totalSize = nil, nil, 0
	other.pool.bufs.Put(other)
	buf.ResetAcc()
	return nil
}

// SetCont guarantees the first n bytes of buf are contiguous in a single
// block. If the first block holds fewer than n bytes, the first n bytes
// are copied into a new block that replaces the blocks they came from. It
// fails with tools.MEM if n > BlkSize.
func (buf *PktBuf) SetCont(n int) error {
	if n <= 0 {
		return nil
	}
	if n > BlkSize {
		return tools.MEM
	}
	if n > buf.totalSize {
		return tools.PARAM
	}
	if buf.first != nil && buf.first.size >= n {
		return nil
	}

	nb, err := buf.pool.allocBlock()
	if err != nil {
		return err
	}
	nb.data = 0
	copied := 0
	cur := buf.first
	for cur != nil && copied < n {
		take := cur.size
		if copied+take > n {
			take = n - copied
		}
		copy(nb.payload[copied:copied+take], cur.payload[cur.data:cur.data+take])
		copied += take
		if take == cur.size {
			next := cur.next
			buf.pool.blocks.Put(cur)
			cur = next
		} else {
			cur.data += take
			cur.size -= take
			break
		}
	}
	nb.size = copied
	nb.next = cur
	buf.first = nb
	// Recompute the tail by walking, since SetCont may have consumed
	// (and freed) the block that used to be buf.last.
	last := nb
	for last.next != nil {
		last = last.next
	}
	buf.last = last
	buf.ResetAcc()
	return nil
}

// ---- cursor operations ----

// ResetAcc rewinds the cursor to the start of the buffer.
func (buf *PktBuf) ResetAcc() {
	buf.currBlk = buf.first
	buf.blkOffset = 0
	buf.pos = 0
}

// Pos returns the cursor's current absolute position.
func (buf *PktBuf) Pos() int { return buf.pos }

// Seek moves the cursor to absolute offset off.
func (buf *PktBuf) Seek(off int) error {
	if off < 0 || off > buf.totalSize {
		return tools.PARAM
	}
	buf.currBlk = buf.first
	buf.blkOffset = 0
	remaining := off
	for buf.currBlk != nil && remaining >= buf.currBlk.size {
		remaining -= buf.currBlk.size
		buf.currBlk = buf.currBlk.next
		buf.blkOffset = 0
	}
	buf.blkOffset = remaining
	buf.pos = off
	return nil
}

func (buf *PktBuf) advance(n int) {
	buf.pos += n
	buf.blkOffset += n
	for buf.currBlk != nil && buf.blkOffset >= buf.currBlk.size {
		buf.blkOffset -= buf.currBlk.size
		buf.currBlk = buf.currBlk.next
	}
}

// Read copies n bytes starting at the cursor into dst (len(dst) must be >=
// n) and advances the cursor. pos+n must not exceed TotalSize.
func (buf *PktBuf) Read(dst []byte, n int) error {
	if n == 0 {
		return nil
	}
	if buf.pos+n > buf.totalSize || len(dst) < n {
		return tools.PARAM
	}
	copied := 0
	for copied < n {
		if buf.currBlk == nil {
			return tools.PARAM
		}
		b := buf.currBlk
		avail := b.size - buf.blkOffset
		take := n - copied
		if take > avail {
			take = avail
		}
		src := b.data + buf.blkOffset
		copy(dst[copied:copied+take], b.payload[src:src+take])
		copied += take
		buf.advance(take)
	}
	return nil
}

// Write copies n bytes from src into buf starting at the cursor and
// advances the cursor. Write never grows the buffer; pos+n must not exceed
// TotalSize (call Resize first).
func (buf *PktBuf) Write(src []byte, n int) error {
	if n == 0 {
		return nil
	}
	if buf.pos+n > buf.totalSize || len(src) < n {
		return tools.PARAM
	}
	copied := 0
	for copied < n {
		if buf.currBlk == nil {
			return tools.PARAM
		}
		b := buf.currBlk
		avail := b.size - buf.blkOffset
		take := n - copied
		if take > avail {
			take = avail
		}
		dst := b.data + buf.blkOffset
		copy(b.payload[dst:dst+take], src[copied:copied+take])
		copied += take
		buf.advance(take)
	}
	return nil
}

// Fill writes n copies of byteVal starting at the cursor and advances it.
func (buf *PktBuf) Fill(byteVal byte, n int) error {
	if n == 0 {
		return nil
	}
	if buf.pos+n > buf.totalSize {
		return tools.PARAM
	}
	copied := 0
	for copied < n {
		if buf.currBlk == nil {
			return tools.PARAM
		}
		b := buf.currBlk
		avail := b.size - buf.blkOffset
		take := n - copied
		if take > avail {
			take = avail
		}
		dst := b.data + buf.blkOffset
		for i := 0; i < take; i++ {
			b.payload[dst+i] = byteVal
		}
		copied += take
		buf.advance(take)
	}
	return nil
}

// Copy copies n bytes from src's cursor to dst's cursor, advancing both.
func Copy(dst, src *PktBuf, n int) error {
	tmp := make([]byte, n)
	if err := src.Read(tmp, n); err != nil {
		return err
	}
	return dst.Write(tmp, n)
}

// Check walks the chain and verifies sum(block.size) == total_size, and
// that each block's payload/data/size stay within bounds. It is meant for
// use under debug builds and in tests, not on the hot path.
func (buf *PktBuf) Check() error {
	sum := 0
	for b := buf.first; b != nil; b = b.next {
		if b.data < 0 || b.size < 0 || b.data+b.size > BlkSize {
			return tools.FORMAT
		}
		sum += b.size
	}
	if sum != buf.totalSize {
		return tools.FORMAT
	}
	return nil
}
