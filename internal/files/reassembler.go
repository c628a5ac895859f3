package files

import (
	"container/list"

	"firestige.xyz/filetrace/internal/metrics"
)

// block is a buffered range. A block without data is a declared hole.
type block struct {
	offset uint64
	length uint64
	data   []byte
}

func (b *block) end() uint64 { return b.offset + b.length }
func (b *block) gap() bool   { return b.data == nil }

// reassemblyTarget receives what the reassembler releases.
type reassemblyTarget interface {
	deliverContiguous(data []byte, offset uint64)
	skipHole(offset, length uint64)
	countOverflow(n uint64)
}

// Reassembler buffers ranges that arrive ahead of the contiguous cursor and
// releases them in order once the cursor reaches them. Earlier data wins on
// overlap; the losing bytes are reported as overflow.
type Reassembler struct {
	target   reassemblyTarget
	cursor   uint64
	blocks   *list.List // of *block, ordered by offset, non-overlapping
	buffered uint64
	flushing bool
}

func newReassembler(target reassemblyTarget, start uint64) *Reassembler {
	return &Reassembler{
		target: target,
		cursor: start,
		blocks: list.New(),
	}
}

// Cursor returns the offset of the next byte the reassembler waits for.
func (r *Reassembler) Cursor() uint64 { return r.cursor }

// HasBlocks reports whether anything is still buffered.
func (r *Reassembler) HasBlocks() bool { return r.blocks.Len() > 0 }

// Buffered returns the number of data bytes held.
func (r *Reassembler) Buffered() uint64 { return r.buffered }

// NewBlock buffers data at offset and flushes whatever became contiguous.
func (r *Reassembler) NewBlock(offset uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	r.insert(offset, uint64(len(data)), data)
	r.flush()
}

// NewGap records a hole that will never be filled. The cursor skips it when
// reached.
func (r *Reassembler) NewGap(offset, length uint64) {
	if length == 0 {
		return
	}
	r.insert(offset, length, nil)
	r.flush()
}

// insert adds [offset, offset+length) minus every part already covered by the
// cursor or by buffered blocks. data is nil for holes.
func (r *Reassembler) insert(offset, length uint64, data []byte) {
	end := offset + length
	isGap := data == nil

	var dropped uint64
	if end <= r.cursor {
		if !isGap {
			r.target.countOverflow(length)
		}
		return
	}
	if offset < r.cursor {
		dropped += r.cursor - offset
		if !isGap {
			data = data[r.cursor-offset:]
		}
		offset = r.cursor
	}

	pos := offset
	for e := r.blocks.Front(); e != nil && pos < end; e = e.Next() {
		b := e.Value.(*block)
		if b.end() <= pos {
			continue
		}
		if b.offset > pos {
			stop := min(b.offset, end)
			r.blocks.InsertBefore(r.piece(pos, stop, offset, data), e)
			pos = stop
			if pos >= end {
				break
			}
		}
		covered := min(end, b.end()) - pos
		dropped += covered
		pos += covered
	}
	if pos < end {
		r.blocks.PushBack(r.piece(pos, end, offset, data))
	}

	if dropped > 0 && !isGap {
		r.target.countOverflow(dropped)
	}
}

// piece cuts [from, to) out of a range starting at base.
func (r *Reassembler) piece(from, to, base uint64, data []byte) *block {
	b := &block{offset: from, length: to - from}
	if data != nil {
		b.data = append([]byte(nil), data[from-base:to-base]...)
		r.buffered += b.length
		metrics.ReassemblyBufferedBytes.Add(float64(b.length))
	}
	return b
}

// flush releases blocks starting at the cursor. The target may feed the
// reassembler again from inside a delivery; such blocks are picked up by the
// running flush.
func (r *Reassembler) flush() {
	if r.flushing {
		return
	}
	r.flushing = true
	defer func() { r.flushing = false }()

	for {
		e := r.blocks.Front()
		if e == nil {
			return
		}
		b := e.Value.(*block)
		if b.offset != r.cursor {
			return
		}
		r.blocks.Remove(e)
		r.cursor = b.end()

		if b.gap() {
			r.target.skipHole(b.offset, b.length)
			continue
		}
		r.buffered -= b.length
		metrics.ReassemblyBufferedBytes.Sub(float64(b.length))
		r.target.deliverContiguous(b.data, b.offset)
	}
}

// discard drops everything still buffered.
func (r *Reassembler) discard() {
	if r.buffered > 0 {
		metrics.ReassemblyBufferedBytes.Sub(float64(r.buffered))
	}
	r.blocks.Init()
	r.buffered = 0
}
